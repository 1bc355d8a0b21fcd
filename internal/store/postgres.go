package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/applyflow/applyflow/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. Tests substitute a
// pgxmock pool through NewPostgresWithPool.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. The caller owns the pool's
// lifecycle.
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS postings (
	posting_id       TEXT PRIMARY KEY,
	posting          JSONB NOT NULL,
	status           TEXT NOT NULL,
	group_id         TEXT,
	current_stage    TEXT,
	completed_stages JSONB NOT NULL DEFAULT '[]',
	stage_outputs    JSONB,
	error_info       JSONB,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS candidate_pool (
	posting_id    TEXT PRIMARY KEY,
	posting       JSONB NOT NULL,
	group_id      TEXT,
	discovered_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS posting_locks (
	posting_id TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS queue_messages (
	id               BIGSERIAL PRIMARY KEY,
	queue            TEXT NOT NULL,
	posting_id       TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'ready',
	attempts         INTEGER NOT NULL DEFAULT 0,
	claimed_by       TEXT,
	claim_expires_at TIMESTAMPTZ,
	available_at     TIMESTAMPTZ NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_postings_status ON postings(status);
CREATE INDEX IF NOT EXISTS idx_candidate_pool_discovered ON candidate_pool(discovered_at DESC);
CREATE INDEX IF NOT EXISTS idx_queue_ready ON queue_messages(queue, status, available_at);
CREATE INDEX IF NOT EXISTS idx_queue_claimed ON queue_messages(status, claim_expires_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Tracking records

func (s *PostgresStore) CreateRecord(ctx context.Context, posting model.Posting, status model.Status, groupID string) (*model.TrackingRecord, error) {
	now := time.Now().UTC()

	postingJSON, err := json.Marshal(posting)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal posting")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO postings (posting_id, posting, status, group_id, completed_stages, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, '[]', $5, $6)`,
		posting.ID, postingJSON, string(status), nullString(groupID), now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert record %s", posting.ID)
	}

	return &model.TrackingRecord{
		PostingID:       posting.ID,
		Posting:         posting,
		Status:          status,
		GroupID:         groupID,
		CompletedStages: []string{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, postingID string) (*model.TrackingRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT posting_id, posting, status, group_id, current_stage, completed_stages, stage_outputs, error_info, created_at, updated_at
		 FROM postings WHERE posting_id = $1`,
		postingID,
	)
	rec, err := scanRecordPG(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Errorf("record not found: %s", postingID)
	}
	return rec, err
}

func (s *PostgresStore) SaveRecord(ctx context.Context, rec *model.TrackingRecord) error {
	cols, err := recordColumns(rec)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE postings SET status = $1, group_id = $2, current_stage = $3, completed_stages = $4, stage_outputs = $5, error_info = $6, updated_at = $7
		 WHERE posting_id = $8`,
		string(rec.Status), nullString(rec.GroupID), nullString(rec.CurrentStage),
		cols.completedStages, cols.stageOutputs, cols.errorInfo,
		time.Now().UTC(), rec.PostingID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save record %s", rec.PostingID)
	}
	return checkTagAffected(tag, "record", rec.PostingID)
}

// AppendCompletedStage appends the stage and folds in its output inside one
// transaction, so a concurrent load never sees the two diverge.
func (s *PostgresStore) AppendCompletedStage(ctx context.Context, postingID, stage string, output json.RawMessage, status model.Status) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin append stage")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var stagesJSON string
	var outputsJSON *string
	err = tx.QueryRow(ctx,
		`SELECT completed_stages::text, stage_outputs::text FROM postings WHERE posting_id = $1 FOR UPDATE`,
		postingID,
	).Scan(&stagesJSON, &outputsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Errorf("record not found: %s", postingID)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: read stages for %s", postingID)
	}

	var existingOutputs string
	if outputsJSON != nil {
		existingOutputs = *outputsJSON
	}
	newStages, newOutputs, err := appendStage(stagesJSON, existingOutputs, stage, output)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`UPDATE postings SET completed_stages = $1, stage_outputs = $2, status = $3, current_stage = $4, error_info = NULL, updated_at = $5
		 WHERE posting_id = $6`,
		newStages, newOutputs, string(status), stage, time.Now().UTC(), postingID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: append stage %s for %s", stage, postingID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit append stage")
}

func (s *PostgresStore) RecordError(ctx context.Context, postingID string, status model.Status, info model.ErrorInfo) error {
	infoJSON, err := json.Marshal(info)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal error info")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE postings SET status = $1, error_info = $2, updated_at = $3 WHERE posting_id = $4`,
		string(status), infoJSON, time.Now().UTC(), postingID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: record error for %s", postingID)
	}
	return checkTagAffected(tag, "record", postingID)
}

func (s *PostgresStore) ListRecords(ctx context.Context, filter RecordFilter) ([]model.TrackingRecord, error) {
	query := `SELECT posting_id, posting, status, group_id, current_stage, completed_stages, stage_outputs, error_info, created_at, updated_at
	          FROM postings`
	var args []any

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` WHERE status = $1`
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT $` + strconv.Itoa(len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list records")
	}
	defer rows.Close()

	var records []model.TrackingRecord
	for rows.Next() {
		r, err := scanRecordPG(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, eris.Wrap(rows.Err(), "postgres: list records iterate")
}

func (s *PostgresStore) CountRecordsByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM postings GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count records")
	}
	defer rows.Close()

	counts := make(map[model.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan count")
		}
		counts[model.Status(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count records iterate")
}

// Candidate pool

func (s *PostgresStore) AddCandidate(ctx context.Context, posting model.Posting, groupID string) error {
	postingJSON, err := json.Marshal(posting)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal candidate")
	}

	discoveredAt := posting.DiscoveredAt
	if discoveredAt.IsZero() {
		discoveredAt = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO candidate_pool (posting_id, posting, group_id, discovered_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (posting_id) DO UPDATE SET group_id = EXCLUDED.group_id`,
		posting.ID, postingJSON, nullString(groupID), discoveredAt,
	)
	return eris.Wrapf(err, "postgres: add candidate %s", posting.ID)
}

// AssignGroup sets group membership in both the pool and the tracking
// record. Membership is monotonic: an existing group id is never cleared.
func (s *PostgresStore) AssignGroup(ctx context.Context, postingID, groupID string) error {
	if groupID == "" {
		return eris.New("postgres: group id is required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin assign group")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE candidate_pool SET group_id = $1 WHERE posting_id = $2 AND group_id IS NULL`,
		groupID, postingID,
	); err != nil {
		return eris.Wrapf(err, "postgres: assign pool group for %s", postingID)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE postings SET group_id = $1, updated_at = $2 WHERE posting_id = $3 AND group_id IS NULL`,
		groupID, time.Now().UTC(), postingID,
	); err != nil {
		return eris.Wrapf(err, "postgres: assign record group for %s", postingID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit assign group")
}

func (s *PostgresStore) RecentCandidates(ctx context.Context, window time.Duration, limit int) ([]model.Candidate, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := time.Now().UTC().Add(-window)

	rows, err := s.pool.Query(ctx,
		`SELECT posting, group_id FROM candidate_pool
		 WHERE discovered_at >= $1
		 ORDER BY discovered_at DESC LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: recent candidates")
	}
	defer rows.Close()

	var candidates []model.Candidate
	for rows.Next() {
		var postingJSON []byte
		var groupID *string
		if err := rows.Scan(&postingJSON, &groupID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan candidate")
		}
		var c model.Candidate
		if err := json.Unmarshal(postingJSON, &c.Posting); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal candidate")
		}
		if groupID != nil {
			c.GroupID = *groupID
		}
		candidates = append(candidates, c)
	}
	return candidates, eris.Wrap(rows.Err(), "postgres: recent candidates iterate")
}

// Advisory locks

func (s *PostgresStore) TryLockPosting(ctx context.Context, postingID, owner string, ttl time.Duration) (bool, error) {
	expiresAt := time.Now().UTC().Add(ttl)

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO posting_locks (posting_id, owner, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (posting_id) DO UPDATE SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		 WHERE posting_locks.expires_at <= now()`,
		postingID, owner, expiresAt,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: lock posting %s", postingID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) UnlockPosting(ctx context.Context, postingID, owner string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM posting_locks WHERE posting_id = $1 AND owner = $2`,
		postingID, owner,
	)
	return eris.Wrapf(err, "postgres: unlock posting %s", postingID)
}

// Task queues

func (s *PostgresStore) Enqueue(ctx context.Context, q Queue, postingID string) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO queue_messages (queue, posting_id, status, available_at, created_at) VALUES ($1, $2, 'ready', $3, $4)`,
		string(q), postingID, now, now,
	)
	return eris.Wrapf(err, "postgres: enqueue %s onto %s", postingID, q)
}

// Dequeue claims the oldest ready message exclusively. SKIP LOCKED lets
// concurrent workers claim distinct messages without blocking each other.
func (s *PostgresStore) Dequeue(ctx context.Context, q Queue, owner string, visibility time.Duration) (*Message, error) {
	claimExpires := time.Now().UTC().Add(visibility)

	row := s.pool.QueryRow(ctx,
		`UPDATE queue_messages
		 SET status = 'claimed', claimed_by = $1, claim_expires_at = $2, attempts = attempts + 1
		 WHERE id = (
		 	SELECT id FROM queue_messages
		 	WHERE queue = $3 AND status = 'ready' AND available_at <= now()
		 	ORDER BY id
		 	FOR UPDATE SKIP LOCKED
		 	LIMIT 1
		 )
		 RETURNING id, posting_id, attempts`,
		owner, claimExpires, string(q),
	)

	msg := &Message{Queue: q}
	err := row.Scan(&msg.ID, &msg.PostingID, &msg.Attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: dequeue %s", q)
	}
	return msg, nil
}

func (s *PostgresStore) Ack(ctx context.Context, msgID int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue_messages SET status = 'done', claimed_by = NULL, claim_expires_at = NULL WHERE id = $1`,
		msgID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: ack message %d", msgID)
	}
	return checkTagAffected(tag, "message", strconv.FormatInt(msgID, 10))
}

// Nack releases a claim for redelivery after delay, or dead-letters the
// message once attempts reach maxAttempts.
func (s *PostgresStore) Nack(ctx context.Context, msgID int64, delay time.Duration, maxAttempts int) error {
	availableAt := time.Now().UTC().Add(delay)

	tag, err := s.pool.Exec(ctx,
		`UPDATE queue_messages
		 SET status = CASE WHEN attempts >= $1 THEN 'dead' ELSE 'ready' END,
		     available_at = $2, claimed_by = NULL, claim_expires_at = NULL
		 WHERE id = $3`,
		maxAttempts, availableAt, msgID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: nack message %d", msgID)
	}
	return checkTagAffected(tag, "message", strconv.FormatInt(msgID, 10))
}

func (s *PostgresStore) RequeueExpired(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue_messages
		 SET status = 'ready', claimed_by = NULL, claim_expires_at = NULL
		 WHERE status = 'claimed' AND claim_expires_at <= now()`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: requeue expired")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) QueueDepths(ctx context.Context) (map[Queue]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT queue, COUNT(*) FROM queue_messages WHERE status = 'ready' GROUP BY queue`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: queue depths")
	}
	defer rows.Close()

	depths := make(map[Queue]int)
	for rows.Next() {
		var q string
		var n int
		if err := rows.Scan(&q, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan queue depth")
		}
		depths[Queue(q)] = n
	}
	return depths, eris.Wrap(rows.Err(), "postgres: queue depths iterate")
}

// helpers

func checkTagAffected(tag pgconn.CommandTag, entity, id string) error {
	if tag.RowsAffected() == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func scanRecordPG(row pgx.Row) (*model.TrackingRecord, error) {
	var r model.TrackingRecord
	var postingJSON, stagesJSON []byte
	var outputsJSON, errorJSON []byte
	var groupID, currentStage *string

	err := row.Scan(&r.PostingID, &postingJSON, &r.Status, &groupID, &currentStage,
		&stagesJSON, &outputsJSON, &errorJSON, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan record")
	}

	if err := json.Unmarshal(postingJSON, &r.Posting); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal posting")
	}
	if err := json.Unmarshal(stagesJSON, &r.CompletedStages); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal completed stages")
	}
	if groupID != nil {
		r.GroupID = *groupID
	}
	if currentStage != nil {
		r.CurrentStage = *currentStage
	}
	if len(outputsJSON) > 0 {
		if err := json.Unmarshal(outputsJSON, &r.StageOutputs); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal stage outputs")
		}
	}
	if len(errorJSON) > 0 {
		r.ErrorInfo = &model.ErrorInfo{}
		if err := json.Unmarshal(errorJSON, r.ErrorInfo); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal error info")
		}
	}
	return &r, nil
}
