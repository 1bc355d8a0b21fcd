package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/applyflow/applyflow/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS postings (
	posting_id       TEXT PRIMARY KEY,
	posting          TEXT NOT NULL,
	status           TEXT NOT NULL,
	group_id         TEXT,
	current_stage    TEXT,
	completed_stages TEXT NOT NULL DEFAULT '[]',
	stage_outputs    TEXT,
	error_info       TEXT,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS candidate_pool (
	posting_id    TEXT PRIMARY KEY,
	posting       TEXT NOT NULL,
	group_id      TEXT,
	discovered_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS posting_locks (
	posting_id TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	expires_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS queue_messages (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	queue            TEXT NOT NULL,
	posting_id       TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'ready',
	attempts         INTEGER NOT NULL DEFAULT 0,
	claimed_by       TEXT,
	claim_expires_at DATETIME,
	available_at     DATETIME NOT NULL,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_postings_status ON postings(status);
CREATE INDEX IF NOT EXISTS idx_candidate_pool_discovered ON candidate_pool(discovered_at DESC);
CREATE INDEX IF NOT EXISTS idx_queue_ready ON queue_messages(queue, status, available_at);
CREATE INDEX IF NOT EXISTS idx_queue_claimed ON queue_messages(status, claim_expires_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Tracking records

func (s *SQLiteStore) CreateRecord(ctx context.Context, posting model.Posting, status model.Status, groupID string) (*model.TrackingRecord, error) {
	now := time.Now().UTC()

	postingJSON, err := json.Marshal(posting)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal posting")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO postings (posting_id, posting, status, group_id, completed_stages, created_at, updated_at)
		 VALUES (?, ?, ?, ?, '[]', ?, ?)`,
		posting.ID, string(postingJSON), string(status), nullString(groupID), now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert record %s", posting.ID)
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

func (s *SQLiteStore) GetRecord(ctx context.Context, postingID string) (*model.TrackingRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT posting_id, posting, status, group_id, current_stage, completed_stages, stage_outputs, error_info, created_at, updated_at
		 FROM postings WHERE posting_id = ?`,
		postingID,
	)
	return scanRecord(row)
}

func (s *SQLiteStore) SaveRecord(ctx context.Context, rec *model.TrackingRecord) error {
	cols, err := recordColumns(rec)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE postings SET status = ?, group_id = ?, current_stage = ?, completed_stages = ?, stage_outputs = ?, error_info = ?, updated_at = ?
		 WHERE posting_id = ?`,
		string(rec.Status), nullString(rec.GroupID), nullString(rec.CurrentStage),
		cols.completedStages, cols.stageOutputs, cols.errorInfo,
		time.Now().UTC(), rec.PostingID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save record %s", rec.PostingID)
	}
	return checkRowsAffected(res, "record", rec.PostingID)
}

// AppendCompletedStage appends the stage and folds in its output inside one
// transaction, so a concurrent load never sees the two diverge.
func (s *SQLiteStore) AppendCompletedStage(ctx context.Context, postingID, stage string, output json.RawMessage, status model.Status) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin append stage")
	}
	defer func() { _ = tx.Rollback() }()

	var stagesJSON string
	var outputsJSON sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT completed_stages, stage_outputs FROM postings WHERE posting_id = ?`,
		postingID,
	).Scan(&stagesJSON, &outputsJSON)
	if err == sql.ErrNoRows {
		return eris.Errorf("record not found: %s", postingID)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: read stages for %s", postingID)
	}

	newStages, newOutputs, err := appendStage(stagesJSON, outputsJSON.String, stage, output)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE postings SET completed_stages = ?, stage_outputs = ?, status = ?, current_stage = ?, error_info = NULL, updated_at = ?
		 WHERE posting_id = ?`,
		newStages, newOutputs, string(status), stage, time.Now().UTC(), postingID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: append stage %s for %s", stage, postingID)
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit append stage")
}

func (s *SQLiteStore) RecordError(ctx context.Context, postingID string, status model.Status, info model.ErrorInfo) error {
	infoJSON, err := json.Marshal(info)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal error info")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE postings SET status = ?, error_info = ?, updated_at = ? WHERE posting_id = ?`,
		string(status), string(infoJSON), time.Now().UTC(), postingID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: record error for %s", postingID)
	}
	return checkRowsAffected(res, "record", postingID)
}

func (s *SQLiteStore) ListRecords(ctx context.Context, filter RecordFilter) ([]model.TrackingRecord, error) {
	query := `SELECT posting_id, posting, status, group_id, current_stage, completed_stages, stage_outputs, error_info, created_at, updated_at
	          FROM postings WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list records")
	}
	defer rows.Close()

	var records []model.TrackingRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: list records iterate")
}

func (s *SQLiteStore) CountRecordsByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM postings GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count records")
	}
	defer rows.Close()

	counts := make(map[model.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan count")
		}
		counts[model.Status(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count records iterate")
}

// Candidate pool

func (s *SQLiteStore) AddCandidate(ctx context.Context, posting model.Posting, groupID string) error {
	postingJSON, err := json.Marshal(posting)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal candidate")
	}

	discoveredAt := posting.DiscoveredAt
	if discoveredAt.IsZero() {
		discoveredAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO candidate_pool (posting_id, posting, group_id, discovered_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(posting_id) DO UPDATE SET group_id = excluded.group_id`,
		posting.ID, string(postingJSON), nullString(groupID), discoveredAt,
	)
	return eris.Wrapf(err, "sqlite: add candidate %s", posting.ID)
}

// AssignGroup sets group membership in both the pool and the tracking
// record. Membership is monotonic: an existing group id is never cleared.
func (s *SQLiteStore) AssignGroup(ctx context.Context, postingID, groupID string) error {
	if groupID == "" {
		return eris.New("sqlite: group id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin assign group")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE candidate_pool SET group_id = ? WHERE posting_id = ? AND group_id IS NULL`,
		groupID, postingID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: assign pool group for %s", postingID)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE postings SET group_id = ?, updated_at = ? WHERE posting_id = ? AND group_id IS NULL`,
		groupID, time.Now().UTC(), postingID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: assign record group for %s", postingID)
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit assign group")
}

func (s *SQLiteStore) RecentCandidates(ctx context.Context, window time.Duration, limit int) ([]model.Candidate, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := time.Now().UTC().Add(-window)

	rows, err := s.db.QueryContext(ctx,
		`SELECT posting, group_id FROM candidate_pool
		 WHERE discovered_at >= ?
		 ORDER BY discovered_at DESC LIMIT ?`,
		cutoff, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: recent candidates")
	}
	defer rows.Close()

	var candidates []model.Candidate
	for rows.Next() {
		var postingJSON string
		var groupID sql.NullString
		if err := rows.Scan(&postingJSON, &groupID); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan candidate")
		}
		var c model.Candidate
		if err := json.Unmarshal([]byte(postingJSON), &c.Posting); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal candidate")
		}
		c.GroupID = groupID.String
		candidates = append(candidates, c)
	}
	return candidates, eris.Wrap(rows.Err(), "sqlite: recent candidates iterate")
}

// Advisory locks

func (s *SQLiteStore) TryLockPosting(ctx context.Context, postingID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()

	// Both sides of the expiry comparison are bound parameters so they share
	// the driver's time encoding.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO posting_locks (posting_id, owner, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(posting_id) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		 WHERE posting_locks.expires_at <= ?`,
		postingID, owner, now.Add(ttl), now,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: lock posting %s", postingID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: lock rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) UnlockPosting(ctx context.Context, postingID, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM posting_locks WHERE posting_id = ? AND owner = ?`,
		postingID, owner,
	)
	return eris.Wrapf(err, "sqlite: unlock posting %s", postingID)
}

// Task queues

func (s *SQLiteStore) Enqueue(ctx context.Context, q Queue, postingID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_messages (queue, posting_id, status, available_at, created_at) VALUES (?, ?, 'ready', ?, ?)`,
		string(q), postingID, now, now,
	)
	return eris.Wrapf(err, "sqlite: enqueue %s onto %s", postingID, q)
}

// Dequeue claims the oldest ready message exclusively. The claim expires
// after the visibility timeout; RequeueExpired makes crashed workers'
// claims re-deliverable.
func (s *SQLiteStore) Dequeue(ctx context.Context, q Queue, owner string, visibility time.Duration) (*Message, error) {
	now := time.Now().UTC()

	row := s.db.QueryRowContext(ctx,
		`UPDATE queue_messages
		 SET status = 'claimed', claimed_by = ?, claim_expires_at = ?, attempts = attempts + 1
		 WHERE id = (
		 	SELECT id FROM queue_messages
		 	WHERE queue = ? AND status = 'ready' AND available_at <= ?
		 	ORDER BY id LIMIT 1
		 )
		 RETURNING id, posting_id, attempts`,
		owner, now.Add(visibility), string(q), now,
	)

	msg := &Message{Queue: q}
	err := row.Scan(&msg.ID, &msg.PostingID, &msg.Attempts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: dequeue %s", q)
	}
	return msg, nil
}

func (s *SQLiteStore) Ack(ctx context.Context, msgID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_messages SET status = 'done', claimed_by = NULL, claim_expires_at = NULL WHERE id = ?`,
		msgID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: ack message %d", msgID)
	}
	return checkRowsAffected(res, "message", strconv.FormatInt(msgID, 10))
}

// Nack releases a claim for redelivery after delay, or dead-letters the
// message once attempts reach maxAttempts.
func (s *SQLiteStore) Nack(ctx context.Context, msgID int64, delay time.Duration, maxAttempts int) error {
	availableAt := time.Now().UTC().Add(delay)

	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_messages
		 SET status = CASE WHEN attempts >= ? THEN 'dead' ELSE 'ready' END,
		     available_at = ?, claimed_by = NULL, claim_expires_at = NULL
		 WHERE id = ?`,
		maxAttempts, availableAt, msgID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: nack message %d", msgID)
	}
	return checkRowsAffected(res, "message", strconv.FormatInt(msgID, 10))
}

func (s *SQLiteStore) RequeueExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_messages
		 SET status = 'ready', claimed_by = NULL, claim_expires_at = NULL
		 WHERE status = 'claimed' AND claim_expires_at <= ?`,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: requeue expired")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: requeue rows affected")
}

func (s *SQLiteStore) QueueDepths(ctx context.Context) (map[Queue]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT queue, COUNT(*) FROM queue_messages WHERE status = 'ready' GROUP BY queue`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: queue depths")
	}
	defer rows.Close()

	depths := make(map[Queue]int)
	for rows.Next() {
		var q string
		var n int
		if err := rows.Scan(&q, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan queue depth")
		}
		depths[Queue(q)] = n
	}
	return depths, eris.Wrap(rows.Err(), "sqlite: queue depths iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*model.TrackingRecord, error) {
	var r model.TrackingRecord
	var postingJSON, stagesJSON string
	var groupID, currentStage, outputsJSON, errorJSON sql.NullString

	err := row.Scan(&r.PostingID, &postingJSON, &r.Status, &groupID, &currentStage,
		&stagesJSON, &outputsJSON, &errorJSON, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("record not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan record")
	}

	if err := json.Unmarshal([]byte(postingJSON), &r.Posting); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal posting")
	}
	if err := json.Unmarshal([]byte(stagesJSON), &r.CompletedStages); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal completed stages")
	}
	r.GroupID = groupID.String
	r.CurrentStage = currentStage.String
	if outputsJSON.Valid && outputsJSON.String != "" {
		if err := json.Unmarshal([]byte(outputsJSON.String), &r.StageOutputs); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal stage outputs")
		}
	}
	if errorJSON.Valid && errorJSON.String != "" {
		r.ErrorInfo = &model.ErrorInfo{}
		if err := json.Unmarshal([]byte(errorJSON.String), r.ErrorInfo); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal error info")
		}
	}
	return &r, nil
}

type recordCols struct {
	completedStages string
	stageOutputs    any
	errorInfo       any
}

func recordColumns(rec *model.TrackingRecord) (recordCols, error) {
	var cols recordCols

	stages := rec.CompletedStages
	if stages == nil {
		stages = []string{}
	}
	stagesJSON, err := json.Marshal(stages)
	if err != nil {
		return cols, eris.Wrap(err, "marshal completed stages")
	}
	cols.completedStages = string(stagesJSON)

	if len(rec.StageOutputs) > 0 {
		outputsJSON, err := json.Marshal(rec.StageOutputs)
		if err != nil {
			return cols, eris.Wrap(err, "marshal stage outputs")
		}
		cols.stageOutputs = string(outputsJSON)
	}

	if rec.ErrorInfo != nil {
		errorJSON, err := json.Marshal(rec.ErrorInfo)
		if err != nil {
			return cols, eris.Wrap(err, "marshal error info")
		}
		cols.errorInfo = string(errorJSON)
	}

	return cols, nil
}

// appendStage merges a completed stage and its output into the stored JSON
// representations. Appending an already-present stage is a no-op for the
// stage list but still folds in the output.
func appendStage(stagesJSON, outputsJSON, stage string, output json.RawMessage) (string, any, error) {
	var stages []string
	if err := json.Unmarshal([]byte(stagesJSON), &stages); err != nil {
		return "", nil, eris.Wrap(err, "unmarshal completed stages")
	}

	present := false
	for _, s := range stages {
		if s == stage {
			present = true
			break
		}
	}
	if !present {
		stages = append(stages, stage)
	}

	outputs := make(map[string]json.RawMessage)
	if outputsJSON != "" {
		if err := json.Unmarshal([]byte(outputsJSON), &outputs); err != nil {
			return "", nil, eris.Wrap(err, "unmarshal stage outputs")
		}
	}
	if len(output) > 0 {
		outputs[stage] = output
	}

	newStages, err := json.Marshal(stages)
	if err != nil {
		return "", nil, eris.Wrap(err, "marshal completed stages")
	}

	var newOutputs any
	if len(outputs) > 0 {
		b, err := json.Marshal(outputs)
		if err != nil {
			return "", nil, eris.Wrap(err, "marshal stage outputs")
		}
		newOutputs = string(b)
	}

	return string(newStages), newOutputs, nil
}
