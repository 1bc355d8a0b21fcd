package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/applyflow/applyflow/internal/model"
	"github.com/applyflow/applyflow/internal/store"
)

var (
	postingsStatus string
	postingsLimit  int
)

var postingsCmd = &cobra.Command{
	Use:   "postings",
	Short: "Inspect and act on tracked postings",
}

var postingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracking records",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		records, err := st.ListRecords(ctx, store.RecordFilter{
			Status: model.Status(postingsStatus),
			Limit:  postingsLimit,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "POSTING\tSTATUS\tSTAGE\tCOMPANY\tTITLE")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				r.PostingID, r.Status, r.CurrentStage, r.Posting.Company, r.Posting.Title)
		}
		return w.Flush()
	},
}

var postingsShowCmd = &cobra.Command{
	Use:   "show <posting-id>",
	Short: "Show one tracking record as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		rec, err := st.GetRecord(ctx, args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

var postingsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show record counts by status and queue depths",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		counts, err := st.CountRecordsByStatus(ctx)
		if err != nil {
			return err
		}
		depths, err := st.QueueDepths(ctx)
		if err != nil {
			return err
		}

		statuses := make([]string, 0, len(counts))
		for s := range counts {
			statuses = append(statuses, string(s))
		}
		sort.Strings(statuses)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STATUS\tCOUNT")
		for _, s := range statuses {
			fmt.Fprintf(w, "%s\t%d\n", s, counts[model.Status(s)])
		}
		fmt.Fprintln(w, "\nQUEUE\tREADY")
		for _, q := range []store.Queue{store.QueueIntake, store.QueuePipeline, store.QueueSubmission} {
			fmt.Fprintf(w, "%s\t%d\n", q, depths[q])
		}
		return w.Flush()
	},
}

func newActionCmd(use, short string, run func(cmd *cobra.Command, id string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args[0])
		},
	}
}

func init() {
	postingsListCmd.Flags().StringVar(&postingsStatus, "status", "", "filter by status")
	postingsListCmd.Flags().IntVar(&postingsLimit, "limit", 50, "max records to list")

	retryCmd := newActionCmd("retry <posting-id>", "Retry a pending posting from its resume point", func(cmd *cobra.Command, id string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		outcome, err := env.Actions.Retry(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Printf("%s -> %s\n", id, outcome.Status)
		return nil
	})

	skipCmd := newActionCmd("skip <posting-id>", "Force a posting to rejected", func(cmd *cobra.Command, id string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Actions.Skip(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Printf("%s -> %s\n", id, model.StatusRejected)
		return nil
	})

	completeCmd := newActionCmd("complete <posting-id>", "Force a posting to completed with an override marker", func(cmd *cobra.Command, id string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Actions.ManualComplete(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Printf("%s -> %s\n", id, model.StatusCompleted)
		return nil
	})

	postingsCmd.AddCommand(postingsListCmd, postingsShowCmd, postingsStatsCmd, retryCmd, skipCmd, completeCmd)
	rootCmd.AddCommand(postingsCmd)
}
