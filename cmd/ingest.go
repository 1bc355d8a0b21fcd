package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/applyflow/applyflow/internal/model"
)

var ingestFile string

var ingestCmd = &cobra.Command{
	Use:   "ingest [flags]",
	Short: "Ingest discovered postings from a JSON file or stdin",
	Long:  "Reads a JSON array of postings, records each one, and queues it for duplicate classification. Use --file or pipe JSON on stdin.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		postings, err := readPostings(cmd, ingestFile)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		for _, p := range postings {
			rec, err := env.Intake.Ingest(ctx, p)
			if err != nil {
				return eris.Wrapf(err, "ingest %q at %q", p.Title, p.Company)
			}
			fmt.Printf("%s  %s @ %s\n", rec.PostingID, p.Title, p.Company)
		}
		fmt.Printf("ingested %d postings\n", len(postings))
		return nil
	},
}

// readPostings parses a JSON array of postings from file, or from the
// command's input stream when file is empty.
func readPostings(cmd *cobra.Command, file string) ([]model.Posting, error) {
	var data []byte
	var err error
	if file != "" {
		data, err = os.ReadFile(file)
		if err != nil {
			return nil, eris.Wrapf(err, "read %s", file)
		}
	} else {
		data, err = io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, eris.Wrap(err, "read stdin")
		}
	}

	var postings []model.Posting
	if err := json.Unmarshal(data, &postings); err != nil {
		return nil, eris.Wrap(err, "parse postings")
	}
	if len(postings) == 0 {
		return nil, eris.New("no postings to ingest")
	}
	return postings, nil
}

func init() {
	ingestCmd.Flags().StringVar(&ingestFile, "file", "", "JSON file of postings (defaults to stdin)")
	rootCmd.AddCommand(ingestCmd)
}
