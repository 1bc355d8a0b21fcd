package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run the worker pools",
	Long:  "Starts the intake, pipeline, and submission workers and runs until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		err = env.Workers.Run(ctx)
		zap.L().Info("workers stopped")
		return err
	},
}

func init() {
	rootCmd.AddCommand(workCmd)
}
