package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/telemyapp/livesync/internal/model"
	"github.com/telemyapp/livesync/internal/store"
)

var samplesCmd = &cobra.Command{
	Use:   "samples <participant-id>",
	Short: "Show the delivered sample history of one participant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.RequireDatabase(); err != nil {
			return err
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect db: %w", err)
		}
		defer pool.Close()

		samples, err := store.New(pool).ListSamples(ctx, args[0])
		if err != nil {
			return fmt.Errorf("list samples: %w", err)
		}
		printSamples(args[0], samples)
		return nil
	},
}

func printSamples(participantID string, samples []model.MetricSample) {
	if len(samples) == 0 {
		color.Yellow("no samples delivered for %s", participantID)
		return
	}
	printHeader(fmt.Sprintf("Samples for %s", participantID))
	for _, s := range samples {
		fmt.Printf("  %s energy=%.1f distance=%.1f hr=%.0f avg_hr=%.0f\n",
			s.CapturedAt.Local().Format(time.DateTime), s.Energy, s.Distance, s.HeartRate, s.AvgHeartRate)
	}
	last := samples[len(samples)-1]
	printField("count", len(samples))
	printField("energy", fmt.Sprintf("%.1f", last.Energy))
}

func init() {
	samplesCmd.Flags().Duration("timeout", 10*time.Second, "give up after this long")
	rootCmd.AddCommand(samplesCmd)
}
