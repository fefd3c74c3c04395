package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/telemyapp/livesync/internal/buffer"
	"github.com/telemyapp/livesync/internal/coordinator"
	"github.com/telemyapp/livesync/internal/resume"
	"github.com/telemyapp/livesync/internal/store"
)

var bufferCmd = &cobra.Command{
	Use:   "buffer",
	Short: "Work with metric samples waiting for delivery",
}

var bufferListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show buffered samples grouped by session",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		buf, err := buffer.Open(cfg.BufferDSN)
		if err != nil {
			return err
		}
		defer buf.Close()

		all, err := buf.DrainAll(cmd.Context())
		if err != nil {
			return fmt.Errorf("read buffer: %w", err)
		}
		verbose, _ := cmd.Flags().GetBool("verbose")
		printBuffer(all, verbose)
		return nil
	},
}

var bufferFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Deliver buffered samples to the remote store",
	RunE: func(cmd *cobra.Command, _ []string) error {
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

		buf, err := buffer.Open(cfg.BufferDSN)
		if err != nil {
			return err
		}
		defer buf.Close()
		resumeFile, err := resume.New(cfg.ResumePath)
		if err != nil {
			return err
		}

		// No sensor: flushing only replays what is already queued.
		coord := coordinator.New(store.New(pool), nil, buf, resumeFile, coordinator.Options{
			UserID:       cfg.UserID,
			FetchTimeout: cfg.FetchTimeout,
		})
		n, err := coord.FlushPending(ctx)
		left, _ := buf.Len(ctx)
		if err != nil {
			color.Yellow("delivered %d samples, %d still buffered", n, left)
			return err
		}
		color.Green("delivered %d samples, %d still buffered", n, left)
		return nil
	},
}

func printBuffer(all map[string][]buffer.Entry, verbose bool) {
	if len(all) == 0 {
		color.Green("buffer is empty")
		return
	}
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	printHeader("Buffered samples")
	for _, id := range ids {
		entries := all[id]
		oldest := entries[0].EnqueuedAt.Local().Format(time.DateTime)
		fmt.Printf("%s %d samples, oldest %s\n", color.New(color.Bold).Sprint(id), len(entries), oldest)
		if !verbose {
			continue
		}
		for _, e := range entries {
			fmt.Printf("  #%-6d %s energy=%.1f distance=%.1f hr=%.0f\n",
				e.Seq, e.Sample.CapturedAt.Local().Format(time.TimeOnly),
				e.Sample.Energy, e.Sample.Distance, e.Sample.HeartRate)
		}
	}
}

func init() {
	bufferListCmd.Flags().BoolP("verbose", "v", false, "print every sample")
	bufferFlushCmd.Flags().Duration("timeout", 30*time.Second, "give up after this long")
	bufferCmd.AddCommand(bufferListCmd, bufferFlushCmd)
	rootCmd.AddCommand(bufferCmd)
}
