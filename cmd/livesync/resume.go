package main

import (
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/telemyapp/livesync/internal/resume"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Inspect the record used to resume a session after restart",
}

var resumeStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the session the daemon will try to resume",
	RunE: func(cmd *cobra.Command, _ []string) error {
		f, err := openResume()
		if err != nil {
			return err
		}
		meta, ok, err := f.Load()
		if err != nil {
			return err
		}
		printHeader("Resume record")
		printField("path", f.Path())
		if !ok {
			printField("session", color.HiBlackString("none"))
			return nil
		}
		printField("session", meta.SessionID)
		printField("started", meta.StartedAt.Local().Format(time.DateTime))
		printField("elapsed", time.Since(meta.StartedAt).Round(time.Second))
		return nil
	},
}

var resumeClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget the in-progress session so the next start begins fresh",
	RunE: func(cmd *cobra.Command, _ []string) error {
		f, err := openResume()
		if err != nil {
			return err
		}
		if err := f.Clear(); err != nil {
			return err
		}
		color.Green("resume record cleared")
		return nil
	},
}

func openResume() (*resume.File, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return resume.New(cfg.ResumePath)
}

func init() {
	resumeCmd.AddCommand(resumeStatusCmd, resumeClearCmd)
	rootCmd.AddCommand(resumeCmd)
}
