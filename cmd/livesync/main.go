package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/telemyapp/livesync/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "livesync",
	Short:         "Inspect and repair the local state of a livesync device",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// loadConfig is swapped in tests.
var loadConfig = config.LoadFromEnv

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func printHeader(title string) {
	header := color.New(color.FgCyan, color.Bold)
	header.Println(title)
}

func printField(label string, value any) {
	fmt.Printf("  %s %v\n", color.New(color.FgHiBlack).Sprintf("%-16s", label+":"), value)
}
