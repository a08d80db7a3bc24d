package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "jobharvest",
	Short: "Collect and rate job postings from Czech job boards",
	Long: `jobharvest runs a local server that collects job postings, stores them
and rates them against your profile with a local model. The other
commands talk to that server.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(collectCmd, enrichCmd, cancelCmd, watchCmd)
	rootCmd.AddCommand(opsCmd, postingsCmd, exportCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
