package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	jsonOutput bool
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "collabd",
		Short: "collabd - real-time collaborative editing coordinator",
		Long: `collabd coordinates real-time collaborative editing sessions: it versions
concurrent changes, buffers and persists them, tracks presence and document
locks, and fans changes out to every editor of a document.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to the config file")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmtErr("%v", err)
		os.Exit(1)
	}
}

// outputJSON prints v as JSON if --json flag is set, otherwise does nothing.
func outputJSON(v any) error {
	if !jsonOutput {
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fmtErr(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "collabd: "+format+"\n", args...)
}
