package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/inkwell-cms/collab/internal/verify"
	"github.com/inkwell-cms/collab/pkg/collab"
)

var logVerifyAll bool

var logCmd = &cobra.Command{
	Use:   "log <command>",
	Short: "Inspect persisted change logs",
}

var logVerifyCmd = &cobra.Command{
	Use:   "verify [<document-id>]",
	Short: "Verify change log integrity",
	Long: `Verify change log integrity.

Checks that a document's persisted versions are gapless and, for the jsonl
store, that every entry's hash chain is intact.

Examples:
  collabd log verify doc-42     # Verify one document
  collabd log verify --all      # Verify every document (jsonl store)`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !logVerifyAll && len(args) == 0 {
			return fmt.Errorf("document id required (or --all)")
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		ctx := context.Background()
		st, hash, err := collab.OpenStore(ctx, cfg.Store)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()
		verifier := verify.NewVerifier(st, hash)

		var results []*verify.Result
		if logVerifyAll {
			results, err = verifier.VerifyAll(ctx)
		} else {
			var r *verify.Result
			r, err = verifier.VerifyDocument(ctx, args[0])
			results = []*verify.Result{r}
		}
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}

		if err := outputJSON(results); err != nil {
			return err
		}
		var firstErr error
		for _, res := range results {
			if !jsonOutput {
				status := "OK"
				if res.TamperDetected {
					status = "BROKEN: " + res.Error
				}
				fmt.Printf("%s  %d records  %s\n", res.DocumentID, res.Records, status)
			}
			if err := res.Err(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	},
}

func init() {
	logVerifyCmd.Flags().BoolVar(&logVerifyAll, "all", false, "verify every document")
	logCmd.AddCommand(logVerifyCmd)
	rootCmd.AddCommand(logCmd)
}
