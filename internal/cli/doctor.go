package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/inkwell-cms/collab/internal/doctor"
	"github.com/inkwell-cms/collab/internal/store"
	"github.com/inkwell-cms/collab/internal/verify"
	"github.com/inkwell-cms/collab/pkg/collab"
)

var (
	doctorStrict  bool
	doctorTimeout time.Duration
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check service health",
	Long: `Check service health.

Validates the configuration, checks that the store and pub/sub backends are
reachable, and reports risky policy settings. Use --strict to include full
change log verification.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), doctorTimeout)
		defer cancel()

		var (
			st       store.Store
			verifier *verify.Verifier
			ps       doctor.Pinger
			opening  []doctor.Finding
		)
		if s, hash, err := collab.OpenStore(ctx, cfg.Store); err != nil {
			opening = append(opening, doctor.Finding{
				Category:    "store",
				Description: fmt.Sprintf("cannot open store: %v", err),
				Severity:    "critical",
			})
		} else {
			defer s.Close()
			st = s
			verifier = verify.NewVerifier(s, hash)
		}
		if p, err := collab.OpenPubSub(ctx, cfg.PubSub); err != nil {
			opening = append(opening, doctor.Finding{
				Category:    "pubsub",
				Description: fmt.Sprintf("cannot connect pub/sub: %v", err),
				Severity:    "error",
			})
		} else {
			defer p.Close()
			if pp, ok := p.(doctor.Pinger); ok {
				ps = pp
			}
		}

		result, err := doctor.NewDoctor(cfg, st, ps, verifier).Check(ctx, doctorStrict)
		if err != nil {
			return fmt.Errorf("doctor: %w", err)
		}
		if len(opening) > 0 {
			result.Findings = append(opening, result.Findings...)
			result.Healthy = false
		}

		if jsonOutput {
			if err := outputJSON(result); err != nil {
				return err
			}
		} else if len(result.Findings) == 0 {
			fmt.Println("Service is healthy.")
		} else {
			fmt.Printf("Findings (%d):\n", len(result.Findings))
			for _, f := range result.Findings {
				fmt.Printf("  [%s] %s: %s\n", f.Severity, f.Category, f.Description)
			}
		}

		if !result.Healthy {
			return fmt.Errorf("unhealthy")
		}
		return nil
	},
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorStrict, "strict", false, "include full change log verification")
	doctorCmd.Flags().DurationVar(&doctorTimeout, "timeout", 10*time.Second, "time allowed for backend checks")
	rootCmd.AddCommand(doctorCmd)
}
