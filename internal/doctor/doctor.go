package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/inkwell-cms/collab/internal/store"
	"github.com/inkwell-cms/collab/internal/verify"
	"github.com/inkwell-cms/collab/pkg/config"
)

// Finding represents a detected issue.
type Finding struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Path        string `json:"path,omitempty"`
}

// Result contains doctor check results.
type Result struct {
	Healthy  bool      `json:"healthy"`
	Findings []Finding `json:"findings"`
}

func (r *Result) add(f Finding) {
	r.Findings = append(r.Findings, f)
	if f.Severity == "critical" || f.Severity == "error" {
		r.Healthy = false
	}
}

// Pinger is implemented by backends with a reachability check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Doctor performs service health checks.
type Doctor struct {
	cfg      *config.Config
	store    store.Store
	pubsub   Pinger
	verifier *verify.Verifier
}

// NewDoctor creates a new doctor. Any of st, ps and verifier may be nil to
// skip the checks that need them.
func NewDoctor(cfg *config.Config, st store.Store, ps Pinger, verifier *verify.Verifier) *Doctor {
	return &Doctor{cfg: cfg, store: st, pubsub: ps, verifier: verifier}
}

// Check runs all diagnostic checks. strict adds a full log verification.
func (d *Doctor) Check(ctx context.Context, strict bool) (*Result, error) {
	result := &Result{Healthy: true, Findings: []Finding{}}

	d.checkConfig(result)
	d.checkStorePath(result)
	d.checkStore(ctx, result)
	d.checkPubSub(ctx, result)
	d.checkPolicy(result)

	if strict {
		d.checkLogIntegrity(ctx, result)
	}
	return result, nil
}

func (d *Doctor) checkConfig(result *Result) {
	if d.cfg == nil {
		return
	}
	if err := d.cfg.Validate(); err != nil {
		result.add(Finding{
			Category:    "config",
			Description: err.Error(),
			Severity:    "critical",
		})
	}
}

func (d *Doctor) checkStorePath(result *Result) {
	if d.cfg == nil || d.cfg.Store.Path == "" {
		return
	}
	dir := d.cfg.Store.Path
	if d.cfg.Store.Driver == "sqlite" {
		if dir == ":memory:" {
			return
		}
		dir = filepath.Dir(dir)
	}
	info, err := os.Stat(dir)
	if err != nil {
		result.add(Finding{
			Category:    "store",
			Description: fmt.Sprintf("store directory unavailable: %v", err),
			Severity:    "error",
			Path:        dir,
		})
		return
	}
	if !info.IsDir() {
		result.add(Finding{
			Category:    "store",
			Description: "store path is not a directory",
			Severity:    "error",
			Path:        dir,
		})
	}
}

func (d *Doctor) checkStore(ctx context.Context, result *Result) {
	if d.store == nil {
		return
	}
	var err error
	if p, ok := d.store.(Pinger); ok {
		err = p.Ping(ctx)
	} else {
		_, _, err = d.store.FindMaxVersion(ctx, "doctor-probe")
	}
	if err != nil {
		result.add(Finding{
			Category:    "store",
			Description: fmt.Sprintf("store unreachable: %v", err),
			Severity:    "critical",
		})
	}
}

func (d *Doctor) checkPubSub(ctx context.Context, result *Result) {
	if d.pubsub == nil {
		return
	}
	if err := d.pubsub.Ping(ctx); err != nil {
		result.add(Finding{
			Category:    "pubsub",
			Description: fmt.Sprintf("pub/sub unreachable: %v", err),
			Severity:    "error",
		})
	}
}

func (d *Doctor) checkPolicy(result *Result) {
	if d.cfg == nil {
		return
	}
	if d.cfg.Lock.MaxLeaseTTL == 0 {
		result.add(Finding{
			Category:    "lock",
			Description: "lock.max_lease is unset, clients may hold leases indefinitely",
			Severity:    "warning",
		})
	}
	if d.cfg.Session.IdleTimeout == 0 {
		result.add(Finding{
			Category:    "session",
			Description: "session.idle_timeout is unset, abandoned sessions are never reaped",
			Severity:    "info",
		})
	}
	if d.cfg.Store.Driver == "memory" {
		result.add(Finding{
			Category:    "store",
			Description: "memory store loses all changes on restart",
			Severity:    "warning",
		})
	}
}

func (d *Doctor) checkLogIntegrity(ctx context.Context, result *Result) {
	if d.verifier == nil {
		return
	}
	results, err := d.verifier.VerifyAll(ctx)
	if err != nil {
		result.add(Finding{
			Category:    "integrity",
			Description: fmt.Sprintf("verification failed: %v", err),
			Severity:    "error",
		})
		return
	}

	for _, r := range results {
		if r.TamperDetected {
			result.add(Finding{
				Category:    "integrity",
				Description: fmt.Sprintf("document %s: %s", r.DocumentID, r.Error),
				Severity:    "critical",
			})
		}
	}
}
