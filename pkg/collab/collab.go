package collab

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/inkwell-cms/collab/internal/api"
	"github.com/inkwell-cms/collab/internal/changelog"
	"github.com/inkwell-cms/collab/internal/doctor"
	"github.com/inkwell-cms/collab/internal/events"
	"github.com/inkwell-cms/collab/internal/pubsub"
	"github.com/inkwell-cms/collab/internal/session"
	"github.com/inkwell-cms/collab/internal/store"
	"github.com/inkwell-cms/collab/internal/store/mongostore"
	"github.com/inkwell-cms/collab/internal/store/sqlstore"
	"github.com/inkwell-cms/collab/internal/verify"
	"github.com/inkwell-cms/collab/pkg/config"
	"github.com/inkwell-cms/collab/pkg/logging"
	"github.com/inkwell-cms/collab/pkg/metrics"
	"github.com/inkwell-cms/collab/pkg/model"
	"github.com/inkwell-cms/collab/pkg/webhook"
)

// Service is a wired coordinator.
type Service struct {
	Config   *config.Config
	Manager  *session.Manager
	Store    store.Store
	PubSub   pubsub.PubSub
	Hub      *api.Hub
	Webhooks *webhook.Client
	Metrics  *metrics.Registry
	Verifier *verify.Verifier

	sinks     *events.Multi
	observers *events.Multi
	log       *logging.Logger
}

// OpenStore opens the durable store selected by cfg. The returned hash
// function checks chained logs and is nil for stores without one.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.Store, verify.HashFunc, error) {
	switch cfg.Driver {
	case "", "memory":
		return store.NewMemory(), nil, nil
	case "sqlite":
		s, err := sqlstore.Open(cfg.Path)
		return s, nil, err
	case "jsonl":
		s, err := changelog.NewFileStore(cfg.Path)
		return s, changelog.ComputeHash, err
	case "mongo":
		s, err := mongostore.Open(ctx, cfg.URI, cfg.Database)
		return s, nil, err
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// OpenPubSub connects the change stream selected by cfg.
func OpenPubSub(ctx context.Context, cfg config.PubSubConfig) (pubsub.PubSub, error) {
	switch cfg.Driver {
	case "", "memory":
		return pubsub.NewMemory(), nil
	case "redis":
		return pubsub.NewRedis(ctx, pubsub.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	default:
		return nil, fmt.Errorf("unknown pubsub driver %q", cfg.Driver)
	}
}

// Open wires a Service from cfg.
func Open(ctx context.Context, cfg *config.Config, log *logging.Logger) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = logging.Global()
	}

	st, hash, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	ps, err := OpenPubSub(ctx, cfg.PubSub)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open pubsub: %w", err)
	}

	svc := &Service{
		Config:    cfg,
		Store:     st,
		PubSub:    ps,
		Hub:       api.NewHub(log),
		Verifier:  verify.NewVerifier(st, hash),
		sinks:     events.NewMulti(),
		observers: events.NewMulti(),
		log:       log,
	}
	svc.sinks.Add(svc.Hub)
	if cfg.Webhooks != nil && cfg.Webhooks.Enabled {
		svc.Webhooks = webhook.NewClient(cfg.Webhooks, log)
		svc.observers.Add(svc.Webhooks)
	}
	if cfg.Metrics.Enabled {
		svc.Metrics = metrics.Default()
	}

	mgr, err := session.NewManager(session.Options{
		Store:          st,
		PubSub:         ps,
		Sink:           svc.sinks,
		Observer:       svc.observers,
		BufferSize:     cfg.Buffer.MaxSize,
		FlushInterval:  cfg.Buffer.FlushInterval,
		SweepInterval:  cfg.Presence.SweepInterval,
		IdleTimeout:    cfg.Session.IdleTimeout,
		LockPolicy:     cfg.Lock,
		ExclusiveTypes: cfg.Session.ExclusiveTypes,
		TopicPrefix:    cfg.PubSub.TopicPrefix,
		RecentlyEnded:  cfg.Session.RecentlyEnded,
		Logger:         log,
		Metrics:        svc.Metrics,
	})
	if err != nil {
		ps.Close()
		st.Close()
		return nil, fmt.Errorf("create session manager: %w", err)
	}
	svc.Manager = mgr

	log.Info("collaboration service opened", map[string]any{
		"store":  cfg.Store.Driver,
		"pubsub": cfg.PubSub.Driver,
	})
	return svc, nil
}

// Handler returns the HTTP API.
func (s *Service) Handler() http.Handler {
	return api.NewServer(api.Options{
		Manager: s.Manager,
		Hub:     s.Hub,
		Metrics: s.Metrics,
		Logger:  s.log,
	})
}

// Subscribe returns an in-process stream carrying one copy of every event.
// Events are dropped when the channel is full.
func (s *Service) Subscribe(size int) *events.Channel {
	ch := events.NewChannel(size)
	s.observers.Add(ch)
	return ch
}

// Run drives periodic flushes and sweeps until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	return s.Manager.Run(ctx)
}

// VerifyDocument checks the persisted log of documentID.
func (s *Service) VerifyDocument(ctx context.Context, documentID string) (*verify.Result, error) {
	return s.Verifier.VerifyDocument(ctx, documentID)
}

// Doctor runs the health checks against the live backends.
func (s *Service) Doctor(ctx context.Context, strict bool) (*doctor.Result, error) {
	var ps doctor.Pinger
	if p, ok := s.PubSub.(doctor.Pinger); ok {
		ps = p
	}
	return doctor.NewDoctor(s.Config, s.Store, ps, s.Verifier).Check(ctx, strict)
}

// Close ends every session, stops delivery and releases the backends.
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	if err := s.Manager.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	s.Hub.Close()
	if s.Webhooks != nil {
		if err := s.Webhooks.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close webhooks: %w", err))
		}
	}
	if err := s.PubSub.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close pubsub: %w", err))
	}
	if err := s.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

// Event types re-exported for embedders filtering Subscribe streams.
const (
	EventChange          = model.EventChange
	EventRemoteChange    = model.EventRemoteChange
	EventSessionEnded    = model.EventSessionEnded
	EventLockReleased    = model.EventLockReleased
	EventPresenceChanged = model.EventPresenceChanged
)
