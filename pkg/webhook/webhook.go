// Package webhook delivers collaboration events to HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/inkwell-cms/collab/pkg/logging"
	"github.com/inkwell-cms/collab/pkg/model"
)

// Wildcard subscribes a hook to every event type.
const Wildcard model.EventType = "*"

// HookConfig represents a single webhook configuration.
type HookConfig struct {
	URL     string            `json:"url" yaml:"url"`
	Secret  string            `json:"secret,omitempty" yaml:"secret,omitempty"`
	Events  []model.EventType `json:"events" yaml:"events"`
	Enabled bool              `json:"enabled" yaml:"enabled"`
}

// Config represents the webhook configuration.
type Config struct {
	Hooks          []HookConfig  `json:"hooks" yaml:"hooks"`
	Enabled        bool          `json:"enabled" yaml:"enabled"`
	MaxRetries     int           `json:"max_retries" yaml:"max_retries"`
	RetryDelay     time.Duration `json:"retry_delay" yaml:"retry_delay"`
	Timeout        time.Duration `json:"timeout" yaml:"timeout"`
	AsyncQueueSize int           `json:"async_queue_size" yaml:"async_queue_size"`
}

// DefaultConfig returns the default webhook configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:        true,
		MaxRetries:     3,
		RetryDelay:     5 * time.Second,
		Timeout:        30 * time.Second,
		AsyncQueueSize: 100,
	}
}

// Client handles sending webhook notifications.
type Client struct {
	config *Config
	http   *http.Client
	log    *logging.Logger
	queue  chan *job
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

type job struct {
	event model.Event
	hook  HookConfig
}

// NewClient creates a new webhook client.
func NewClient(cfg *Config, log *logging.Logger) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = logging.Global()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	queueSize := cfg.AsyncQueueSize
	if queueSize <= 0 {
		queueSize = 100
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		config: cfg,
		http:   &http.Client{Timeout: timeout},
		log:    log.WithFields(map[string]any{"component": "webhook"}),
		queue:  make(chan *job, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Enabled {
		c.start()
	}

	return c
}

func (c *Client) start() {
	c.once.Do(func() {
		c.wg.Add(1)
		go c.worker()
	})
}

// worker processes webhook notifications in the background.
func (c *Client) worker() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			// Drain remaining jobs
			for len(c.queue) > 0 {
				c.send(<-c.queue)
			}
			return
		case job := <-c.queue:
			c.send(job)
		}
	}
}

// Send sends an event to all matching webhooks.
// If async is true, the event is queued for background sending.
func (c *Client) Send(event model.Event, async bool) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.config.Enabled || c.closed {
		return nil
	}

	var hooks []HookConfig
	for _, hook := range c.config.Hooks {
		if hook.Enabled && matchesEvent(hook, event.Type) {
			hooks = append(hooks, hook)
		}
	}
	if len(hooks) == 0 {
		return nil
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if async {
		for _, hook := range hooks {
			select {
			case c.queue <- &job{event: event, hook: hook}:
			default:
				c.log.Warn("webhook queue full, dropping event", map[string]any{
					"event": event.Type,
					"url":   hook.URL,
				})
			}
		}
		return nil
	}

	var lastErr error
	for _, hook := range hooks {
		if err := c.sendSync(&job{event: event, hook: hook}); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Emit queues event for asynchronous delivery.
func (c *Client) Emit(event model.Event) {
	_ = c.Send(event, true)
}

func (c *Client) send(job *job) {
	if err := c.sendSync(job); err != nil {
		c.log.WarnErr("webhook delivery failed", err, map[string]any{
			"event": job.event.Type,
			"url":   job.hook.URL,
		})
	}
}

// sendSync sends a webhook synchronously with retries.
func (c *Client) sendSync(job *job) error {
	payload, err := json.Marshal(job.event)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-c.ctx.Done():
				return c.ctx.Err()
			case <-time.After(c.config.RetryDelay):
			}
		}

		req, err := c.createRequest(job, payload)
		if err != nil {
			return err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		lastErr = fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}

	return lastErr
}

func (c *Client) createRequest(job *job, payload []byte) (*http.Request, error) {
	req, err := http.NewRequest(http.MethodPost, job.hook.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Collab-Webhook/1.0")
	req.Header.Set("X-Collab-Event", string(job.event.Type))

	if job.hook.Secret != "" {
		req.Header.Set("X-Collab-Signature", Sign(payload, job.hook.Secret))
	}

	return req, nil
}

// Sign creates an HMAC-SHA256 signature for the payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func matchesEvent(hook HookConfig, event model.EventType) bool {
	for _, e := range hook.Events {
		if e == event || e == Wildcard {
			return true
		}
	}
	return false
}

// Close drains queued deliveries and stops the worker.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}
