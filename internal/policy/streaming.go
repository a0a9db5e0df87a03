package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// StreamDestination is where duplicated audit events are sent.
type StreamDestination interface {
	send(ctx context.Context, client *http.Client, events []AuditEvent) error
}

// HTTPWebhook POSTs a JSON array of events to URL, retrying on 5xx/429
// with exponential backoff up to MaxRetries.
type HTTPWebhook struct {
	URL           string
	Authorization string
	Headers       map[string]string
	MaxRetries    int
}

func (d HTTPWebhook) send(ctx context.Context, client *http.Client, events []AuditEvent) error {
	body, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("policy: marshal audit events: %w", err)
	}

	maxRetries := d.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("policy: build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if d.Authorization != "" {
			req.Header.Set("Authorization", d.Authorization)
		}
		for k, v := range d.Headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		if resp.StatusCode >= 500 || resp.StatusCode == 429 {
			lastErr = fmt.Errorf("policy: webhook returned %d: %s", resp.StatusCode, respBody)
			continue
		}
		return fmt.Errorf("policy: webhook returned %d: %s", resp.StatusCode, respBody)
	}
	return fmt.Errorf("policy: webhook delivery failed after %d retries: %w", maxRetries, lastErr)
}

// FileSink appends JSONL to a local file.
type FileSink struct {
	Path string
}

func (d FileSink) send(ctx context.Context, client *http.Client, events []AuditEvent) error {
	f, err := os.OpenFile(d.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("policy: open stream file: %w", err)
	}
	defer f.Close()
	for _, e := range events {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("policy: marshal streamed event: %w", err)
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("policy: write stream file: %w", err)
		}
	}
	return nil
}

// StdoutSink writes events to stdout, one JSON object per line, for
// debugging and piping into local tooling.
type StdoutSink struct{}

func (StdoutSink) send(ctx context.Context, client *http.Client, events []AuditEvent) error {
	for _, e := range events {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("policy: marshal streamed event: %w", err)
		}
		if _, err := fmt.Fprintln(os.Stdout, string(line)); err != nil {
			return err
		}
	}
	return nil
}

// NATSSink publishes each audit event as its own JSON message to a NATS
// subject, for deployments that already fan audit/event traffic out
// through NATS rather than HTTP webhooks.
type NATSSink struct {
	Conn    *nats.Conn
	Subject string
}

func (d NATSSink) send(ctx context.Context, client *http.Client, events []AuditEvent) error {
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("policy: marshal audit event for nats: %w", err)
		}
		if err := d.Conn.Publish(d.Subject, data); err != nil {
			return fmt.Errorf("policy: nats publish: %w", err)
		}
	}
	return nil
}

// StreamConfig configures the audit event streamer.
type StreamConfig struct {
	Destination       StreamDestination
	BatchSize         int
	FlushInterval     time.Duration
	HTTPClientTimeout time.Duration
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 30 * time.Second
	}
	if c.HTTPClientTimeout <= 0 {
		c.HTTPClientTimeout = 10 * time.Second
	}
	return c
}

// Streamer batches audit events and flushes them to a StreamDestination
// by count or by FlushInterval, whichever comes first. Flushes are
// atomic at the batch boundary: a flush takes the whole buffer under
// lock and hands it to the destination outside the lock.
type Streamer struct {
	cfg    StreamConfig
	client *http.Client

	mu     sync.Mutex
	buffer []AuditEvent

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewStreamer creates a Streamer. Call Start to launch the background
// flush loop, or Flush/QueueEvent to drive it synchronously.
func NewStreamer(cfg StreamConfig) *Streamer {
	cfg = cfg.withDefaults()
	return &Streamer{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPClientTimeout},
		stopCh: make(chan struct{}),
	}
}

// QueueEvent buffers event, flushing immediately if the batch is full.
func (s *Streamer) QueueEvent(ctx context.Context, event AuditEvent) error {
	s.mu.Lock()
	s.buffer = append(s.buffer, event)
	shouldFlush := len(s.buffer) >= s.cfg.BatchSize
	s.mu.Unlock()

	if shouldFlush {
		return s.Flush(ctx)
	}
	return nil
}

// Flush sends any buffered events now.
func (s *Streamer) Flush(ctx context.Context) error {
	s.mu.Lock()
	events := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	if len(events) == 0 {
		return nil
	}
	return s.cfg.Destination.send(ctx, s.client, events)
}

// Start launches a background goroutine that flushes on FlushInterval.
// Call Stop to end it; Stop performs one final flush.
func (s *Streamer) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				if err := s.Flush(context.Background()); err != nil {
					fmt.Fprintf(os.Stderr, "policy: audit stream flush failed: %v\n", err)
				}
			}
		}
	}()
}

// Stop ends the background flush loop and performs one final flush.
func (s *Streamer) Stop(ctx context.Context) {
	close(s.stopCh)
	s.wg.Wait()
	if err := s.Flush(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "policy: final audit stream flush failed: %v\n", err)
	}
}
