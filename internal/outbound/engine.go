// Package outbound delivers normalized business events to subscriber
// endpoints: fan-out, signing, HTTP attempts, backoff and failure handling.
package outbound

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/payrelay/internal/db"
)

// Rejection reasons. Deliveries failing with these are never retried.
var (
	ErrInsecureURL     = errors.New("endpoint url must use https")
	ErrPayloadTooLarge = errors.New("payload exceeds size limit")
)

// Config tunes the HTTP side of delivery.
type Config struct {
	Timeout         time.Duration
	MaxPayloadBytes int
	RequireTLS      bool
	UserAgent       string
}

// DefaultConfig: 15s per attempt, 1 MiB bodies, https only.
func DefaultConfig() Config {
	return Config{
		Timeout:         15 * time.Second,
		MaxPayloadBytes: 1 << 20,
		RequireTLS:      true,
		UserAgent:       "payrelay-webhooks/1.0",
	}
}

// Result describes one delivery attempt.
type Result struct {
	Delivered  bool
	StatusCode int
	Err        error
	// Permanent marks a rejection that retrying cannot fix.
	Permanent bool
	Duration  time.Duration
}

// Engine performs signed HTTP delivery attempts.
type Engine struct {
	client *http.Client
	signer Signer
	config Config
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine creates a delivery engine. A nil client gets a default one.
// A client without its own CheckRedirect is copied and given one that
// refuses redirects off https when RequireTLS is set.
func NewEngine(client *http.Client, signer Signer, cfg Config, logger *zap.Logger) *Engine {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = def.MaxPayloadBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if client == nil {
		client = &http.Client{}
	}
	if client.CheckRedirect == nil {
		c := *client
		c.CheckRedirect = checkRedirect(cfg.RequireTLS)
		client = &c
	}

	return &Engine{
		client: client,
		signer: signer,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Deliver POSTs the event envelope to the endpoint. It never returns an
// error directly; the outcome, including rejections, is in the Result.
func (e *Engine) Deliver(ctx context.Context, ep *db.OutboundEndpoint, ev *db.OutboundEvent, attempt int) Result {
	start := e.now()

	u, err := url.Parse(ep.URL)
	if err != nil || u.Host == "" {
		return Result{Err: fmt.Errorf("invalid endpoint url %q", ep.URL), Permanent: true}
	}
	if e.config.RequireTLS && u.Scheme != "https" {
		return Result{Err: ErrInsecureURL, Permanent: true}
	}

	body, err := BuildBody(ev, attempt)
	if err != nil {
		return Result{Err: fmt.Errorf("failed to build envelope: %w", err), Permanent: true}
	}
	if len(body) > e.config.MaxPayloadBytes {
		return Result{
			Err:       fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(body), e.config.MaxPayloadBytes),
			Permanent: true,
		}
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return Result{Err: fmt.Errorf("failed to create webhook request: %w", err), Permanent: true}
	}

	signedAt := e.now()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", e.config.UserAgent)
	req.Header.Set("X-Webhook-Id", ev.ID.String())
	req.Header.Set("X-Webhook-Event", ev.Type)
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(signedAt.Unix(), 10))
	req.Header.Set("X-Webhook-Spec-Version", SpecVersion)
	req.Header.Set("X-Webhook-Signature", e.signer.Sign(ep.Secret, body, signedAt))

	resp, err := e.client.Do(req)
	if err != nil {
		return Result{
			Err:       fmt.Errorf("webhook request failed: %w", err),
			Permanent: errors.Is(err, ErrInsecureURL),
			Duration:  e.now().Sub(start),
		}
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	res := Result{StatusCode: resp.StatusCode, Duration: e.now().Sub(start)}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		res.Err = fmt.Errorf("webhook returned non-2xx status: %d, body: %s", resp.StatusCode, string(preview))
		return res
	}

	e.logger.Debug("webhook delivered",
		zap.String("event_id", ev.ID.String()),
		zap.String("endpoint_id", ep.ID.String()),
		zap.Int("attempt", attempt),
		zap.Int("status_code", resp.StatusCode),
	)

	res.Delivered = true
	return res
}

const maxRedirects = 10

func checkRedirect(requireTLS bool) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if requireTLS && req.URL.Scheme != "https" {
			return fmt.Errorf("redirect to %s: %w", req.URL.Redacted(), ErrInsecureURL)
		}
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	}
}
