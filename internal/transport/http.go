package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/tinytelemetry/pgqexporter/internal/model"
	"go.uber.org/zap"
)

// SendMetricsPath is the ingest route of the exporter's HTTP API.
const SendMetricsPath = "/send-metrics"

// HTTPOptions tunes an HTTP sender. Zero values select the defaults.
type HTTPOptions struct {
	Client     *http.Client
	MaxRetries uint64
	// InitialInterval is the first retry delay; later delays grow
	// exponentially.
	InitialInterval time.Duration
	Logger          *zap.Logger
}

// HTTP posts events as JSON to a remote exporter.
type HTTP struct {
	url    string
	opts   HTTPOptions
	logger *zap.Logger
}

var _ model.Sender = (*HTTP)(nil)

// NewHTTP creates a sender for the exporter at baseURL. The ingest path is
// appended unless baseURL already ends with it.
func NewHTTP(baseURL string, opts HTTPOptions) *HTTP {
	url := strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(url, SendMetricsPath) {
		url += SendMetricsPath
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 200 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &HTTP{
		url:    url,
		opts:   opts,
		logger: opts.Logger.With(zap.String("component", "transport.http")),
	}
}

// URL returns the endpoint events are posted to.
func (h *HTTP) URL() string {
	return h.url
}

// Send posts one event. Server errors and network failures are retried
// with exponential backoff; client errors are not.
func (h *HTTP) Send(ctx context.Context, event model.Event) error {
	return h.post(ctx, event)
}

// SendBatch posts events as one JSON array.
func (h *HTTP) SendBatch(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	return h.post(ctx, events)
}

func (h *HTTP) post(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "encode events")
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = h.opts.InitialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, h.opts.MaxRetries), ctx)

	attempt := 0
	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(errors.WithStack(err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := h.opts.Client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(errors.WithStack(ctx.Err()))
			}
			h.logger.Debug("post failed", zap.Int("attempt", attempt), zap.Error(err))
			return errors.WithStack(err)
		}
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		switch {
		case resp.StatusCode >= 500:
			h.logger.Debug("post rejected", zap.Int("attempt", attempt), zap.Int("status", resp.StatusCode))
			return errors.Errorf("POST %s: %s: %s", h.url, resp.Status, bytes.TrimSpace(msg))
		case resp.StatusCode >= 300:
			return backoff.Permanent(errors.Errorf("POST %s: %s: %s", h.url, resp.Status, bytes.TrimSpace(msg)))
		}
		return nil
	}
	return backoff.Retry(op, policy)
}
