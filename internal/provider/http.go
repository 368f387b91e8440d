package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"tilefetch/internal/tile"
)

// HTTPOptions tune the retrying client of an HTTPSource.
type HTTPOptions struct {
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Timeout      time.Duration
}

// HTTPSource fetches tiles from a remote server. The URL template uses {z},
// {x} and {y} placeholders, e.g. https://tiles.example.com/{z}/{x}/{y}.jpg.
type HTTPSource struct {
	template string
	client   *retryablehttp.Client
}

func NewHTTPSource(template string, opts HTTPOptions, logger *zap.Logger) *HTTPSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RetryWaitMin == 0 {
		opts.RetryWaitMin = 100 * time.Millisecond
	}
	if opts.RetryWaitMax == 0 {
		opts.RetryWaitMax = 2 * time.Second
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}

	client := &retryablehttp.Client{
		HTTPClient:   &http.Client{Timeout: opts.Timeout},
		Logger:       leveledLogger{logger.Sugar()},
		RetryWaitMin: opts.RetryWaitMin,
		RetryWaitMax: opts.RetryWaitMax,
		RetryMax:     opts.RetryMax,
		CheckRetry:   retryablehttp.DefaultRetryPolicy,
		Backoff:      retryablehttp.DefaultBackoff,
	}
	return &HTTPSource{template: template, client: client}
}

func (h *HTTPSource) Name() string { return "http:" + h.template }

func (h *HTTPSource) URL(idx tile.Index) string {
	return strings.NewReplacer(
		"{z}", strconv.Itoa(idx.Level),
		"{x}", strconv.Itoa(idx.Col),
		"{y}", strconv.Itoa(idx.Row),
	).Replace(h.template)
}

func (h *HTTPSource) Fetch(ctx context.Context, idx tile.Index) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, h.URL(idx), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build tile request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tile %s: %w", idx, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent:
		return nil, notFound(idx)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("failed to fetch tile %s: unexpected status %d", idx, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read tile %s: %w", idx, err)
	}
	return data, nil
}

// leveledLogger routes retryablehttp logs to zap.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, keysAndValues...)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.s.Warnw(msg, keysAndValues...)
}
