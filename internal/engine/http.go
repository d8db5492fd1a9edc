package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPConfig locates the engine's ingest endpoint.
type HTTPConfig struct {
	// BaseURL is the engine service root, e.g. http://engine:8250.
	BaseURL string
	// Timeout is the per-record processing budget. Exceeding it is a
	// transient timeout, not a fatal failure.
	Timeout time.Duration
}

// HTTPEngine ingests records over the engine's HTTP API.
type HTTPEngine struct {
	base   string
	client *http.Client
}

// NewHTTPEngine validates the base URL and builds the client.
func NewHTTPEngine(cfg HTTPConfig) (*HTTPEngine, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("engine.url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse engine url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPEngine{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}, nil
}

// AddRecord ingests one record.
func (e *HTTPEngine) AddRecord(ctx context.Context, rec Record, body []byte) error {
	_, err := e.post(ctx, rec, body, false)
	return err
}

// AddRecordWithInfo ingests one record and returns the engine's info payload.
func (e *HTTPEngine) AddRecordWithInfo(ctx context.Context, rec Record, body []byte) (string, error) {
	return e.post(ctx, rec, body, true)
}

func (e *HTTPEngine) post(ctx context.Context, rec Record, body []byte, withInfo bool) (string, error) {
	endpoint := fmt.Sprintf("%s/data-sources/%s/records/%s",
		e.base, url.PathEscape(rec.DataSource), url.PathEscape(rec.RecordID))
	if withInfo {
		endpoint += "?withInfo=true"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return "", NewError(KindFatal, fmt.Errorf("build ingest request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return "", NewError(KindTransientTimeout, fmt.Errorf("ingest %s/%s: %w", rec.DataSource, rec.RecordID, err))
		}
		return "", NewError(KindFatal, fmt.Errorf("ingest %s/%s: %w", rec.DataSource, rec.RecordID, err))
	}
	defer resp.Body.Close() //nolint:errcheck // read side only

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", NewError(KindFatal, fmt.Errorf("read ingest response: %w", err))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if !withInfo {
			return "", nil
		}
		return string(payload), nil
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return "", NewError(KindInvalidInput, fmt.Errorf("engine rejected %s/%s: %s", rec.DataSource, rec.RecordID, strings.TrimSpace(string(payload))))
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return "", NewError(KindTransientTimeout, fmt.Errorf("engine timed out on %s/%s", rec.DataSource, rec.RecordID))
	default:
		return "", NewError(KindFatal, fmt.Errorf("engine returned %d for %s/%s: %s", resp.StatusCode, rec.DataSource, rec.RecordID, strings.TrimSpace(string(payload))))
	}
}

// Stats fetches the engine's statistics blob.
func (e *HTTPEngine) Stats(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.base+"/stats", nil)
	if err != nil {
		return "", fmt.Errorf("build stats request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch stats: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read side only
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read stats response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("stats returned %d", resp.StatusCode)
	}
	return string(payload), nil
}

// Close releases idle connections.
func (e *HTTPEngine) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
