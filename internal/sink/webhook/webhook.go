package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/scanflow/internal/record"
	"github.com/loykin/scanflow/internal/sink"
)

// Sink POSTs each record as a JSON document to a fixed endpoint.
type Sink struct {
	client   *http.Client
	endpoint string
	headers  map[string]string
}

// Option customizes a webhook sink.
type Option func(*Sink)

// WithTimeout overrides the default 10s request timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Sink) { s.client.Timeout = d }
}

// WithHeader adds a static header to every delivery request.
func WithHeader(key, value string) Option {
	return func(s *Sink) { s.headers[key] = value }
}

// New creates a webhook sink for an http:// or https:// endpoint.
func New(endpoint string, opts ...Option) (*Sink, error) {
	endpoint = strings.TrimSpace(endpoint)
	lower := strings.ToLower(endpoint)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return nil, errors.New("webhook endpoint must be http or https")
	}
	s := &Sink{
		client:   &http.Client{Timeout: 10 * time.Second},
		endpoint: endpoint,
		headers:  make(map[string]string),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Deliver sends the record and classifies the response status. Transport
// errors and 5xx are transient; 429 is transient rate limiting; 401/403 are
// permanent auth failures; any other 4xx is a permanent rejection.
func (s *Sink) Deliver(ctx context.Context, rec record.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return sink.Permanent(fmt.Errorf("%w: encode record: %v", sink.ErrRejected, err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return sink.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return sink.Transient(fmt.Errorf("%w: %v", sink.ErrNetwork, err))
	}
	defer func() { _ = resp.Body.Close() }()
	// drain so the transport can reuse the connection
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return sink.Transient(fmt.Errorf("%w: status %d", sink.ErrRateLimited, resp.StatusCode))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return sink.Permanent(fmt.Errorf("%w: status %d", sink.ErrAuthentication, resp.StatusCode))
	case resp.StatusCode < 500:
		return sink.Permanent(fmt.Errorf("%w: status %d", sink.ErrRejected, resp.StatusCode))
	default:
		return sink.Transient(fmt.Errorf("%w: status %d", sink.ErrNetwork, resp.StatusCode))
	}
}

func (s *Sink) Close() error { return nil }
