// Package webhook provides change handlers that forward changes to an HTTP
// endpoint. A non-2xx answer is a handler failure, so the harvester retries
// the delivery.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/roach88/harvester/internal/oplog"
	"github.com/roach88/harvester/internal/registry"
	"github.com/roach88/harvester/internal/resource"
)

// DefaultTimeout bounds one delivery attempt.
const DefaultTimeout = 10 * time.Second

// Deserializer converts a log entry into the record a subscriber sees.
// resource.Adapter satisfies it.
type Deserializer interface {
	Deserialize(typ string, entry oplog.Entry) resource.Record
}

// Payload is the JSON body posted for each change.
type Payload struct {
	Resource  string          `json:"resource"`
	Operation oplog.Operation `json:"operation"`
	ID        string          `json:"id"`
	Position  string          `json:"position"`
	Document  resource.Record `json:"document"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("webhook %s: status %d: %s", e.URL, e.StatusCode, e.Body)
}

// IsStatusError reports whether err is a non-2xx webhook response.
func IsStatusError(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}

// Option configures a webhook handler.
type Option func(*sender)

// WithClient replaces the HTTP client.
func WithClient(c *http.Client) Option {
	return func(s *sender) { s.client = c }
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(s *sender) { s.header.Add(key, value) }
}

type sender struct {
	url     string
	client  *http.Client
	header  http.Header
	records Deserializer
}

// New returns a handler that posts each change to url.
func New(url string, records Deserializer, opts ...Option) registry.HandlerFunc {
	s := &sender{
		url:     url,
		client:  &http.Client{Timeout: DefaultTimeout},
		header:  make(http.Header),
		records: records,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s.send
}

func (s *sender) send(ctx context.Context, c registry.Change) error {
	body, err := json.Marshal(Payload{
		Resource:  c.Resource,
		Operation: c.Operation,
		ID:        c.DocumentID,
		Position:  c.Entry.Position.String(),
		Document:  s.records.Deserialize(c.Resource, c.Entry),
	})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, values := range s.header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", s.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{URL: s.url, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
