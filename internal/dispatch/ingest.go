package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/t1p-app/companion/internal/collector"
)

// Payload is the body accepted by the ingestion sink.
type Payload struct {
	HTML string             `json:"html"`
	Type collector.Fragment `json:"type"`
	Date string             `json:"date"`
}

// IngestError reports a non-2xx answer from the sink. Body is the raw
// response so the caller can surface it verbatim.
type IngestError struct {
	Type   collector.Fragment
	Status int
	Body   string
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("ingest %s: status %d: %s", e.Type, e.Status, e.Body)
}

// Sink accepts one fragment at a time.
type Sink interface {
	Send(ctx context.Context, token string, p Payload) (json.RawMessage, error)
}

// IngestClient posts fragments to the ingestion endpoint.
type IngestClient struct {
	client   *resty.Client
	endpoint string
}

// NewIngestClient returns a client for endpoint. timeout bounds each send; zero leaves it unbounded.
func NewIngestClient(endpoint string, timeout time.Duration) *IngestClient {
	client := resty.New()
	client.SetHeader("Content-Type", "application/json")
	client.SetHeader("Accept", "application/json")
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return &IngestClient{client: client, endpoint: endpoint}
}

func (c *IngestClient) Send(ctx context.Context, token string, p Payload) (json.RawMessage, error) {
	res, err := c.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(p).
		Post(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("ingest %s: %w", p.Type, err)
	}
	if !res.IsSuccess() {
		return nil, &IngestError{Type: p.Type, Status: res.StatusCode(), Body: strings.TrimSpace(res.String())}
	}
	body := res.Body()
	if !json.Valid(body) {
		return nil, &IngestError{Type: p.Type, Status: res.StatusCode(), Body: "response is not JSON: " + strings.TrimSpace(string(body))}
	}
	return json.RawMessage(body), nil
}
