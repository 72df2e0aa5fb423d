// Package webhook delivers listener responses to sources that expose an HTTP
// callback.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	narration "github.com/koscakluka/ema-narrator/core"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DeliveryIDHeader = "X-Narrator-Delivery"
	defaultTimeout   = 10 * time.Second
)

var _ narration.ConnectionReporter = (*Adapter)(nil)

type Adapter struct {
	endpoint   string
	secret     string
	httpClient *http.Client
	healthy    atomic.Bool
}

type Option func(*Adapter)

func WithHTTPClient(client *http.Client) Option {
	return func(a *Adapter) { a.httpClient = client }
}

// WithSecret sends the value as a bearer token on every delivery.
func WithSecret(secret string) Option {
	return func(a *Adapter) { a.secret = secret }
}

func New(endpoint string, opts ...Option) (*Adapter, error) {
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid webhook endpoint: %w", err)
	}
	a := &Adapter{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.healthy.Store(true)
	return a, nil
}

// Deliver posts the response as JSON. Any non-2xx answer counts as a failed
// delivery and marks the source unreachable until a delivery succeeds.
func (a *Adapter) Deliver(ctx context.Context, response narration.Response) error {
	deliveryID := uuid.NewString()
	ctx, span := tracer.Start(ctx, "deliver webhook response")
	defer span.End()
	span.SetAttributes(
		attribute.String("delivery.id", deliveryID),
		attribute.Int64("block.id", response.BlockID),
		attribute.String("source.id", response.SourceID),
	)

	body, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(DeliveryIDHeader, deliveryID)
	if a.secret != "" {
		req.Header.Set("Authorization", "Bearer "+a.secret)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.healthy.Store(false)
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook request failed")
		return fmt.Errorf("failed to call webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		a.healthy.Store(false)
		err := fmt.Errorf("webhook answered %s", resp.Status)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	a.healthy.Store(true)
	logger.Debug("response delivered", "delivery_id", deliveryID, "block_id", response.BlockID, "source_id", response.SourceID)
	return nil
}

// Connected reports whether the last delivery went through. The registry
// holds responses back while it is false and retries them with backoff.
func (a *Adapter) Connected() bool {
	return a.healthy.Load()
}
