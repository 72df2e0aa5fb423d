// Package redisstream connects sources that talk through Redis Streams: it
// reads their events from a consumer group and writes answers back onto a
// per-source response stream.
package redisstream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	narration "github.com/koscakluka/ema-narrator/core"
	"github.com/koscakluka/ema-narrator/core/blocks"
	"github.com/koscakluka/ema-narrator/core/ingress"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultEventStream    = "narrator:events"
	DefaultGroup          = "narrator"
	DefaultResponsePrefix = "narrator:responses:"

	dataField = "data"
)

type Config struct {
	Addr        string
	Username    string
	Password    string
	DB          int
	TLSEnabled  bool
	TLSInsecure bool
}

// NewClient returns a connected client, or nil when no address is set.
func NewClient(ctx context.Context, cfg Config) (redis.UniversalClient, error) {
	if cfg.Addr == "" {
		return nil, nil
	}

	opts := &redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: cfg.TLSInsecure} // #nosec G402 -- opt-in
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Ingester is the side of the narrator that accepts events.
type Ingester interface {
	Submit(ctx context.Context, event blocks.SourceEvent) (narration.Receipt, error)
}

// Consumer feeds events from a stream consumer group into the narrator.
type Consumer struct {
	client   redis.UniversalClient
	stream   string
	group    string
	name     string
	blockDur time.Duration
}

func NewConsumer(client redis.UniversalClient, stream, group, name string) *Consumer {
	if stream == "" {
		stream = DefaultEventStream
	}
	if group == "" {
		group = DefaultGroup
	}
	if name == "" {
		name = "narrator-" + uuid.NewString()
	}
	return &Consumer{
		client:   client,
		stream:   stream,
		group:    group,
		name:     name,
		blockDur: 5 * time.Second,
	}
}

func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", c.group, err)
	}
	return nil
}

// Run reads until ctx is done. Every message is acknowledged once the
// narrator has decided on it, including rejected ones; only a closed
// narrator leaves a message pending for the next consumer.
func (c *Consumer) Run(ctx context.Context, ingester Ingester) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}
	logger.Info("consuming source events", "stream", c.stream, "group", c.group, "consumer", c.name)

	for {
		res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{c.stream, ">"},
			Count:    16,
			Block:    c.blockDur,
		}).Result()
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", c.stream, err)
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				if err := c.handle(ctx, ingester, msg); err != nil {
					return err
				}
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, ingester Ingester, msg redis.XMessage) error {
	ctx, span := tracer.Start(ctx, "consume source event")
	defer span.End()
	span.SetAttributes(attribute.String("stream.message_id", msg.ID))

	event, err := DecodeEvent(msg.Values)
	if err == nil {
		var receipt narration.Receipt
		receipt, err = ingester.Submit(ctx, event)
		span.SetAttributes(attribute.Int64("block.id", receipt.BlockID), attribute.Bool("event.duplicate", receipt.Duplicate))
	}

	switch {
	case errors.Is(err, narration.ErrClosed):
		return err
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "event rejected")
		logger.Warn("dropping stream event", "message_id", msg.ID, "error", err)
	}

	if ackErr := c.client.XAck(ctx, c.stream, c.group, msg.ID).Err(); ackErr != nil {
		logger.Error("failed to ack stream event", "message_id", msg.ID, "error", ackErr)
	}
	return nil
}

// DecodeEvent validates the JSON carried in a message's data field.
func DecodeEvent(values map[string]any) (blocks.SourceEvent, error) {
	raw, ok := values[dataField]
	if !ok {
		return blocks.SourceEvent{}, &ingress.FieldError{Field: dataField, Reason: "is required"}
	}
	var payload []byte
	switch v := raw.(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	default:
		return blocks.SourceEvent{}, &ingress.FieldError{Field: dataField, Reason: fmt.Sprintf("unexpected type %T", raw)}
	}
	return ingress.ValidatePayload(payload)
}

// Producer writes responses onto <prefix><source_id>.
type Producer struct {
	client redis.UniversalClient
	prefix string
}

func NewProducer(client redis.UniversalClient, prefix string) *Producer {
	if prefix == "" {
		prefix = DefaultResponsePrefix
	}
	return &Producer{client: client, prefix: prefix}
}

func (p *Producer) Stream(sourceID string) string {
	return p.prefix + sourceID
}

func (p *Producer) Deliver(ctx context.Context, response narration.Response) error {
	ctx, span := tracer.Start(ctx, "produce response")
	defer span.End()
	span.SetAttributes(attribute.Int64("block.id", response.BlockID), attribute.String("source.id", response.SourceID))

	data, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.Stream(response.SourceID),
		ID:     "*",
		Values: map[string]any{dataField: data},
	}).Err()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "xadd failed")
		return fmt.Errorf("failed to write response for %s: %w", response.SourceID, err)
	}
	return nil
}
