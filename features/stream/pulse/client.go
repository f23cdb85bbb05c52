// Package pulse backs the global workflow event stream with Pulse streams
// over Redis. Publication appends schema-conforming envelopes; consumption
// runs through a named sink (consumer group) so concurrent workers share the
// stream with at-least-once delivery.
package pulse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"goa.design/flow/runtime/workflow"
)

// Defaults for the global stream and its worker consumer group.
const (
	DefaultStreamName = "workflow:events:global"
	DefaultSinkName   = "workflow-workers"
)

type (
	// Options configures the stream client.
	Options struct {
		// Redis is the connection backing the Pulse stream. Required.
		Redis *redis.Client
		// StreamName overrides the global stream name.
		StreamName string
		// SinkName overrides the consumer group name.
		SinkName string
		// MaxLen bounds entries kept in the stream. Zero uses Pulse defaults.
		MaxLen int
		// OperationTimeout bounds individual publish operations. Zero means
		// no timeout.
		OperationTimeout time.Duration
	}

	// Client implements workflow.StreamClient on a Pulse stream.
	Client struct {
		stream  *streaming.Stream
		sink    string
		timeout time.Duration

		mu       sync.Mutex
		consumer *streaming.Sink
		stopped  chan struct{}
	}
)

// New opens the global stream on the given Redis connection.
func New(opts Options) (*Client, error) {
	if opts.Redis == nil {
		return nil, fmt.Errorf("redis client is required: %w", workflow.ErrConfig)
	}
	name := opts.StreamName
	if name == "" {
		name = DefaultStreamName
	}
	sink := opts.SinkName
	if sink == "" {
		sink = DefaultSinkName
	}
	var streamOptions []streamopts.Stream
	if opts.MaxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(opts.MaxLen))
	}
	stream, err := streaming.NewStream(name, opts.Redis, streamOptions...)
	if err != nil {
		return nil, fmt.Errorf("create stream %q: %w", name, err)
	}
	return &Client{stream: stream, sink: sink, timeout: opts.OperationTimeout}, nil
}

// Publish appends the event envelope to the stream and returns the
// broker-assigned message id.
func (c *Client) Publish(ctx context.Context, ev workflow.StreamEvent) (string, error) {
	raw, err := encodeEnvelope(ev)
	if err != nil {
		return "", err
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	id, err := c.stream.Add(ctx, ev.EventName, raw)
	if err != nil {
		return "", workflow.Transientf("publish event %s: %v", ev.EventID, err)
	}
	return id, nil
}

// RegisterConsumer joins the consumer group and starts a background loop that
// decodes, validates and delivers stream events to handler. A nil handler
// error acknowledges the delivery; an error leaves the message pending for
// redelivery. Envelopes that fail schema validation are logged and acked so
// they do not wedge the group.
func (c *Client) RegisterConsumer(ctx context.Context, handler func(ctx context.Context, ev workflow.StreamEvent) error) error {
	if handler == nil {
		return fmt.Errorf("handler is required: %w", workflow.ErrConfig)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumer != nil {
		return fmt.Errorf("consumer already registered: %w", workflow.ErrConflict)
	}
	sink, err := c.stream.NewSink(ctx, c.sink)
	if err != nil {
		return fmt.Errorf("create sink %q: %w", c.sink, err)
	}
	c.consumer = sink
	c.stopped = make(chan struct{})
	go c.consume(ctx, sink, handler, c.stopped)
	return nil
}

func (c *Client) consume(ctx context.Context, sink *streaming.Sink, handler func(context.Context, workflow.StreamEvent) error, stopped chan struct{}) {
	defer close(stopped)
	events := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-events:
			if !ok {
				return
			}
			ev, err := decodeEnvelope(raw.Payload)
			if err != nil {
				// Malformed envelopes can never succeed; drop them.
				log.Errorf(ctx, err, "dropping invalid stream event %s", raw.ID)
				c.ack(ctx, sink, raw)
				continue
			}
			if err := handler(ctx, ev); err != nil {
				log.Errorf(ctx, err, "handle stream event %s; leaving unacked", ev.EventID)
				continue
			}
			c.ack(ctx, sink, raw)
		}
	}
}

func (c *Client) ack(ctx context.Context, sink *streaming.Sink, ev *streaming.Event) {
	if err := sink.Ack(ctx, ev); err != nil {
		log.Errorf(ctx, err, "ack stream event %s", ev.ID)
	}
}

// StopConsumer closes the sink and waits for the consume loop to drain.
func (c *Client) StopConsumer(ctx context.Context) error {
	c.mu.Lock()
	sink := c.consumer
	stopped := c.stopped
	c.consumer = nil
	c.stopped = nil
	c.mu.Unlock()
	if sink == nil {
		return nil
	}
	sink.Close(ctx)
	if stopped != nil {
		select {
		case <-stopped:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close stops any active consumer. The caller owns the Redis connection.
func (c *Client) Close(ctx context.Context) error {
	return c.StopConsumer(ctx)
}
