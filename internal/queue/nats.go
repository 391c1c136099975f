// Package queue provides the durable requeue for runs that exhausted their
// retries. A transient outage must not lose the work item: the failed run is
// published to NATS and a worker re-drives it once the dependency recovers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// RunFailedMessage is the requeue payload for one exhausted run.
type RunFailedMessage struct {
	ShellFileID string    `json:"shell_file_id"`
	ChunkNumber int       `json:"chunk_number"`
	Reason      string    `json:"reason"`
	FailedAt    time.Time `json:"failed_at"`
}

// Queue publishes and consumes run requeue messages.
type Queue struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

// Options configures the NATS connection.
type Options struct {
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int
	Logger         *slog.Logger
}

// New connects to NATS and returns a queue bound to subject.
func New(url, subject string, options Options) (*Queue, error) {
	if options.ConnectTimeout <= 0 {
		options.ConnectTimeout = 2 * time.Second
	}
	if options.ReconnectWait <= 0 {
		options.ReconnectWait = 2 * time.Second
	}
	if options.MaxReconnects <= 0 {
		options.MaxReconnects = 60
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		url,
		nats.Name("chartflow"),
		nats.Timeout(options.ConnectTimeout),
		nats.ReconnectWait(options.ReconnectWait),
		nats.MaxReconnects(options.MaxReconnects),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	return &Queue{
		conn:    conn,
		subject: subject,
		logger:  logger,
	}, nil
}

// Close drains the connection.
func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

// PublishRunFailed hands one exhausted run to the requeue.
func (q *Queue) PublishRunFailed(ctx context.Context, shellFileID string, chunkNumber int, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := RunFailedMessage{
		ShellFileID: shellFileID,
		ChunkNumber: chunkNumber,
		Reason:      reason,
		FailedAt:    time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal requeue message: %w", err)
	}

	if err := q.conn.Publish(q.subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// SubscribeRunFailed registers a handler for requeued runs. The handler
// re-drives the whole run from chunk 1, which is safe because extraction is
// stateless per invocation.
func (q *Queue) SubscribeRunFailed(ctx context.Context, handler func(context.Context, RunFailedMessage) error) error {
	sub, err := q.conn.Subscribe(q.subject, func(m *nats.Msg) {
		var msg RunFailedMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			q.logger.Error("invalid requeue message", "error", err)
			return
		}
		if err := handler(ctx, msg); err != nil {
			q.logger.Error("requeue handler failed",
				"shell_file_id", msg.ShellFileID,
				"error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}
