package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/document-vault/internal/core/ports"
	"github.com/kirillkom/document-vault/internal/infrastructure/resilience"
)

const (
	DependencyName = "event-bus"

	documentIDHeader  = "Document-Id"
	publishedAtHeader = "Published-At"
	workerQueueGroup = "extraction-workers"
)

type Queue struct {
	conn           *nats.Conn
	subject        string
	executor       *resilience.Executor
	handlerTimeout time.Duration
	observeLag     func(time.Duration)
	logger         *slog.Logger
}

func New(url, subject string) (*Queue, error) {
	return NewWithOptions(url, subject, Options{})
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	// HandlerTimeout bounds one subscriber callback; zero means no limit.
	HandlerTimeout time.Duration
	// LagObserver receives the publish-to-delivery delay of each event.
	LagObserver func(time.Duration)
	Logger      *slog.Logger
}

func NewWithOptions(url, subject string, options Options) (*Queue, error) {
	if strings.TrimSpace(subject) == "" {
		return nil, fmt.Errorf("nats subject is required")
	}
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		url,
		nats.Name("document-vault"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:           conn,
		subject:        subject,
		executor:       options.ResilienceExecutor,
		handlerTimeout: options.HandlerTimeout,
		observeLag:     options.LagObserver,
		logger:         logger,
	}, nil
}

// Conn exposes the connection so other NATS-backed components can share it.
func (q *Queue) Conn() *nats.Conn {
	return q.conn
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishDocumentStored(ctx context.Context, documentID string) error {
	msg := newStoredMessage(q.subject, documentID, time.Now())
	call := func(_ context.Context) error {
		if err := q.conn.PublishMsg(msg); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	var err error
	if q.executor != nil {
		err = q.executor.Execute(ctx, DependencyName, call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

func (q *Queue) SubscribeDocumentStored(ctx context.Context, handler func(context.Context, string) error) error {
	sub, err := q.conn.QueueSubscribe(q.subject, workerQueueGroup, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		documentID := documentIDFromMessage(msg)
		if documentID == "" {
			q.logger.Warn("document_stored_event_invalid", "subject", msg.Subject)
			return
		}
		if q.observeLag != nil {
			if publishedAt, ok := publishedAtFromMessage(msg); ok {
				q.observeLag(time.Since(publishedAt))
			}
		}

		handlerCtx, cancel := q.handlerContext(ctx)
		defer cancel()
		if err := handler(handlerCtx, documentID); err != nil {
			q.logger.Error("worker_handler_failed", "document_id", documentID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func (q *Queue) handlerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if q.handlerTimeout > 0 {
		return context.WithTimeout(ctx, q.handlerTimeout)
	}
	return context.WithCancel(ctx)
}

func newStoredMessage(subject, documentID string, now time.Time) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Header.Set(documentIDHeader, documentID)
	msg.Header.Set(publishedAtHeader, now.UTC().Format(time.RFC3339Nano))
	msg.Data = []byte(documentID)
	return msg
}

// documentIDFromMessage prefers the header and falls back to the raw body.
func documentIDFromMessage(msg *nats.Msg) string {
	if msg == nil {
		return ""
	}
	if id := strings.TrimSpace(msg.Header.Get(documentIDHeader)); id != "" {
		return id
	}
	return strings.TrimSpace(string(msg.Data))
}

func publishedAtFromMessage(msg *nats.Msg) (time.Time, bool) {
	raw := msg.Header.Get(publishedAtHeader)
	if raw == "" {
		return time.Time{}, false
	}
	publishedAt, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return publishedAt, true
}

var _ ports.MessageQueue = (*Queue)(nil)
