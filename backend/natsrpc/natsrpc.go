// Package natsrpc provides the NATS request/reply backend. Workers expose
// their registered functions as reply subscriptions; calls publish a
// request and wait for the reply within the context deadline.
//
// Subjects follow svc.<service>.<id>.<function>, so multiple workers for
// the same logical service never shadow each other.
package natsrpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/BaSui01/paceflow/backend"
	"github.com/BaSui01/paceflow/types"
)

// BackendName is the tag this backend registers under.
const BackendName = "nats"

// defaultCallTimeout applies when the caller's context has no deadline.
const defaultCallTimeout = 30 * time.Second

// Backend holds one NATS connection shared by all its workers.
type Backend struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// New connects to the configured servers (option "server_urls", resolved
// from NATS_SERVERS or the built-in default by backend.FromConfig).
func New(cfg backend.Config, logger *zap.Logger) (backend.Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	urls := cfg.StringsOption("server_urls")
	if len(urls) == 0 {
		return nil, types.NewError(types.ErrConfiguration, "nats: server_urls is required").
			WithBackend(BackendName)
	}

	conn, err := nats.Connect(strings.Join(urls, ","),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, types.NewError(types.ErrBackendUnavailable, "nats: connect failed").
			WithBackend(BackendName).WithCause(err)
	}

	return &Backend{
		conn:   conn,
		logger: logger.With(zap.String("component", "nats_backend")),
	}, nil
}

// Factory is the backend.Factory for the NATS backend.
func Factory(cfg backend.Config, logger *zap.Logger) (backend.Backend, error) {
	return New(cfg, logger)
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return BackendName }

// Ping implements backend.Backend.
func (b *Backend) Ping(ctx context.Context) error {
	if b.conn == nil || !b.conn.IsConnected() {
		return types.NewError(types.ErrBackendUnavailable, "nats: not connected").
			WithBackend(BackendName)
	}
	if err := b.conn.FlushWithContext(ctx); err != nil {
		return types.NewError(types.ErrBackendUnavailable, "nats: flush failed").
			WithBackend(BackendName).WithCause(err)
	}
	return nil
}

// Close implements backend.Backend.
func (b *Backend) Close() error {
	if b.conn != nil {
		b.conn.Close()
	}
	return nil
}

// CreateWorker implements backend.Backend.
func (b *Backend) CreateWorker(serviceName string) (backend.Worker, error) {
	w := &worker{
		FunctionTable: backend.NewFunctionTable(),
		conn:          b.conn,
		serviceID:     uuid.NewString(),
		serviceName:   serviceName,
		logger:        b.logger.With(zap.String("service", serviceName)),
	}
	return w, nil
}

type worker struct {
	*backend.FunctionTable
	conn        *nats.Conn
	serviceID   string
	serviceName string
	subs        []*nats.Subscription
	logger      *zap.Logger
}

func (w *worker) ServiceID() string   { return w.serviceID }
func (w *worker) ServiceName() string { return w.serviceName }

// subject builds the reply subject for a function on this worker.
func (w *worker) subject(function string) string {
	return fmt.Sprintf("svc.%s.%s.%s", w.serviceName, w.serviceID, function)
}

// Register adds the function and exposes it as a reply subscription.
func (w *worker) Register(name, description string, fn backend.HandlerFunc) {
	w.FunctionTable.Register(name, description, fn)

	sub, err := w.conn.Subscribe(w.subject(name), func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), defaultCallTimeout)
		defer cancel()

		out, err := fn(ctx, msg.Data)
		if err != nil {
			// Reply with an error marker; callers map it to a fatal result.
			_ = msg.Respond(append([]byte("ERR "), []byte(err.Error())...))
			return
		}
		_ = msg.Respond(out)
	})
	if err != nil {
		w.logger.Warn("subscribe failed",
			zap.String("function", name),
			zap.Error(err))
		return
	}
	w.subs = append(w.subs, sub)
}

// Call publishes a request to the function's subject and waits for the
// reply.
func (w *worker) Call(ctx context.Context, name string, payload []byte) ([]byte, types.CallResult) {
	if _, ok := w.Lookup(name); !ok {
		err := types.NewError(types.ErrFunctionNotFound,
			fmt.Sprintf("function %q not registered on service %q", name, w.serviceName)).
			WithBackend(BackendName)
		return nil, types.Failure(types.KindFatal, err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCallTimeout)
		defer cancel()
	}

	msg, err := w.conn.RequestWithContext(ctx, w.subject(name), payload)
	if err != nil {
		switch {
		case errors.Is(err, nats.ErrNoResponders), errors.Is(err, nats.ErrConnectionClosed):
			return nil, types.Failure(types.KindTransient,
				types.NewError(types.ErrBackendUnavailable, "nats: request failed").
					WithBackend(BackendName).WithCause(err))
		case errors.Is(err, context.DeadlineExceeded):
			return nil, types.Failure(types.KindTransient, err)
		default:
			return nil, types.Failure(types.KindUnknown, err)
		}
	}

	if len(msg.Data) >= 4 && string(msg.Data[:4]) == "ERR " {
		return nil, types.Failure(types.KindFatal, errors.New(string(msg.Data[4:])))
	}
	return msg.Data, types.Success(0)
}

// Close drains the worker's subscriptions.
func (w *worker) Close() error {
	var firstErr error
	for _, sub := range w.subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	w.subs = nil
	return firstErr
}
