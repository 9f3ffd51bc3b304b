// Package local provides the in-process backend: workers dispatch directly
// to registered Go functions with no transport in between. Useful for
// tests and for hosts that only want the throttling and fallback logic.
package local

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/paceflow/backend"
	"github.com/BaSui01/paceflow/types"
)

// BackendName is the tag this backend registers under.
const BackendName = "local"

// Backend dispatches calls in-process. An optional "rate_limit" option
// (calls per second, float) applies a static token-bucket pace to every
// worker, independent of the adaptive throttle.
type Backend struct {
	callRate float64
	logger   *zap.Logger
	closed   bool
}

// New creates a local Backend from its resolved configuration.
func New(cfg backend.Config, logger *zap.Logger) (backend.Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		callRate: cfg.FloatOption("rate_limit", 0),
		logger:   logger.With(zap.String("component", "local_backend")),
	}, nil
}

// Factory is the backend.Factory for the local backend.
func Factory(cfg backend.Config, logger *zap.Logger) (backend.Backend, error) {
	return New(cfg, logger)
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return BackendName }

// Ping implements backend.Backend. The local backend is always reachable
// unless closed.
func (b *Backend) Ping(_ context.Context) error {
	if b.closed {
		return types.NewError(types.ErrBackendUnavailable, "local backend closed").
			WithBackend(BackendName)
	}
	return nil
}

// Close implements backend.Backend.
func (b *Backend) Close() error {
	b.closed = true
	return nil
}

// CreateWorker implements backend.Backend. Each call yields a distinct
// service ID even for a repeated service name.
func (b *Backend) CreateWorker(serviceName string) (backend.Worker, error) {
	if b.closed {
		return nil, types.NewError(types.ErrBackendUnavailable, "local backend closed").
			WithBackend(BackendName)
	}
	w := &worker{
		FunctionTable: backend.NewFunctionTable(),
		serviceID:     uuid.NewString(),
		serviceName:   serviceName,
		logger:        b.logger.With(zap.String("service", serviceName)),
	}
	if b.callRate > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(b.callRate), 1)
	}
	return w, nil
}

type worker struct {
	*backend.FunctionTable
	serviceID   string
	serviceName string
	limiter     *rate.Limiter
	logger      *zap.Logger
}

func (w *worker) ServiceID() string   { return w.serviceID }
func (w *worker) ServiceName() string { return w.serviceName }
func (w *worker) Close() error        { return nil }

// Call invokes a registered function, honoring the static pace first.
func (w *worker) Call(ctx context.Context, name string, payload []byte) ([]byte, types.CallResult) {
	fn, ok := w.Lookup(name)
	if !ok {
		err := types.NewError(types.ErrFunctionNotFound,
			fmt.Sprintf("function %q not registered on service %q", name, w.serviceName)).
			WithBackend(BackendName)
		return nil, types.Failure(types.KindFatal, err)
	}

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return nil, types.Failure(types.KindTransient, err)
		}
	}

	out, err := fn.Fn(ctx, payload)
	if err != nil {
		return nil, types.Classify(err)
	}
	return out, types.Success(0)
}
