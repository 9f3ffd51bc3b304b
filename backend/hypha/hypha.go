// Package hypha provides the websocket RPC backend for hypha servers.
// Configuration resolves from HYPHA_SERVER_URL, HYPHA_WORKSPACE and
// HYPHA_TOKEN (see backend.FromConfig); an expired JWT token fails at
// construction instead of at the first call.
package hypha

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/paceflow/backend"
	"github.com/BaSui01/paceflow/types"
)

// BackendName is the tag this backend registers under.
const BackendName = "hypha"

const (
	dialTimeout        = 10 * time.Second
	defaultCallTimeout = 30 * time.Second
)

// Backend talks to one hypha server over a single websocket connection,
// dialed lazily on first use.
type Backend struct {
	serverURL string
	workspace string
	token     string

	mu   sync.Mutex
	conn *websocket.Conn

	logger *zap.Logger
}

// New creates a hypha Backend. A non-empty token must be a JWT whose exp
// claim has not passed; anything else is a configuration error, caught
// here rather than on the first call.
func New(cfg backend.Config, logger *zap.Logger) (backend.Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	serverURL := cfg.StringOption("server_url", "")
	if serverURL == "" {
		return nil, types.NewError(types.ErrConfiguration, "hypha: server_url is required").
			WithBackend(BackendName)
	}

	token := cfg.StringOption("token", "")
	if token != "" {
		if err := checkTokenExpiry(token); err != nil {
			return nil, err
		}
	}

	return &Backend{
		serverURL: serverURL,
		workspace: cfg.StringOption("workspace", ""),
		token:     token,
		logger:    logger.With(zap.String("component", "hypha_backend")),
	}, nil
}

// Factory is the backend.Factory for the hypha backend.
func Factory(cfg backend.Config, logger *zap.Logger) (backend.Backend, error) {
	return New(cfg, logger)
}

// checkTokenExpiry parses the JWT without verifying its signature (the
// server verifies; we only fail fast on an already-expired token).
func checkTokenExpiry(token string) error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return types.NewError(types.ErrConfiguration, "hypha: token is not a valid JWT").
			WithBackend(BackendName).WithCause(err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		// Tokens without exp are accepted as-is.
		return nil
	}
	if exp.Before(time.Now()) {
		return types.NewError(types.ErrConfiguration,
			fmt.Sprintf("hypha: token expired at %s", exp.Time.Format(time.RFC3339))).
			WithBackend(BackendName)
	}
	return nil
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return BackendName }

// connect dials the server if no live connection exists. Callers must
// hold b.mu.
func (b *Backend) connect(ctx context.Context) (*websocket.Conn, error) {
	if b.conn != nil {
		return b.conn, nil
	}

	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	header := http.Header{}
	if b.token != "" {
		header.Set("Authorization", "Bearer "+b.token)
	}
	if b.workspace != "" {
		header.Set("X-Hypha-Workspace", b.workspace)
	}

	conn, _, err := websocket.Dial(ctx, b.serverURL, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, types.NewError(types.ErrBackendUnavailable, "hypha: dial failed").
			WithBackend(BackendName).WithCause(err)
	}
	b.conn = conn
	b.logger.Info("connected", zap.String("server_url", b.serverURL))
	return conn, nil
}

// Ping implements backend.Backend by dialing if necessary and issuing a
// websocket-level ping.
func (b *Backend) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	conn, err := b.connect(ctx)
	if err != nil {
		return err
	}
	if err := conn.Ping(ctx); err != nil {
		return types.NewError(types.ErrBackendUnavailable, "hypha: ping failed").
			WithBackend(BackendName).WithCause(err)
	}
	return nil
}

// Close implements backend.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close(websocket.StatusNormalClosure, "closing")
	b.conn = nil
	return err
}

// CreateWorker implements backend.Backend.
func (b *Backend) CreateWorker(serviceName string) (backend.Worker, error) {
	return &worker{
		FunctionTable: backend.NewFunctionTable(),
		backend:       b,
		serviceID:     uuid.NewString(),
		serviceName:   serviceName,
	}, nil
}

// callEnvelope is the request frame sent to the server.
type callEnvelope struct {
	Type      string `json:"type"`
	Workspace string `json:"workspace,omitempty"`
	Service   string `json:"service"`
	WorkerID  string `json:"worker_id"`
	Function  string `json:"function"`
	Payload   []byte `json:"payload"`
}

// replyEnvelope is the response frame received from the server.
type replyEnvelope struct {
	OK         bool    `json:"ok"`
	Result     []byte  `json:"result,omitempty"`
	Error      string  `json:"error,omitempty"`
	Status     int     `json:"status,omitempty"`
	RetryAfter float64 `json:"retry_after,omitempty"`
}

type worker struct {
	*backend.FunctionTable
	backend     *Backend
	serviceID   string
	serviceName string
}

func (w *worker) ServiceID() string   { return w.serviceID }
func (w *worker) ServiceName() string { return w.serviceName }
func (w *worker) Close() error        { return nil }

// Call sends one request frame and waits for its reply. The connection is
// request/reply serialized behind the backend mutex.
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

	w.backend.mu.Lock()
	defer w.backend.mu.Unlock()

	conn, err := w.backend.connect(ctx)
	if err != nil {
		return nil, types.Failure(types.KindTransient, err)
	}

	env := callEnvelope{
		Type:      "call",
		Workspace: w.backend.workspace,
		Service:   w.serviceName,
		WorkerID:  w.serviceID,
		Function:  name,
		Payload:   payload,
	}
	if err := wsjson.Write(ctx, conn, env); err != nil {
		w.backend.dropConn()
		return nil, types.Failure(types.KindTransient, err)
	}

	var reply replyEnvelope
	if err := wsjson.Read(ctx, conn, &reply); err != nil {
		w.backend.dropConn()
		return nil, types.Failure(types.KindTransient, err)
	}

	if reply.OK {
		return reply.Result, types.Success(0)
	}

	callErr := types.NewError(types.ErrBackendUnavailable, reply.Error).
		WithBackend(BackendName).WithHTTPStatus(reply.Status)
	switch {
	case reply.Status == http.StatusTooManyRequests:
		retryAfter := time.Duration(reply.RetryAfter * float64(time.Second))
		return nil, types.RateLimited(retryAfter, callErr)
	case reply.Status >= 500:
		return nil, types.Failure(types.KindTransient, callErr)
	case reply.Status >= 400:
		return nil, types.Failure(types.KindFatal, callErr)
	default:
		return nil, types.Failure(types.KindUnknown, callErr)
	}
}

// dropConn discards a connection after a transport error so the next call
// redials. Callers must hold b.mu.
func (b *Backend) dropConn() {
	if b.conn != nil {
		_ = b.conn.Close(websocket.StatusInternalError, "transport error")
		b.conn = nil
	}
}
