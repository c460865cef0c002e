package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/owui/gateway-core/internal/agent"
	"github.com/owui/gateway-core/internal/filerecall"
	"github.com/owui/gateway-core/internal/memory"
	"github.com/owui/gateway-core/internal/metrics"
	"github.com/owui/gateway-core/internal/sandbox"
	"github.com/owui/gateway-core/internal/shaper"
)

// Deps bundles the managers and shared state a Server dispatches requests
// against. All of them are built and owned by the caller (cmd/gateway);
// Server never constructs its own.
type Deps struct {
	Registry *agent.Registry

	// ShaperConfig bounds the per-request Conversation Shaper built in
	// handleChat. The Shaper itself cannot be built once at server
	// construction time: its auto-compaction summarizer wraps the
	// request's own resolved Provider, and upstream credentials only
	// ever arrive per-request.
	ShaperConfig shaper.Config

	Sandbox    *sandbox.Manager // nil disables the sandbox tool category entirely
	FileRecall *filerecall.Manager
	Memory     *memory.Manager
	Metrics    *metrics.Manager

	Logger *slog.Logger

	// APISecretKey gates the File Recall admin endpoints. An empty value
	// disables the check, for local development only.
	APISecretKey string

	// AllowedInstances is the IP allow-list applied to POST /api/v1/chat.
	// An empty list disables the check.
	AllowedInstances []string

	MaxToolIterations int

	// ToolCallTimeout bounds a single dispatched tool call. Zero falls
	// back to the dispatcher's own default.
	ToolCallTimeout time.Duration

	// RequestTimeout is the top-level watchdog for one /api/v1/chat call,
	// covering every iteration of the Dispatch Loop. Zero falls back to
	// 10 minutes.
	RequestTimeout time.Duration
}

// Server is the gateway's HTTP front door: the chat endpoint, the File
// Recall admin/tenant surface, and the Prometheus exposition endpoint.
type Server struct {
	deps       Deps
	dispatcher *agent.Dispatcher
	handler    http.Handler
	server     *http.Server
	listener   net.Listener
}

// NewServer builds the mux and wraps it with the shared middleware chain.
func NewServer(deps Deps) *Server {
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 10 * time.Minute
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	s := &Server{
		deps:       deps,
		dispatcher: agent.NewDispatcher(deps.Registry, deps.Metrics, nil, deps.ToolCallTimeout),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", deps.Metrics.Handler())

	chatHandler := chain(http.HandlerFunc(s.handleChat), ipAllowListMiddleware(deps.AllowedInstances))
	mux.Handle("POST /api/v1/chat", chatHandler)

	adminOnly := func(h http.HandlerFunc) http.Handler {
		return chain(h, adminAuthMiddleware(deps.APISecretKey))
	}
	mux.Handle("POST /api/v1/file-recall/instances", adminOnly(s.handleCreateTenant))
	mux.Handle("GET /api/v1/file-recall/instances/{id}", adminOnly(s.handleGetTenant))
	mux.Handle("PUT /api/v1/file-recall/instances/{id}", adminOnly(s.handleUpdateTenant))
	mux.Handle("DELETE /api/v1/file-recall/instances/{id}", adminOnly(s.handleDeleteTenant))

	mux.HandleFunc("POST /api/v1/file-recall/upload", s.handleTenantUpload)
	mux.HandleFunc("GET /api/v1/file-recall/documents", s.handleTenantListDocuments)
	mux.HandleFunc("DELETE /api/v1/file-recall/documents/{id}", s.handleTenantDeleteDocument)

	s.handler = chain(mux, loggingMiddleware(deps.Logger))
	return s
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Serve binds addr and runs the server until ctx is cancelled, then shuts
// down gracefully with a 5-second deadline, mirroring the teacher's
// gateway.http_server Serve/Shutdown pattern.
func (s *Server) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Handler exposes the wrapped mux for use with httptest.
func (s *Server) Handler() http.Handler { return s.handler }
