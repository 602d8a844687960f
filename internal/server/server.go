package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danshapiro/verdict/internal/archive"
	"github.com/danshapiro/verdict/internal/pipeline/engine"
)

// History lists archived runs. *archive.Store satisfies it.
type History interface {
	List(ctx context.Context, limit int) ([]archive.Entry, error)
}

// Config holds server configuration.
type Config struct {
	Addr      string // listen address, e.g. "127.0.0.1:8080"
	UploadDir string // where POST /documents stores uploaded files
	History   History
	Logger    *log.Logger
}

// Server is the HTTP host for one pipeline controller.
type Server struct {
	config  Config
	ctl     *engine.Controller
	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
	logger  *log.Logger
}

// New creates a Server driving ctl.
func New(cfg Config, ctl *engine.Controller) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[verdict-server] ", log.LstdFlags)
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = "uploads"
	}
	s := &Server{
		config:  cfg,
		ctl:     ctl,
		baseCtx: ctx,
		cancel:  cancel,
		logger:  logger,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /documents", s.handleUploadDocument)
	mux.HandleFunc("POST /runs", s.handleStartRun)
	mux.HandleFunc("GET /runs/current", s.handleCurrentRun)
	mux.HandleFunc("POST /runs/current/cancel", s.handleCancelRun)
	mux.HandleFunc("GET /runs/history", s.handleHistory)
	mux.HandleFunc("GET /approvals/pending", s.handlePendingApproval)
	mux.HandleFunc("POST /approvals/{id}", s.handleSubmitDecision)
	mux.HandleFunc("GET /events", s.handleEvents)

	s.httpSrv = &http.Server{
		Handler:      csrfProtect(mux, cfg.Addr),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	return s
}

// Handler exposes the routed handler, CSRF guard included.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Printf("received %s, shutting down...", sig)
			s.Shutdown()
		case <-s.baseCtx.Done():
		}
	}()

	s.logger.Printf("listening on %s", s.config.Addr)
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// csrfProtect rejects cross-origin POST requests. Browsers set Origin on
// cross-origin requests; CLI callers omit it or send a localhost origin.
func csrfProtect(next http.Handler, _ string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					http.Error(w, `{"error":"invalid Origin header"}`, http.StatusForbidden)
					return
				}
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					http.Error(w, `{"error":"cross-origin request blocked"}`, http.StatusForbidden)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown cancels the active run, ends every event stream and stops the
// HTTP server.
func (s *Server) Shutdown() {
	if s.ctl.Cancel("server shutting down") {
		waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.ctl.Wait(waitCtx); err != nil {
			s.logger.Printf("run did not stop before shutdown: %v", err)
		}
		waitCancel()
	}
	s.ctl.Events().Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)

	s.cancel()
}
