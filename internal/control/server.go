// Package control serves the operator HTTP surface: health, metrics,
// read-only views of the ledger and registry, and command submission.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coldbell/swapmirror/internal/config"
	"github.com/coldbell/swapmirror/internal/domain"
	"github.com/coldbell/swapmirror/internal/ledger"
	"github.com/coldbell/swapmirror/internal/logging"
	"github.com/gagliardetto/solana-go"
)

const (
	readTimeout    = 5 * time.Second
	writeTimeout   = 10 * time.Second
	idleTimeout    = 60 * time.Second
	commandTimeout = 2 * time.Second
)

type Config struct {
	ListenAddr      string
	ReadinessWindow int
	MaxFailureRatio float64
}

func ConfigFrom(cfg config.MirrorConfig) Config {
	return Config{
		ListenAddr:      cfg.ControlListenAddr,
		ReadinessWindow: cfg.ReadinessWindow,
		MaxFailureRatio: cfg.ReadinessMaxFailureRatio,
	}
}

type Ledger interface {
	Select(q ledger.Query) []domain.Outcome
	FailureRatio(window int) float64
}

type Registry interface {
	Snapshot(leader solana.PublicKey) domain.LeaderState
	Snapshots() []domain.LeaderState
}

// Deps are the read-only views and the command channel the server uses.
// It never holds the engine or the signing key.
type Deps struct {
	Ledger   Ledger
	Registry Registry
	Commands chan<- domain.Command
	Halted   func() bool
	Metrics  http.Handler
}

type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if deps.Halted == nil {
		deps.Halted = func() bool { return false }
	}
	if deps.Metrics == nil {
		deps.Metrics = http.NotFoundHandler()
	}
	return &Server{cfg: cfg, deps: deps, logger: logging.Component(logger, "control")}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", s.deps.Metrics)
	mux.HandleFunc("/v1/outcomes", s.handleOutcomes)
	mux.HandleFunc("/v1/leaders", s.handleLeaders)
	mux.HandleFunc("/v1/halt", s.handleHalt)
	mux.HandleFunc("/v1/fixed-amount", s.handleFixedAmount)
	mux.HandleFunc("/v1/manual-swap", s.handleManualSwap)
	return mux
}

// Run serves until ctx is cancelled. An empty listen address disables the
// surface.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.ListenAddr == "" {
		<-ctx.Done()
		return nil
	}

	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	s.logger.Info("control server started", "listen_addr", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.logger.Info("control server stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown control server: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}
