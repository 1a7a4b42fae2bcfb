// Package server exposes the latest Autarco statistics over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/autarco-bridge/pkg/common"
	"github.com/raterudder/autarco-bridge/pkg/log"
	"github.com/raterudder/autarco-bridge/pkg/metrics"
	"github.com/raterudder/autarco-bridge/pkg/types"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// StatsSource fetches and caches statistics. It is implemented by
// *autarco.Client.
type StatsSource interface {
	Fetch(ctx context.Context) (types.StatsRecord, error)
	Latest() (types.StatsRecord, bool)
}

// tokenVerifier validates an OIDC ID token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// Server handles the HTTP API.
type Server struct {
	stats StatsSource

	listenAddr      string
	refreshInterval time.Duration
	pollInterval    time.Duration
	verifier        tokenVerifier
	serverName      string
	httpServer      *http.Server

	// lastFetch is when a request-driven fetch last succeeded
	mu        sync.Mutex
	lastFetch time.Time
	now       func() time.Time
}

// Configured registers the server flags. The returned Server is usable once
// flags are parsed.
func Configured(stats StatsSource) *Server {
	srv := &Server{
		stats:      stats,
		serverName: "autarco-bridge/" + common.Version(),
		now:        time.Now,
	}
	revision := os.Getenv("K_REVISION")
	if revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	refreshInterval := lflag.Duration("refresh-interval", time.Minute, "Serve cached stats if they were fetched within this interval (0 always fetches)")
	pollInterval := lflag.Duration("poll-interval", 0, "Fetch stats in the background on this interval and only serve the cache (0 disables)")
	oidcIssuer := lflag.String("oidc-issuer", "https://accounts.google.com", "Issuer of the ID tokens accepted on /")
	oidcAudience := lflag.String("oidc-audience", "", "Audience to require in a bearer ID token on / (empty disables auth)")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.refreshInterval = *refreshInterval
		srv.pollInterval = *pollInterval
		if err := srv.Validate(); err != nil {
			panic(fmt.Sprintf("server validation failed: %v", err))
		}
		if *oidcAudience != "" {
			provider, err := oidc.NewProvider(context.Background(), *oidcIssuer)
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize OIDC provider", slog.String("issuer", *oidcIssuer), slog.Any("error", err))
				os.Exit(1)
			}
			srv.verifier = provider.Verifier(&oidc.Config{ClientID: *oidcAudience}).Verify
		}
	})

	return srv
}

// Validate checks the intervals.
func (s *Server) Validate() error {
	if s.listenAddr == "" {
		return errors.New("listen address is required")
	}
	if s.refreshInterval < 0 {
		return errors.New("refresh-interval must not be negative")
	}
	if s.pollInterval < 0 {
		return errors.New("poll-interval must not be negative")
	}
	return nil
}

func (s *Server) setupHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /{$}", s.authMiddleware(http.HandlerFunc(s.handleStats)))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())
	return otelhttp.NewHandler(
		s.revisionMiddleware(s.requestMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))),
		"autarco-bridge",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/healthz" && r.URL.Path != "/metrics"
		}),
	)
}

// Run starts the HTTP server, and the poller if enabled, and blocks until the
// context is canceled or an error occurs.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	pollCtx, stopPoll := context.WithCancel(ctx)
	defer stopPoll()
	if s.pollInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.poll(pollCtx)
		}()
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}
