package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/raterudder/autarco-bridge/pkg/autarco"
	"github.com/raterudder/autarco-bridge/pkg/log"
	"github.com/raterudder/autarco-bridge/pkg/types"
)

const suspectHeader = "X-Stats-Suspect"

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rec, err := s.currentStats(ctx)
	if err != nil {
		code, msg := errorStatus(err)
		if code >= http.StatusInternalServerError {
			log.Ctx(ctx).ErrorContext(ctx, "failed to get stats", slog.Any("error", err), slog.Int("status", code))
		}
		writeJSONError(w, msg, code)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if rec.Suspect {
		w.Header().Set(suspectHeader, "true")
	}
	if err := json.NewEncoder(w).Encode(rec); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to write stats response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

var errNoStats = errors.New("no stats fetched yet")

// currentStats serves from the cache while it is fresh and fetches otherwise.
// When polling, only the cache is ever used.
func (s *Server) currentStats(ctx context.Context) (types.StatsRecord, error) {
	if s.pollInterval > 0 {
		rec, ok := s.stats.Latest()
		if !ok {
			return types.StatsRecord{}, errNoStats
		}
		return rec, nil
	}

	if s.refreshInterval > 0 {
		s.mu.Lock()
		fresh := !s.lastFetch.IsZero() && s.now().Sub(s.lastFetch) < s.refreshInterval
		s.mu.Unlock()
		if fresh {
			if rec, ok := s.stats.Latest(); ok {
				log.Ctx(ctx).DebugContext(ctx, "serving cached stats")
				return rec, nil
			}
		}
	}

	rec, err := s.stats.Fetch(ctx)
	if err != nil {
		return types.StatsRecord{}, err
	}
	s.mu.Lock()
	s.lastFetch = s.now()
	s.mu.Unlock()
	return rec, nil
}

// errorStatus maps a fetch error to a status code and message for the caller.
func errorStatus(err error) (int, string) {
	var authErr *autarco.AuthError
	var fetchErr *autarco.FetchError
	switch {
	case errors.Is(err, errNoStats):
		return http.StatusNotFound, err.Error()
	case errors.As(err, &authErr):
		if errors.Is(err, autarco.ErrLoginRejected) {
			return http.StatusBadGateway, "upstream rejected the credentials"
		}
		return http.StatusBadGateway, "failed to log in upstream"
	case errors.As(err, &fetchErr):
		switch fetchErr.Kind {
		case autarco.KindAuthRejected:
			return http.StatusServiceUnavailable, "upstream rejected the session"
		case autarco.KindParse:
			return http.StatusBadGateway, "failed to parse upstream response"
		default:
			if fetchErr.Timeout() {
				return http.StatusGatewayTimeout, "upstream timed out"
			}
			return http.StatusBadGateway, "upstream request failed"
		}
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// poll fetches on the poll interval until ctx is done.
func (s *Server) poll(ctx context.Context) {
	ctx = log.WithAttrs(ctx, slog.String("component", "poller"))
	log.Ctx(ctx).InfoContext(ctx, "starting poller", slog.Duration("interval", s.pollInterval))

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		if _, err := s.stats.Fetch(ctx); err != nil && ctx.Err() == nil {
			log.Ctx(ctx).WarnContext(ctx, "poll failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
