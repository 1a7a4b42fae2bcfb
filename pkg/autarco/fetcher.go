package autarco

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/raterudder/autarco-bridge/pkg/log"
	"github.com/raterudder/autarco-bridge/pkg/metrics"
	"github.com/raterudder/autarco-bridge/pkg/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

func (c *Client) fetch(ctx context.Context) (types.StatsRecord, error) {
	ctx, span := tracer.Start(ctx, "Client.fetch")
	defer span.End()
	span.SetAttributes(attribute.String("autarco.format", string(c.cfg.Format)))

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.fetchWithRetry(ctx)
	if err != nil {
		metrics.Fetches.WithLabelValues(resultLabel(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		log.Ctx(ctx).WarnContext(ctx, "failed to fetch autarco stats", slog.Any("error", err))
		return types.StatsRecord{}, err
	}

	rec = c.store(ctx, rec)
	metrics.Fetches.WithLabelValues(metrics.ResultOK).Inc()
	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched autarco stats",
		slog.Int("currentW", rec.CurrentW),
		slog.Int("totalKWh", rec.TotalKWh),
		slog.Time("lastUpdated", rec.LastUpdatedTime()),
	)
	return rec, nil
}

func (c *Client) fetchWithRetry(ctx context.Context) (types.StatsRecord, error) {
	var rejected error
	// we try up to 2 times because the session might have expired
	for i := 0; i < 2; i++ {
		sess, err := c.sessions.EnsureSession(ctx)
		if err != nil {
			return types.StatsRecord{}, err
		}

		rec, err := c.fetchStats(ctx, sess)
		if errors.Is(err, errUnauthorized) {
			log.Ctx(ctx).DebugContext(
				ctx,
				"autarco session rejected",
				slog.Any("error", err),
				slog.Int("attempt", i+1),
				slog.Duration("sessionAge", time.Since(sess.CreatedAt())),
			)
			c.sessions.Invalidate()
			rejected = err
			continue
		}
		if err != nil {
			return types.StatsRecord{}, err
		}
		return rec, nil
	}
	return types.StatsRecord{}, &FetchError{Kind: KindAuthRejected, Err: rejected}
}

func (c *Client) fetchStats(ctx context.Context, sess Session) (types.StatsRecord, error) {
	site := url.PathEscape(c.cfg.Credentials.SiteID)

	switch c.cfg.Format {
	case FormatHTML:
		body, err := c.get(ctx, sess, "/site/"+site, "text/html")
		if err != nil {
			return types.StatsRecord{}, err
		}
		// some pages render the login form instead of redirecting
		if hasLoginForm(body) {
			return types.StatsRecord{}, fmt.Errorf("%w: login form returned", errUnauthorized)
		}
		return parseHTML(body)
	default:
		power, err := c.get(ctx, sess, "/api/site/"+site+"/kpis/power", "application/json")
		if err != nil {
			return types.StatsRecord{}, err
		}
		energy, err := c.get(ctx, sess, "/api/site/"+site+"/kpis/energy", "application/json")
		if err != nil {
			return types.StatsRecord{}, err
		}
		return parseAPI(power, energy)
	}
}

func (c *Client) get(ctx context.Context, sess Session, path, accept string) ([]byte, error) {
	res, err := c.http.R().
		SetContext(ctx).
		SetCookies(sess.cookies).
		SetHeader("Accept", accept).
		Get(path)
	if err != nil {
		return nil, transportError(err)
	}

	code := res.StatusCode()
	switch {
	case code == http.StatusUnauthorized, code == statusPageExpired:
		return nil, fmt.Errorf("%w: %s returned status %d", errUnauthorized, path, code)
	case code >= 300 && code < 400 && isLoginLocation(res.Header().Get("Location")):
		return nil, fmt.Errorf("%w: %s redirected to login", errUnauthorized, path)
	case !res.IsSuccess():
		return nil, transportError(fmt.Errorf("%s returned status %d", path, code))
	}
	return res.Body(), nil
}

// store replaces the cached record. A record whose timestamp went backwards
// is still stored but flagged as suspect.
func (c *Client) store(ctx context.Context, rec types.StatsRecord) types.StatsRecord {
	if prev := c.latest.Load(); prev != nil && rec.LastUpdated < prev.LastUpdated {
		rec.Suspect = true
		metrics.SuspectRecords.Inc()
		log.Ctx(ctx).WarnContext(
			ctx,
			"autarco last_updated went backwards",
			slog.Time("previous", prev.LastUpdatedTime()),
			slog.Time("current", rec.LastUpdatedTime()),
		)
	}
	c.latest.Store(&rec)

	metrics.CurrentPower.Set(float64(rec.CurrentW))
	metrics.TotalEnergy.Set(float64(rec.TotalKWh))
	metrics.LastUpdated.Set(float64(rec.LastUpdated))
	return rec
}

func resultLabel(err error) string {
	var authErr *AuthError
	switch {
	case errors.As(err, &authErr):
		return metrics.ResultAuthError
	case errors.Is(err, ErrAuthRejected):
		return metrics.ResultAuthRejected
	case errors.Is(err, ErrParse):
		return metrics.ResultParseError
	default:
		return metrics.ResultTransportFail
	}
}
