// Package autarco logs in to the My Autarco portal and fetches the current
// production statistics of a single site.
package autarco

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/go-resty/resty/v2"
	"github.com/raterudder/autarco-bridge/pkg/common"
	"github.com/raterudder/autarco-bridge/pkg/log"
	"github.com/raterudder/autarco-bridge/pkg/metrics"
	"github.com/raterudder/autarco-bridge/pkg/types"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("github.com/raterudder/autarco-bridge/pkg/autarco")

type sessionProvider interface {
	EnsureSession(ctx context.Context) (Session, error)
	Invalidate()
}

// Client is the process-wide bridge to the portal. It owns the session and the
// latest fetched record.
type Client struct {
	cfg      Config
	http     *resty.Client
	sessions sessionProvider

	// mu serializes the login-and-fetch sequence so only one upstream request
	// is ever in flight
	mu     sync.Mutex
	group  singleflight.Group
	latest atomic.Pointer[types.StatsRecord]
}

// New returns a Client for the given configuration.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{}
	c.init(cfg)
	return c, nil
}

func (c *Client) init(cfg Config) {
	c.cfg = cfg
	c.http = newRestyClient(cfg)
	c.sessions = newSessionManager(c.http, cfg.Credentials)
}

// SiteID returns the site being tracked.
func (c *Client) SiteID() string {
	return c.cfg.Credentials.SiteID
}

// Sessions returns the session manager.
func (c *Client) Sessions() *SessionManager {
	sm, _ := c.sessions.(*SessionManager)
	return sm
}

// Latest returns the most recently fetched record, if any.
func (c *Client) Latest() (types.StatsRecord, bool) {
	rec := c.latest.Load()
	if rec == nil {
		return types.StatsRecord{}, false
	}
	return *rec, true
}

// Fetch fetches the current statistics from upstream. Concurrent callers
// share a single in-flight fetch. The fetch keeps running if ctx is canceled
// so that the other callers, and the cache, still get its result.
func (c *Client) Fetch(ctx context.Context) (types.StatsRecord, error) {
	ch := c.group.DoChan("fetch", func() (any, error) {
		return c.fetch(context.WithoutCancel(ctx))
	})

	return awaitFetch(ctx, ch)
}

// awaitFetch waits for the shared fetch. A result that is already available
// wins over ctx ending at the same time.
func awaitFetch(ctx context.Context, ch <-chan singleflight.Result) (types.StatsRecord, error) {
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		select {
		case res = <-ch:
		default:
			return types.StatsRecord{}, transportError(ctx.Err())
		}
	}

	if res.Shared {
		log.Ctx(ctx).DebugContext(ctx, "shared in-flight autarco fetch")
	}
	if res.Err != nil {
		return types.StatsRecord{}, res.Err
	}
	return res.Val.(types.StatsRecord), nil
}

// newRestyClient builds on common.HTTPClient, which never follows redirects so
// a redirect to the login page stays visible.
func newRestyClient(cfg Config) *resty.Client {
	client := resty.NewWithClient(common.HTTPClient(cfg.Timeout))
	client.SetBaseURL(cfg.BaseURL)
	client.SetLogger(restyLogger{})
	client.OnAfterResponse(func(_ *resty.Client, res *resty.Response) error {
		metrics.UpstreamRequestDuration.
			WithLabelValues(res.Request.Method, strconv.Itoa(res.StatusCode())).
			Observe(res.Time().Seconds())
		ctx := res.Request.Context()
		log.Ctx(ctx).DebugContext(
			ctx,
			"autarco request",
			slog.String("method", res.Request.Method),
			slog.String("url", res.Request.URL),
			slog.Int("status", res.StatusCode()),
			slog.Duration("duration", res.Time()),
		)
		return nil
	})
	return client
}

// restyLogger sends resty's own warnings through slog.
type restyLogger struct{}

func (restyLogger) Errorf(format string, v ...any) {
	log.Ctx(context.Background()).Error(fmt.Sprintf(format, v...), slog.String("component", "resty"))
}

func (restyLogger) Warnf(format string, v ...any) {
	log.Ctx(context.Background()).Warn(fmt.Sprintf(format, v...), slog.String("component", "resty"))
}

func (restyLogger) Debugf(format string, v ...any) {
	log.Ctx(context.Background()).Debug(fmt.Sprintf(format, v...), slog.String("component", "resty"))
}
