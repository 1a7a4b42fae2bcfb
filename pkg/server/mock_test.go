package server

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/raterudder/autarco-bridge/pkg/log"
	"github.com/raterudder/autarco-bridge/pkg/types"
	"github.com/stretchr/testify/mock"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

type mockStats struct {
	mock.Mock
}

func (m *mockStats) Fetch(ctx context.Context) (types.StatsRecord, error) {
	args := m.Called(ctx)
	return args.Get(0).(types.StatsRecord), args.Error(1)
}

func (m *mockStats) Latest() (types.StatsRecord, bool) {
	args := m.Called()
	return args.Get(0).(types.StatsRecord), args.Bool(1)
}

// pollingStats counts fetches and caches after the first one.
type pollingStats struct {
	fetches atomic.Int64
	latest  atomic.Pointer[types.StatsRecord]
}

func (p *pollingStats) Fetch(ctx context.Context) (types.StatsRecord, error) {
	p.fetches.Add(1)
	rec := testRecord
	p.latest.Store(&rec)
	return rec, nil
}

func (p *pollingStats) Latest() (types.StatsRecord, bool) {
	rec := p.latest.Load()
	if rec == nil {
		return types.StatsRecord{}, false
	}
	return *rec, true
}

var testRecord = types.StatsRecord{CurrentW: 23, TotalKWh: 6159, LastUpdated: 1661194620}

// clock is a settable time source.
type clock struct {
	t time.Time
}

func (c *clock) now() time.Time {
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestServer(stats StatsSource) *Server {
	return &Server{
		stats:           stats,
		listenAddr:      "127.0.0.1:0",
		refreshInterval: time.Minute,
		serverName:      "autarco-bridge/test",
		now:             time.Now,
	}
}
