package autarco

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raterudder/autarco-bridge/pkg/log"
	"github.com/raterudder/autarco-bridge/pkg/types"
	"github.com/stretchr/testify/require"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

const (
	testUsername = "user@example.com"
	testPassword = "hunter2"
	testSiteID   = "site-1"
	testCSRF     = "csrf-abc"
)

const loginPage = `<html><head><meta name="csrf-token" content="csrf-abc"></head>
<body><form method="post" action="/auth/login">
<input type="hidden" name="_token" value="csrf-abc">
<input name="username"><input type="password" name="password">
</form></body></html>`

// rejection is a way the portal tells a data request its session expired.
type rejection int

const (
	rejectNone rejection = iota
	rejectPageExpired
	rejectRedirect
	rejectLoginForm
)

// fakeAutarco is a minimal stand-in for the My Autarco portal.
type fakeAutarco struct {
	t      *testing.T
	server *httptest.Server

	mu sync.Mutex
	// sessions holds the session cookie values that are currently accepted
	sessions   map[string]bool
	power      string
	energy     string
	dashboard  string
	dataStatus int
	// rejectData makes every data request look like an expired session
	rejectData bool
	// rejectNext answers only the next data request with the given expired
	// session signal
	rejectNext rejection
	// dataDelay blocks data requests to widen race windows
	dataDelay time.Duration

	loginPageHits atomic.Int64
	loginPosts    atomic.Int64
	dataRequests  atomic.Int64
	inFlight      atomic.Int64
	maxInFlight   atomic.Int64
	sessionSeq    atomic.Int64
}

func newFakeAutarco(t *testing.T) *fakeAutarco {
	f := &fakeAutarco{
		t:         t,
		sessions:  map[string]bool{},
		power:     `{"pv_now": 23, "last_updated": 1661194620}`,
		energy:    `{"pv_to_date": 6159}`,
		dashboard: `<html><body><h2 id="pv-now"><b>23 W</b></h2><h2 id="pv-to-date"><b>6,159 kWh</b></h2><span id="last-updated" data-timestamp="1661194620">20:57</span></body></html>`,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth/login", f.handleLoginPage)
	mux.HandleFunc("POST /auth/login", f.handleLogin)
	mux.HandleFunc("GET /api/site/{site}/kpis/power", f.data(func() string { return f.power }))
	mux.HandleFunc("GET /api/site/{site}/kpis/energy", f.data(func() string { return f.energy }))
	mux.HandleFunc("GET /site/{site}", f.data(func() string { return f.dashboard }))
	f.server = httptest.NewServer(f.track(mux))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeAutarco) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := f.inFlight.Add(1)
		defer f.inFlight.Add(-1)
		for {
			peak := f.maxInFlight.Load()
			if n <= peak || f.maxInFlight.CompareAndSwap(peak, n) {
				break
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (f *fakeAutarco) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	f.loginPageHits.Add(1)
	http.SetCookie(w, &http.Cookie{Name: "XSRF-TOKEN", Value: "xsrf", Path: "/"})
	w.Header().Set("Content-Type", "text/html")
	_, _ = w.Write([]byte(loginPage))
}

func (f *fakeAutarco) handleLogin(w http.ResponseWriter, r *http.Request) {
	f.loginPosts.Add(1)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	if r.Form.Get("_token") != testCSRF {
		w.WriteHeader(statusPageExpired)
		return
	}
	if r.Form.Get("username") != testUsername || r.Form.Get("password") != testPassword {
		http.Redirect(w, r, "/auth/login", http.StatusFound)
		return
	}

	id := fmt.Sprintf("session-%d", f.sessionSeq.Add(1))
	f.mu.Lock()
	f.sessions[id] = true
	f.mu.Unlock()
	http.SetCookie(w, &http.Cookie{Name: "autarco_session", Value: id, Path: "/", HttpOnly: true})
	http.Redirect(w, r, "/", http.StatusFound)
}

func (f *fakeAutarco) data(body func() string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.dataRequests.Add(1)
		f.mu.Lock()
		delay := f.dataDelay
		reject := f.rejectData
		status := f.dataStatus
		next := f.rejectNext
		f.rejectNext = rejectNone
		f.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}

		if r.PathValue("site") != testSiteID {
			http.NotFound(w, r)
			return
		}
		c, err := r.Cookie("autarco_session")
		f.mu.Lock()
		ok := err == nil && f.sessions[c.Value]
		f.mu.Unlock()
		if !ok || reject {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"Unauthenticated."}`))
			return
		}
		switch next {
		case rejectPageExpired:
			w.WriteHeader(statusPageExpired)
			return
		case rejectRedirect:
			http.Redirect(w, r, "/auth/login", http.StatusFound)
			return
		case rejectLoginForm:
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte(loginPage))
			return
		}
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		f.mu.Lock()
		b := body()
		f.mu.Unlock()
		_, _ = w.Write([]byte(b))
	}
}

// expireSessions forgets every session as if they timed out upstream.
func (f *fakeAutarco) expireSessions() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = map[string]bool{}
}

func (f *fakeAutarco) set(fn func(f *fakeAutarco)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeAutarco) config() Config {
	return Config{
		BaseURL: f.server.URL,
		Format:  FormatAPI,
		Timeout: 5 * time.Second,
		Credentials: types.Credentials{
			Username: testUsername,
			Password: testPassword,
			SiteID:   testSiteID,
		},
	}
}

func (f *fakeAutarco) client(fns ...func(*Config)) *Client {
	cfg := f.config()
	for _, fn := range fns {
		fn(&cfg)
	}
	c, err := New(cfg)
	require.NoError(f.t, err)
	return c
}
