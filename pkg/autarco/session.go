package autarco

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"github.com/raterudder/autarco-bridge/pkg/log"
	"github.com/raterudder/autarco-bridge/pkg/metrics"
	"github.com/raterudder/autarco-bridge/pkg/types"
	"go.opentelemetry.io/otel/codes"
)

const loginPath = "/auth/login"

// Session is the cookie material returned by a successful login.
type Session struct {
	cookies   []*http.Cookie
	valid     bool
	createdAt time.Time
}

// Valid returns false once the session has been rejected upstream.
func (s Session) Valid() bool {
	return s.valid
}

// CreatedAt returns when the login that produced this session happened.
func (s Session) CreatedAt() time.Time {
	return s.createdAt
}

// SessionManager owns the single authenticated session with the portal.
// There is no local expiry: a session is used until a data request is
// rejected, at which point Invalidate is called and the next EnsureSession
// logs in again.
type SessionManager struct {
	http  *resty.Client
	creds types.Credentials

	mu      sync.Mutex
	session *Session
	logins  atomic.Int64
}

func newSessionManager(client *resty.Client, creds types.Credentials) *SessionManager {
	return &SessionManager{
		http:  client,
		creds: creds,
	}
}

// EnsureSession returns the current session, logging in first if there is no
// session or it was invalidated. A failed login is returned as an *AuthError
// and is not retried.
func (m *SessionManager) EnsureSession(ctx context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil && m.session.valid {
		return *m.session, nil
	}

	s, err := m.login(ctx)
	if err != nil {
		return Session{}, err
	}
	m.session = &s
	return s, nil
}

// Invalidate marks the current session as rejected. It is safe to call any
// number of times and never performs network activity.
func (m *SessionManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil || !m.session.valid {
		return
	}
	m.session.valid = false
	metrics.SessionInvalidations.Inc()
}

// Valid returns true if a session exists and has not been invalidated.
func (m *SessionManager) Valid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil && m.session.valid
}

// Logins returns the number of login attempts made so far.
func (m *SessionManager) Logins() int64 {
	return m.logins.Load()
}

func (m *SessionManager) login(ctx context.Context) (Session, error) {
	ctx, span := tracer.Start(ctx, "SessionManager.login")
	defer span.End()

	m.logins.Add(1)
	log.Ctx(ctx).DebugContext(ctx, "logging in to autarco", slog.Any("credentials", m.creds))

	s, err := m.submitLogin(ctx)
	if err != nil {
		result := metrics.ResultError
		if errors.Is(err, ErrLoginRejected) {
			result = metrics.ResultRejected
		}
		metrics.Logins.WithLabelValues(result).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "login failed")
		log.Ctx(ctx).ErrorContext(ctx, "autarco login failed", slog.Any("error", err))
		return Session{}, &AuthError{Err: err}
	}

	metrics.Logins.WithLabelValues(metrics.ResultOK).Inc()
	log.Ctx(ctx).DebugContext(ctx, "autarco login success", slog.String("username", m.creds.Username))
	return s, nil
}

// submitLogin loads the login page to pick up the CSRF token and the cookies
// it is bound to, then posts the credentials.
func (m *SessionManager) submitLogin(ctx context.Context) (Session, error) {
	if err := m.creds.Validate(); err != nil {
		return Session{}, err
	}

	res, err := m.http.R().
		SetContext(ctx).
		Get(loginPath)
	if err != nil {
		return Session{}, fmt.Errorf("failed to load login page: %w", err)
	}
	if !res.IsSuccess() {
		return Session{}, fmt.Errorf("login page returned status %d", res.StatusCode())
	}
	cookies := mergeCookies(nil, res.Cookies())
	token := csrfToken(res.Body())

	form := map[string]string{
		"username": m.creds.Username,
		"password": m.creds.Password,
	}
	req := m.http.R().
		SetContext(ctx).
		SetCookies(cookies)
	if token != "" {
		form["_token"] = token
		req.SetHeader("X-CSRF-TOKEN", token)
	}
	res, err = req.SetFormData(form).Post(loginPath)
	if err != nil {
		return Session{}, fmt.Errorf("failed to submit login: %w", err)
	}

	switch code := res.StatusCode(); {
	case code == http.StatusUnauthorized,
		code == http.StatusForbidden,
		code == statusPageExpired,
		code == http.StatusUnprocessableEntity:
		return Session{}, fmt.Errorf("%w: status %d", ErrLoginRejected, code)
	case code >= 300 && code < 400:
		if isLoginLocation(res.Header().Get("Location")) {
			return Session{}, fmt.Errorf("%w: redirected back to login", ErrLoginRejected)
		}
	case code >= 200 && code < 300:
		if hasLoginForm(res.Body()) {
			return Session{}, fmt.Errorf("%w: login form returned", ErrLoginRejected)
		}
	default:
		return Session{}, fmt.Errorf("unexpected login status %d", code)
	}

	cookies = mergeCookies(cookies, res.Cookies())
	if len(cookies) == 0 {
		return Session{}, errors.New("no session cookie returned")
	}
	return Session{
		cookies:   cookies,
		valid:     true,
		createdAt: time.Now(),
	}, nil
}

// statusPageExpired is what Laravel returns for an expired CSRF token or
// session.
const statusPageExpired = 419

func csrfToken(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	if token := doc.Find("input[name=_token]").AttrOr("value", ""); token != "" {
		return token
	}
	return doc.Find("meta[name=csrf-token]").AttrOr("content", "")
}

func hasLoginForm(body []byte) bool {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	return doc.Find("input[type=password], input[name=password]").Length() > 0
}

func isLoginLocation(location string) bool {
	if location == "" {
		return false
	}
	u, err := url.Parse(location)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.TrimSuffix(u.Path, "/"), loginPath)
}

// mergeCookies applies updates on top of existing, replacing cookies with the
// same name and dropping ones the server deleted.
func mergeCookies(existing, updates []*http.Cookie) []*http.Cookie {
	merged := make([]*http.Cookie, 0, len(existing)+len(updates))
	index := make(map[string]int, len(existing)+len(updates))
	for _, c := range append(append([]*http.Cookie{}, existing...), updates...) {
		if i, ok := index[c.Name]; ok {
			merged[i] = c
			continue
		}
		index[c.Name] = len(merged)
		merged = append(merged, c)
	}

	out := merged[:0]
	for _, c := range merged {
		if c.MaxAge < 0 || c.Value == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}
