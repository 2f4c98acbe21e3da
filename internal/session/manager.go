package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// ErrAuth is the sentinel wrapped by every AuthError.
var ErrAuth = errors.New("authentication failed")

// AuthError reports missing credentials or a login that never reached the authenticated state.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "auth: " + e.Reason }

func (e *AuthError) Unwrap() error { return ErrAuth }

// Options configure the target site and login behaviour.
type Options struct {
	BaseURL    string
	LoginPath  string
	Username   string
	Password   string
	CookieTTL  time.Duration
	NavTimeout time.Duration
}

// Launcher starts a browser and returns it with a cleanup func that releases the process.
type Launcher func(ctx context.Context) (*rod.Browser, func(), error)

// ChromeLauncher launches a local Chromium through rod's launcher.
func ChromeLauncher(bin string, headless bool) Launcher {
	return func(ctx context.Context) (*rod.Browser, func(), error) {
		l := launcher.New().Context(ctx).Headless(headless).NoSandbox(true)
		if bin != "" {
			l = l.Bin(bin)
		}
		controlURL, err := l.Launch()
		if err != nil {
			return nil, nil, fmt.Errorf("launch chromium: %w", err)
		}
		browser := rod.New().ControlURL(controlURL).Context(ctx)
		if err := browser.Connect(); err != nil {
			l.Kill()
			return nil, nil, fmt.Errorf("connect chromium: %w", err)
		}
		return browser, func() {
			l.Kill()
			l.Cleanup()
		}, nil
	}
}

// Manager acquires authenticated browser sessions. Cookie sets survive between invocations in
// the CookieStore; the browser itself never does.
type Manager struct {
	opts    Options
	cookies CookieStore
	launch  Launcher
	now     func() time.Time
}

func NewManager(opts Options, cookies CookieStore, launch Launcher) *Manager {
	if opts.NavTimeout == 0 {
		opts.NavTimeout = 30 * time.Second
	}
	if opts.LoginPath == "" {
		opts.LoginPath = "/login"
	}
	return &Manager{opts: opts, cookies: cookies, launch: launch, now: time.Now}
}

// Session is one exclusively owned browser with its working page.
type Session struct {
	Browser *rod.Browser
	Page    *rod.Page
	BaseURL string

	mgr     *Manager
	cleanup func()
	closed  bool
	// loggedInAt is when the cookie set in this browser was obtained by a login.
	loggedInAt time.Time
}

// Acquire launches a browser and makes sure it is logged in, restoring saved cookies first.
func (m *Manager) Acquire(ctx context.Context) (*Session, error) {
	if m.opts.Username == "" || m.opts.Password == "" {
		return nil, &AuthError{Reason: "site credentials are not configured"}
	}

	browser, cleanup, err := m.launch(ctx)
	if err != nil {
		return nil, err
	}
	s := &Session{Browser: browser, BaseURL: m.opts.BaseURL, mgr: m, cleanup: cleanup}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		s.shutdown()
		return nil, fmt.Errorf("open page: %w", err)
	}
	s.Page = page.Context(ctx)

	if savedAt, ok := m.restoreCookies(ctx, browser); ok {
		if err := s.Navigate(ctx, m.opts.BaseURL); err == nil && isAuthenticated(s.Page) {
			s.loggedInAt = savedAt
			slog.InfoContext(ctx, "session restored from cookies", "saved_at", savedAt)
			return s, nil
		}
		slog.InfoContext(ctx, "saved cookies no longer authenticate, logging in")
	}

	if err := m.login(ctx, s); err != nil {
		s.shutdown()
		return nil, err
	}
	s.loggedInAt = m.now()
	if err := m.saveCookies(ctx, browser, s.loggedInAt); err != nil {
		slog.WarnContext(ctx, "persist cookies after login failed", "error", err)
	}
	slog.InfoContext(ctx, "session logged in")
	return s, nil
}

// Navigate loads target (absolute or relative to the site root) and waits for the load event.
func (s *Session) Navigate(ctx context.Context, target string) error {
	u, err := s.Resolve(target)
	if err != nil {
		return err
	}
	p := s.Page.Context(ctx).Timeout(s.mgr.opts.NavTimeout)
	if err := p.Navigate(u); err != nil {
		return fmt.Errorf("navigate %s: %w", u, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", u, err)
	}
	return nil
}

// Resolve turns a site-relative path into an absolute URL.
func (s *Session) Resolve(target string) (string, error) {
	base, err := url.Parse(s.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", target, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// NavTimeout is the per-navigation deadline.
func (s *Session) NavTimeout() time.Duration {
	return s.mgr.opts.NavTimeout
}

// Close flushes the current cookie set and tears the browser down. It runs even when ctx is
// already done and is safe to call twice.
func (s *Session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	teardown, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()

	flushErr := s.mgr.saveCookies(teardown, s.Browser.Context(teardown), s.loggedInAt)
	s.shutdownWith(teardown)
	if flushErr != nil {
		return fmt.Errorf("flush cookies: %w", flushErr)
	}
	return nil
}

const closeTimeout = 10 * time.Second

func (s *Session) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	s.shutdownWith(ctx)
}

func (s *Session) shutdownWith(ctx context.Context) {
	if s.closed {
		return
	}
	s.closed = true
	if s.Browser != nil {
		_ = s.Browser.Context(ctx).Close()
	}
	if s.cleanup != nil {
		s.cleanup()
	}
}

func (m *Manager) cookieKey() string {
	host := m.opts.BaseURL
	if u, err := url.Parse(m.opts.BaseURL); err == nil && u.Host != "" {
		host = u.Host
	}
	return host + ":" + m.opts.Username
}

// restoreCookies loads a fresh saved set into browser and returns the time of its login.
func (m *Manager) restoreCookies(ctx context.Context, browser *rod.Browser) (time.Time, bool) {
	saved, ok, err := m.cookies.Load(ctx, m.cookieKey())
	if err != nil {
		slog.WarnContext(ctx, "load saved cookies failed", "error", err)
		return time.Time{}, false
	}
	if !ok || !saved.Fresh(m.now(), m.opts.CookieTTL) {
		return time.Time{}, false
	}
	if err := browser.SetCookies(proto.CookiesToParams(saved.Cookies)); err != nil {
		slog.WarnContext(ctx, "restore cookies failed", "error", err)
		return time.Time{}, false
	}
	return saved.SavedAt, true
}

func (m *Manager) saveCookies(ctx context.Context, browser *rod.Browser, loggedInAt time.Time) error {
	cookies, err := browser.GetCookies()
	if err != nil {
		return err
	}
	return m.persistCookies(ctx, cookies, loggedInAt)
}

// persistCookies stamps the set with its login time, so COOKIE_TTL bounds the age of a login
// and not the time since the last flush. Sets already past the TTL are not written.
func (m *Manager) persistCookies(ctx context.Context, cookies []*proto.NetworkCookie, loggedInAt time.Time) error {
	if len(cookies) == 0 || loggedInAt.IsZero() {
		return nil
	}
	remaining := m.opts.CookieTTL - m.now().Sub(loggedInAt)
	if remaining <= 0 {
		return nil
	}
	return m.cookies.Save(ctx, m.cookieKey(), SavedCookies{Cookies: cookies, SavedAt: loggedInAt}, remaining)
}
