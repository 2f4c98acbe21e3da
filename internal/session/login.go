package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"

	"pricestat/internal/strategy"
)

// Candidate selectors, most specific first. The login UI is not contractually stable.
var (
	logoutSelectors = []string{
		`a[href*="logout"]`,
		`a[href*="exit"]`,
		`[data-action="logout"]`,
		`.logout`,
		`form[action*="logout"]`,
	}
	logoutText = `/выход|выйти|logout|sign ?out/i`

	usernameSelectors = []string{
		`input[name="login"]`,
		`input[name="username"]`,
		`input[name="email"]`,
		`input[type="email"]`,
		`input[autocomplete="username"]`,
		`form input[type="text"]`,
	}
	passwordSelectors = []string{
		`input[name="password"]`,
		`input[type="password"]`,
	}
	submitSelectors = []string{
		`button[type="submit"]`,
		`input[type="submit"]`,
		`.login-form button`,
		`form button.btn-primary`,
	}
	panelButtons = `form button, .modal button, [class*="login"] button, [class*="auth"] button`
	panelText    = `/войти|вход|log ?in|sign ?in/i`

	authPollInterval = 500 * time.Millisecond
)

// isAuthenticated looks for a logout control in the current document.
func isAuthenticated(page *rod.Page) bool {
	for _, sel := range logoutSelectors {
		if has, _, err := page.Has(sel); err == nil && has {
			return true
		}
	}
	has, _, err := page.HasR("a, button", logoutText)
	return err == nil && has
}

// waitAuthenticated polls the marker until it appears or timeout passes.
func waitAuthenticated(ctx context.Context, page *rod.Page, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if isAuthenticated(page) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(authPollInterval):
		}
	}
}

func firstElement(page *rod.Page, scope string, selectors []string) (*rod.Element, error) {
	var found []strategy.Strategy[*rod.Element]
	for _, sel := range selectors {
		found = append(found, strategy.Strategy[*rod.Element]{
			Name: sel,
			Try: func(context.Context) (*rod.Element, strategy.Outcome, error) {
				has, el, err := page.Has(sel)
				if err != nil || !has {
					return nil, strategy.NotFound, err
				}
				return el, strategy.Found, nil
			},
		})
	}
	res, err := strategy.First(page.GetContext(), scope, found...)
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

func fill(el *rod.Element, text string) error {
	if err := el.SelectAllText(); err != nil {
		return err
	}
	return el.Input(text)
}

// login opens the login page, fills credentials and tries each submit strategy until the
// authenticated marker shows up.
func (m *Manager) login(ctx context.Context, s *Session) error {
	if err := s.Navigate(ctx, m.opts.LoginPath); err != nil {
		return &AuthError{Reason: fmt.Sprintf("open login page: %v", err)}
	}
	page := s.Page

	userEl, err := firstElement(page, "username field", usernameSelectors)
	if err != nil {
		return &AuthError{Reason: err.Error()}
	}
	passEl, err := firstElement(page, "password field", passwordSelectors)
	if err != nil {
		return &AuthError{Reason: err.Error()}
	}
	if err := fill(userEl, m.opts.Username); err != nil {
		return &AuthError{Reason: fmt.Sprintf("fill username: %v", err)}
	}
	if err := fill(passEl, m.opts.Password); err != nil {
		return &AuthError{Reason: fmt.Sprintf("fill password: %v", err)}
	}

	settle := m.opts.NavTimeout / 3
	submitted := func(act func() error) func(context.Context) (bool, error) {
		return func(ctx context.Context) (bool, error) {
			if err := act(); err != nil {
				return false, err
			}
			return waitAuthenticated(ctx, page, settle), nil
		}
	}

	res, err := strategy.First(ctx, "login submit",
		strategy.Check("keyboard enter", submitted(func() error {
			return passEl.Type(input.Enter)
		})),
		strategy.Check("submit button", submitted(func() error {
			btn, err := firstElement(page, "submit button", submitSelectors)
			if err != nil {
				return err
			}
			return btn.Click(proto.InputMouseButtonLeft, 1)
		})),
		strategy.Check("panel button text", submitted(func() error {
			has, btn, err := page.HasR(panelButtons, panelText)
			if err != nil {
				return err
			}
			if !has {
				return fmt.Errorf("no button matching %s", panelText)
			}
			return btn.Click(proto.InputMouseButtonLeft, 1)
		})),
		strategy.Check("form submit", submitted(func() error {
			_, err := passEl.Eval(`() => { if (!this.form) throw new Error("no form"); this.form.submit(); }`)
			return err
		})),
	)
	if err != nil {
		return &AuthError{Reason: err.Error()}
	}
	slog.DebugContext(ctx, "login submitted", "strategy", res.Name)
	return nil
}
