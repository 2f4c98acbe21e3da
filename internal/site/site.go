package site

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-rod/rod"

	"pricestat/internal/models"
	"pricestat/internal/session"
	"pricestat/internal/strategy"
)

// ErrNoStrategy means every known way of doing something on the site failed.
var ErrNoStrategy = strategy.ErrNoneFound

// MaxOffers caps the prices kept per article.
const MaxOffers = 3

// Client drives one authenticated browser session through the site's workflows. It is not safe
// for concurrent use.
type Client interface {
	Search(ctx context.Context, article, brand string) error
	TopOffers(ctx context.Context, brand, article string) ([]float64, error)
	OpenStats(ctx context.Context) error
	ChartScreenshot(ctx context.Context) ([]byte, error)
	MonthlyStats(ctx context.Context, labels []string) ([]models.MonthCount, error)
	Close(ctx context.Context) error
}

// Opener hands out a fresh Client backed by a newly acquired session.
type Opener interface {
	Open(ctx context.Context) (Client, error)
}

// Options tune the adapter without touching code when the site layout shifts.
type Options struct {
	SearchTemplates []string
	OfferLayouts    []OfferLayout
}

// Launcher opens Clients on top of a session.Manager.
type Launcher struct {
	sessions *session.Manager
	opts     Options
}

func NewLauncher(sessions *session.Manager, opts Options) *Launcher {
	if len(opts.OfferLayouts) == 0 {
		opts.OfferLayouts = DefaultOfferLayouts
	}
	return &Launcher{sessions: sessions, opts: opts}
}

func (l *Launcher) Open(ctx context.Context) (Client, error) {
	sess, err := l.sessions.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &Adapter{sess: sess, opts: l.opts}, nil
}

// Adapter is the rod-backed Client.
type Adapter struct {
	sess *session.Session
	opts Options
}

func (a *Adapter) page(ctx context.Context) *rod.Page {
	return a.sess.Page.Context(ctx)
}

func (a *Adapter) document(ctx context.Context) (*goquery.Document, error) {
	html, err := a.page(ctx).HTML()
	if err != nil {
		return nil, fmt.Errorf("read page html: %w", err)
	}
	return goquery.NewDocumentFromReader(strings.NewReader(html))
}

// TopOffers reads up to MaxOffers prices from the current result page.
func (a *Adapter) TopOffers(ctx context.Context, brand, article string) ([]float64, error) {
	doc, err := a.document(ctx)
	if err != nil {
		return nil, err
	}
	return ExtractTopOffers(doc, a.opts.OfferLayouts, brand, article, MaxOffers), nil
}

func (a *Adapter) Close(ctx context.Context) error {
	return a.sess.Close(ctx)
}
