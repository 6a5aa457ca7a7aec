package channel

import (
	"context"
	"log/slog"
	"time"

	"settletrack/observability"
	"settletrack/tracking"
)

// DefaultPollInterval matches the authority's expected polling cadence.
const DefaultPollInterval = 5 * time.Second

// Fetcher loads the current state of one identifier. Implementations return
// every update of a fetch or an error, never a partial result.
type Fetcher interface {
	Fetch(ctx context.Context, id string) ([]tracking.Update, error)
}

// PollerOption customises a Poller.
type PollerOption func(*Poller)

// WithPollInterval overrides the tick interval.
func WithPollInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithPollLogger sets the logger used for fetch failures.
func WithPollLogger(logger *slog.Logger) PollerOption {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Poller fetches immediately on Start and then on every tick. Fetch failures
// are reported through onError and the loop keeps ticking at the same
// interval.
type Poller struct {
	fetcher  Fetcher
	kind     tracking.Kind
	id       string
	interval time.Duration
	logger   *slog.Logger

	loop loop
}

// NewPoller constructs a poller for one identifier.
func NewPoller(fetcher Fetcher, kind tracking.Kind, id string, opts ...PollerOption) *Poller {
	p := &Poller{
		fetcher:  fetcher,
		kind:     kind,
		id:       id,
		interval: DefaultPollInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Source implements Channel.
func (p *Poller) Source() tracking.Source { return tracking.SourcePoll }

// Start implements Channel.
func (p *Poller) Start(ctx context.Context, onUpdate UpdateFunc, onError ErrorFunc) error {
	if onUpdate == nil {
		onUpdate = nopUpdate
	}
	if onError == nil {
		onError = nopError
	}
	return p.loop.start(ctx, func(ctx context.Context) {
		p.run(ctx, onUpdate, onError)
	})
}

// Stop implements Channel. It is idempotent and returns once the loop exited.
func (p *Poller) Stop() {
	p.loop.stop()
}

func (p *Poller) run(ctx context.Context, onUpdate UpdateFunc, onError ErrorFunc) {
	p.poll(ctx, onUpdate, onError)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx, onUpdate, onError)
		}
	}
}

func (p *Poller) poll(ctx context.Context, onUpdate UpdateFunc, onError ErrorFunc) {
	if p.fetcher == nil {
		return
	}
	updates, err := p.fetcher.Fetch(ctx, p.id)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		observability.Tracking().RecordFetchError(string(p.kind))
		p.logger.Debug("poll fetch failed",
			slog.String("kind", string(p.kind)),
			slog.String("id", p.id),
			slog.Any("error", err))
		onError(err)
		return
	}
	for _, update := range updates {
		if ctx.Err() != nil {
			return
		}
		onUpdate(update)
	}
}
