// Package session owns the lifecycle of one tracked view: the store, both
// update channels, the action gateway and the local countdown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"settletrack/client"
	"settletrack/observability"
	"settletrack/tracking"
	"settletrack/tracking/action"
	"settletrack/tracking/channel"
)

const defaultTickInterval = time.Second

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session: closed")

// Config describes one tracked view.
type Config struct {
	Kind   tracking.Kind
	ID     string
	Client *client.Client

	PollInterval     time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	DisablePush      bool
	// TickInterval drives countdown refreshes. Defaults to one second.
	TickInterval time.Duration
	Clock        tracking.Clock
	Logger       *slog.Logger
}

// Option customises Open.
type Option func(*options)

type options struct {
	channels  []channel.Channel
	authority action.Authority
	fetcher   action.Fetcher
}

// WithChannels replaces the default poller and push channel.
func WithChannels(chs ...channel.Channel) Option {
	return func(o *options) { o.channels = chs }
}

// WithAuthority replaces the REST client used by actions and refetches.
func WithAuthority(authority action.Authority, fetcher action.Fetcher) Option {
	return func(o *options) {
		o.authority = authority
		o.fetcher = fetcher
	}
}

// Display is what a presenter renders for the current view.
type Display struct {
	View         tracking.View     `json:"view"`
	Timeline     []tracking.Step   `json:"timeline"`
	Progress     int               `json:"progress"`
	EtaRemaining *int              `json:"eta_remaining,omitempty"`
	Actions      []tracking.Action `json:"actions,omitempty"`
}

// Session is an open tracked view. Close must be called exactly when the
// view is torn down; it is safe to call more than once.
type Session struct {
	id        string
	store     *tracking.Store
	countdown *tracking.Countdown
	gateway   *action.Gateway
	channels  []channel.Channel
	logger    *slog.Logger

	mu     sync.Mutex
	subs   map[int]func(Display)
	nextID int
	closed bool

	unsubscribe func()
	tickStop    chan struct{}
	tickDone    chan struct{}
	closeOnce   sync.Once
}

// Open verifies a credential is available and starts tracking cfg.ID.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Session, error) {
	if !cfg.Kind.Valid() {
		return nil, fmt.Errorf("session: unsupported kind %q", cfg.Kind)
	}
	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		return nil, errors.New("session: id required")
	}
	if cfg.Client == nil {
		return nil, errors.New("session: client required")
	}
	if _, err := cfg.Client.Auth().Token(ctx); err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.authority == nil {
		o.authority = cfg.Client
	}
	if o.fetcher == nil {
		o.fetcher = cfg.Client.FetcherFor(cfg.Kind)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sessionID := uuid.NewString()
	logger = logger.With(
		slog.String("session", sessionID),
		slog.String("kind", string(cfg.Kind)),
		slog.String("id", id))

	kind := string(cfg.Kind)
	store := tracking.NewStore(cfg.Kind, id, tracking.WithApplyObserver(func(source tracking.Source, outcome tracking.Outcome, closed bool) {
		observability.Tracking().ObserveApply(kind, string(source), outcome.String(), closed)
	}))

	s := &Session{
		id:        sessionID,
		store:     store,
		countdown: tracking.NewCountdown(cfg.Clock),
		gateway:   action.NewGateway(o.authority, store, o.fetcher, action.WithLogger(logger)),
		logger:    logger,
		subs:      make(map[int]func(Display)),
		tickStop:  make(chan struct{}),
		tickDone:  make(chan struct{}),
	}
	s.unsubscribe = store.Subscribe(s.onView)

	s.channels = o.channels
	if s.channels == nil {
		s.channels = defaultChannels(cfg, o.fetcher, id, logger)
	}

	tick := cfg.TickInterval
	if tick <= 0 {
		tick = defaultTickInterval
	}
	go s.runTicker(tick)

	for _, ch := range s.channels {
		onError := s.onPushError
		if ch.Source() == tracking.SourcePoll {
			onError = s.onPollError
		}
		onUpdate := func(update tracking.Update) { store.Apply(update, ch.Source()) }
		if err := ch.Start(ctx, onUpdate, onError); err != nil {
			s.Close()
			return nil, fmt.Errorf("start %s channel: %w", ch.Source(), err)
		}
	}
	observability.Tracking().SessionOpened()
	logger.Info("tracking session opened")
	return s, nil
}

func defaultChannels(cfg Config, fetcher channel.Fetcher, id string, logger *slog.Logger) []channel.Channel {
	chs := []channel.Channel{
		channel.NewPoller(fetcher, cfg.Kind, id,
			channel.WithPollInterval(cfg.PollInterval),
			channel.WithPollLogger(logger)),
	}
	if !cfg.DisablePush {
		chs = append(chs, channel.NewPush(cfg.Client.EventsURL(cfg.Kind, id), cfg.Client.Auth(), cfg.Kind, id,
			channel.WithReconnect(cfg.ReconnectInitial, cfg.ReconnectMax),
			channel.WithPushLogger(logger)))
	}
	return chs
}

// ID returns the session's correlation id.
func (s *Session) ID() string { return s.id }

// Store exposes the underlying store.
func (s *Session) Store() *tracking.Store { return s.store }

// Gateway returns the action gateway bound to this view.
func (s *Session) Gateway() *action.Gateway { return s.gateway }

// Do issues an action through the gateway.
func (s *Session) Do(ctx context.Context, act tracking.Action, arg string) (Display, error) {
	if s.isClosed() {
		return s.Snapshot(), ErrClosed
	}
	_, err := s.gateway.Do(ctx, act, arg)
	return s.Snapshot(), err
}

// Snapshot returns the current display.
func (s *Session) Snapshot() Display {
	return s.display(s.store.View())
}

// Subscribe streams displays on every view change and countdown tick until
// the returned function is called or the session closes. Subscribers run
// serialized and must not call back into the session.
func (s *Session) Subscribe(fn func(Display)) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Close stops the countdown ticker and both channels, then closes the store.
// It returns once nothing can mutate the view anymore.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.subs = make(map[int]func(Display))
		s.mu.Unlock()

		close(s.tickStop)
		<-s.tickDone
		for _, ch := range s.channels {
			ch.Stop()
		}
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		s.store.Close()
		observability.Tracking().SessionClosed()
		s.logger.Info("tracking session closed",
			slog.Uint64("mutations", s.store.Mutations()),
			slog.Uint64("rejected", s.store.Rejected()))
	})
}

func (s *Session) display(view tracking.View) Display {
	return Display{
		View:         view,
		Timeline:     tracking.Timeline(view),
		Progress:     tracking.DisplayProgress(view),
		EtaRemaining: s.countdown.Remaining(),
		Actions:      s.store.Lifecycle().Actions(view.Status),
	}
}

func (s *Session) onView(view tracking.View, _ tracking.Source) {
	s.countdown.Observe(view.Status, view.EtaSeconds, s.store.Lifecycle().Terminal(view.Status))
	s.broadcast(s.display(view))
}

func (s *Session) onPollError(err error) {
	s.store.MarkError(err)
}

func (s *Session) onPushError(err error) {
	s.logger.Debug("push channel error", slog.Any("error", err))
}

func (s *Session) runTicker(interval time.Duration) {
	defer close(s.tickDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.tickStop:
			return
		case <-ticker.C:
			if s.countdown.Remaining() == nil {
				continue
			}
			s.broadcast(s.Snapshot())
		}
	}
}

func (s *Session) broadcast(d Display) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, fn := range s.subs {
		fn(d)
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
