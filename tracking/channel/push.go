package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"nhooyr.io/websocket"

	"settletrack/observability"
	"settletrack/tracking"
)

// EventStatusUpdate is the only push event type forwarded to the view.
const EventStatusUpdate = "STATUS_UPDATE"

const (
	defaultReconnectInitial = time.Second
	defaultReconnectMax     = 30 * time.Second
	maxFrameBytes           = 64 << 10
)

// TokenSource supplies the bearer token used when dialing.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// PushOption customises a Push channel.
type PushOption func(*Push)

// WithReconnect overrides the reconnect backoff bounds.
func WithReconnect(initial, maxInterval time.Duration) PushOption {
	return func(p *Push) {
		if initial > 0 {
			p.initial = initial
		}
		if maxInterval > 0 {
			p.max = maxInterval
		}
	}
}

// WithPushLogger sets the logger used for dropped frames and reconnects.
func WithPushLogger(logger *slog.Logger) PushOption {
	return func(p *Push) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPushHTTPClient sets the HTTP client used for the websocket handshake.
func WithPushHTTPClient(hc *http.Client) PushOption {
	return func(p *Push) { p.httpClient = hc }
}

// Push holds one websocket subscription per identifier. Dropped connections
// are re-dialed with exponential backoff for as long as the channel runs.
type Push struct {
	url        string
	tokens     TokenSource
	kind       tracking.Kind
	id         string
	initial    time.Duration
	max        time.Duration
	logger     *slog.Logger
	httpClient *http.Client

	loop loop
}

// NewPush constructs a push channel for the subscription at url.
func NewPush(url string, tokens TokenSource, kind tracking.Kind, id string, opts ...PushOption) *Push {
	p := &Push{
		url:     url,
		tokens:  tokens,
		kind:    kind,
		id:      id,
		initial: defaultReconnectInitial,
		max:     defaultReconnectMax,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Source implements Channel.
func (p *Push) Source() tracking.Source { return tracking.SourcePush }

// Start implements Channel.
func (p *Push) Start(ctx context.Context, onUpdate UpdateFunc, onError ErrorFunc) error {
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

// Stop closes the subscription and waits for the read loop to exit.
func (p *Push) Stop() {
	p.loop.stop()
}

func (p *Push) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initial
	b.Multiplier = 2
	b.MaxInterval = p.max
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (p *Push) run(ctx context.Context, onUpdate UpdateFunc, onError ErrorFunc) {
	b := p.newBackOff()
	for {
		connected, err := p.consume(ctx, onUpdate)
		if ctx.Err() != nil {
			return
		}
		if connected {
			b.Reset()
		}
		if err != nil {
			p.logger.Warn("push subscription dropped",
				slog.String("kind", string(p.kind)),
				slog.String("id", p.id),
				slog.Any("error", err))
			onError(err)
		}
		sleep := b.NextBackOff()
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		observability.Events().RecordReconnect(string(p.kind))
	}
}

// consume dials once and reads frames until the connection fails. It reports
// whether the dial succeeded.
func (p *Push) consume(ctx context.Context, onUpdate UpdateFunc) (bool, error) {
	header := http.Header{}
	if p.tokens != nil {
		token, err := p.tokens.Token(ctx)
		if err != nil {
			return false, fmt.Errorf("push credential: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.Dial(ctx, p.url, &websocket.DialOptions{
		HTTPClient: p.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return false, fmt.Errorf("dial push: %w", err)
	}
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
	}()
	conn.SetReadLimit(maxFrameBytes)

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return true, nil
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return true, errors.New("push subscription closed by server")
			}
			return true, fmt.Errorf("read push: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		update, ok := p.decode(data)
		if !ok || ctx.Err() != nil {
			continue
		}
		onUpdate(update)
	}
}

type statusFrame struct {
	Event                 string          `json:"event"`
	ID                    string          `json:"id,omitempty"`
	Status                string          `json:"status"`
	Progress              *int            `json:"progress,omitempty"`
	EtaSeconds            *int            `json:"eta_seconds,omitempty"`
	Steps                 []tracking.Step `json:"steps,omitempty"`
	Confirmations         *int            `json:"confirmations,omitempty"`
	RequiredConfirmations *int            `json:"required_confirmations,omitempty"`
	TxHash                *string         `json:"tx_hash,omitempty"`
}

// decode parses one frame. Malformed payloads and other event types are
// dropped here; they never reach the view.
func (p *Push) decode(data []byte) (tracking.Update, bool) {
	var frame statusFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		observability.Events().RecordFrame("", "malformed")
		p.logger.Debug("dropping malformed push frame",
			slog.String("kind", string(p.kind)),
			slog.String("id", p.id),
			slog.Any("error", err))
		return tracking.Update{}, false
	}
	event := strings.ToUpper(strings.TrimSpace(frame.Event))
	if event != EventStatusUpdate {
		observability.Events().RecordFrame(event, "ignored")
		return tracking.Update{}, false
	}
	if strings.TrimSpace(frame.Status) == "" {
		observability.Events().RecordFrame(event, "malformed")
		p.logger.Debug("dropping push frame without status",
			slog.String("kind", string(p.kind)),
			slog.String("id", p.id))
		return tracking.Update{}, false
	}
	observability.Events().RecordFrame(event, "applied")
	return tracking.Update{
		Kind:                  p.kind,
		ID:                    frame.ID,
		Status:                tracking.Status(frame.Status),
		Progress:              frame.Progress,
		EtaSeconds:            frame.EtaSeconds,
		Steps:                 frame.Steps,
		Confirmations:         frame.Confirmations,
		RequiredConfirmations: frame.RequiredConfirmations,
		TxHash:                frame.TxHash,
	}, true
}
