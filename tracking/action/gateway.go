// Package action issues user and sandbox transitions against the settlement
// authority and feeds the settled result back into the tracked view.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"settletrack/client"
	"settletrack/observability"
	"settletrack/observability/logging"
	"settletrack/tracking"
)

var (
	// ErrActionNotAllowed is returned when the view's status does not enable
	// the requested action.
	ErrActionNotAllowed = errors.New("action: not allowed in current status")
	// ErrWrongTarget is returned when an action names an identifier other than
	// the one the gateway's store tracks.
	ErrWrongTarget = errors.New("action: identifier does not match tracked view")
	// ErrInvalidArgument is returned for missing or malformed action input.
	ErrInvalidArgument = errors.New("action: invalid argument")
)

// ActionError wraps a failed action request. The view is left unchanged.
type ActionError struct {
	Action tracking.Action
	ID     string
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Action, e.ID, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// Authority is the subset of the REST client the gateway drives.
type Authority interface {
	RetryOrder(ctx context.Context, id string) (*client.Order, error)
	SandboxAction(ctx context.Context, id string, action tracking.Action) (*client.Order, error)
	Dispute(ctx context.Context, id, reason string) (*client.Trade, error)
	FiatSent(ctx context.Context, id, proofURL, note string) (*client.Trade, error)
	FiatConfirm(ctx context.Context, id string) (*client.Trade, error)
	SandboxCryptoLocked(ctx context.Context, id, escrowTxHash string) (*client.Trade, error)
}

// Fetcher refetches the tracked identifier after an action settles.
type Fetcher interface {
	Fetch(ctx context.Context, id string) ([]tracking.Update, error)
}

// Option customises a Gateway.
type Option func(*Gateway)

// WithLogger sets the gateway logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// Gateway issues actions for the view held by one store. Local state is only
// touched after the authority accepted the request.
type Gateway struct {
	authority Authority
	store     *tracking.Store
	fetcher   Fetcher
	logger    *slog.Logger
}

// NewGateway constructs a gateway bound to store.
func NewGateway(authority Authority, store *tracking.Store, fetcher Fetcher, opts ...Option) *Gateway {
	g := &Gateway{
		authority: authority,
		store:     store,
		fetcher:   fetcher,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Allowed reports whether action is enabled for the current view.
func (g *Gateway) Allowed(action tracking.Action) bool {
	view := g.store.View()
	return g.store.Lifecycle().Allowed(view.Status, action)
}

// Retry asks the authority to retry a stalled escrow order.
func (g *Gateway) Retry(ctx context.Context, orderID string) (tracking.View, error) {
	return g.run(ctx, tracking.KindEscrow, orderID, tracking.ActionRetry, func(ctx context.Context) (tracking.Update, error) {
		order, err := g.authority.RetryOrder(ctx, orderID)
		return order.Update(), err
	})
}

// SandboxAction forces one sandbox edge on an escrow order.
func (g *Gateway) SandboxAction(ctx context.Context, orderID string, action tracking.Action) (tracking.View, error) {
	switch action {
	case tracking.ActionSandboxFund, tracking.ActionSandboxSwap,
		tracking.ActionSandboxPayoutPending, tracking.ActionSandboxPayout:
	default:
		return g.store.View(), &ActionError{Action: action, ID: orderID, Err: ErrInvalidArgument}
	}
	return g.run(ctx, tracking.KindEscrow, orderID, action, func(ctx context.Context) (tracking.Update, error) {
		order, err := g.authority.SandboxAction(ctx, orderID, action)
		return order.Update(), err
	})
}

// Dispute opens a dispute on a trade.
func (g *Gateway) Dispute(ctx context.Context, tradeID, reason string) (tracking.View, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return g.store.View(), &ActionError{Action: tracking.ActionDispute, ID: tradeID, Err: fmt.Errorf("%w: reason required", ErrInvalidArgument)}
	}
	return g.run(ctx, tracking.KindTrade, tradeID, tracking.ActionDispute, func(ctx context.Context) (tracking.Update, error) {
		trade, err := g.authority.Dispute(ctx, tradeID, reason)
		return trade.Update(), err
	})
}

// FiatSent marks the fiat leg as sent. proofURL must be an absolute http(s)
// URL.
func (g *Gateway) FiatSent(ctx context.Context, tradeID, proofURL, note string) (tracking.View, error) {
	if err := validateProofURL(proofURL); err != nil {
		return g.store.View(), &ActionError{Action: tracking.ActionFiatSent, ID: tradeID, Err: err}
	}
	g.logger.Debug("submitting fiat proof",
		slog.String("id", tradeID),
		logging.MaskURL("proof_url", proofURL))
	return g.run(ctx, tracking.KindTrade, tradeID, tracking.ActionFiatSent, func(ctx context.Context) (tracking.Update, error) {
		trade, err := g.authority.FiatSent(ctx, tradeID, proofURL, note)
		return trade.Update(), err
	})
}

// FiatConfirm confirms receipt of the fiat leg.
func (g *Gateway) FiatConfirm(ctx context.Context, tradeID string) (tracking.View, error) {
	return g.run(ctx, tracking.KindTrade, tradeID, tracking.ActionFiatConfirm, func(ctx context.Context) (tracking.Update, error) {
		trade, err := g.authority.FiatConfirm(ctx, tradeID)
		return trade.Update(), err
	})
}

// SandboxCryptoLocked forces a trade into CRYPTO_LOCKED. From DISPUTED this
// resolves the dispute back into the forward path.
func (g *Gateway) SandboxCryptoLocked(ctx context.Context, tradeID, escrowTxHash string) (tracking.View, error) {
	return g.run(ctx, tracking.KindTrade, tradeID, tracking.ActionSandboxCryptoLocked, func(ctx context.Context) (tracking.Update, error) {
		trade, err := g.authority.SandboxCryptoLocked(ctx, tradeID, escrowTxHash)
		return trade.Update(), err
	})
}

// Do dispatches an action by name. arg carries the dispute reason, the fiat
// proof URL or the escrow tx hash depending on the action.
func (g *Gateway) Do(ctx context.Context, action tracking.Action, arg string) (tracking.View, error) {
	view := g.store.View()
	switch action {
	case tracking.ActionRetry:
		return g.Retry(ctx, view.ID)
	case tracking.ActionSandboxFund, tracking.ActionSandboxSwap,
		tracking.ActionSandboxPayoutPending, tracking.ActionSandboxPayout:
		return g.SandboxAction(ctx, view.ID, action)
	case tracking.ActionDispute:
		return g.Dispute(ctx, view.ID, arg)
	case tracking.ActionFiatSent:
		return g.FiatSent(ctx, view.ID, arg, "")
	case tracking.ActionFiatConfirm:
		return g.FiatConfirm(ctx, view.ID)
	case tracking.ActionSandboxCryptoLocked:
		return g.SandboxCryptoLocked(ctx, view.ID, arg)
	default:
		return view, &ActionError{Action: action, ID: view.ID, Err: fmt.Errorf("%w: unknown action", ErrInvalidArgument)}
	}
}

type request func(ctx context.Context) (tracking.Update, error)

func (g *Gateway) run(ctx context.Context, kind tracking.Kind, id string, action tracking.Action, do request) (tracking.View, error) {
	view := g.store.View()
	if view.Kind != kind || view.ID != strings.TrimSpace(id) {
		return view, &ActionError{Action: action, ID: id, Err: ErrWrongTarget}
	}
	lc := g.store.Lifecycle()
	if !lc.Allowed(view.Status, action) {
		observability.Tracking().RecordAction(string(action), "rejected")
		return view, &ActionError{Action: action, ID: id, Err: fmt.Errorf("%w: %s in %s", ErrActionNotAllowed, action, view.Status)}
	}

	response, err := do(ctx)
	if err != nil {
		observability.Tracking().RecordAction(string(action), "failed")
		g.logger.Warn("action failed",
			slog.String("action", string(action)),
			slog.String("id", id),
			slog.Any("error", err))
		return g.store.View(), &ActionError{Action: action, ID: id, Err: err}
	}
	observability.Tracking().RecordAction(string(action), "ok")

	expected := response.Status.Normalize()
	if target, ok := lc.Target(view.Status, action); ok && expected == "" {
		expected = target
	}
	next, _ := g.store.Apply(response, tracking.SourceAction)

	if g.fetcher == nil {
		return next, nil
	}
	updates, err := g.fetcher.Fetch(ctx, id)
	if err != nil {
		g.logger.Warn("refetch after action failed",
			slog.String("action", string(action)),
			slog.String("id", id),
			slog.Any("error", err))
		return next, nil
	}
	for _, update := range updates {
		// Only updates confirming the action's result may bypass the
		// forward-only guard; a lagging read is reconciled like a poll.
		source := tracking.SourceAction
		if status := update.Status.Normalize(); status != "" && status != expected {
			source = tracking.SourcePoll
		}
		next, _ = g.store.Apply(update, source)
	}
	return next, nil
}

func validateProofURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%w: proof url required", ErrInvalidArgument)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: proof url must be an absolute http(s) url", ErrInvalidArgument)
	}
	return nil
}
