package client

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"settletrack/tracking"
)

// Trade is the P2P trade resource.
type Trade struct {
	ID                string              `json:"id"`
	Status            string              `json:"status"`
	Token             string              `json:"token,omitempty"`
	Amount            decimal.NullDecimal `json:"amount"`
	Price             decimal.NullDecimal `json:"price"`
	FiatCurrency      string              `json:"fiat_currency,omitempty"`
	FiatAmount        decimal.NullDecimal `json:"fiat_amount"`
	EscrowDepositAddr string              `json:"escrow_deposit_addr,omitempty"`
	EscrowTxHash      *string             `json:"escrow_tx_hash,omitempty"`
	IsSandbox         *bool               `json:"is_sandbox,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// TradeTimeline is the progress resource for a trade.
type TradeTimeline struct {
	TradeID    string          `json:"trade_id"`
	Status     string          `json:"status"`
	Progress   *int            `json:"progress,omitempty"`
	EtaSeconds *int            `json:"eta_seconds,omitempty"`
	Steps      []tracking.Step `json:"steps,omitempty"`
}

// CreateTradeRequest opens a sandbox trade.
type CreateTradeRequest struct {
	Token        string          `json:"token"`
	Amount       decimal.Decimal `json:"amount"`
	Price        decimal.Decimal `json:"price"`
	FiatCurrency string          `json:"fiat_currency"`
}

type fiatSentRequest struct {
	ProofURL string `json:"proof_url"`
	Note     string `json:"note,omitempty"`
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

type cryptoLockedRequest struct {
	EscrowTxHash string `json:"escrow_tx_hash,omitempty"`
}

func tradePath(id string) string {
	return "/api/p2p/trades/" + url.PathEscape(strings.TrimSpace(id))
}

// CreateTrade opens a sandbox trade.
func (c *Client) CreateTrade(ctx context.Context, req CreateTradeRequest) (*Trade, error) {
	var trade Trade
	if err := c.do(ctx, http.MethodPost, "p2p_create", "/api/p2p/trades", req, &trade); err != nil {
		return nil, err
	}
	return &trade, nil
}

// GetTrade fetches a trade.
func (c *Client) GetTrade(ctx context.Context, id string) (*Trade, error) {
	var trade Trade
	if err := c.do(ctx, http.MethodGet, "p2p_get", tradePath(id), nil, &trade); err != nil {
		return nil, err
	}
	return &trade, nil
}

// GetTimeline fetches the timeline of a trade.
func (c *Client) GetTimeline(ctx context.Context, id string) (*TradeTimeline, error) {
	var timeline TradeTimeline
	if err := c.do(ctx, http.MethodGet, "p2p_timeline", tradePath(id)+"/timeline", nil, &timeline); err != nil {
		return nil, err
	}
	return &timeline, nil
}

// FiatSent marks the fiat leg as sent with a payment proof.
func (c *Client) FiatSent(ctx context.Context, id, proofURL, note string) (*Trade, error) {
	return c.tradeAction(ctx, "p2p_fiat_sent", id, "/fiat-sent", fiatSentRequest{
		ProofURL: strings.TrimSpace(proofURL),
		Note:     strings.TrimSpace(note),
	})
}

// FiatConfirm confirms receipt of the fiat leg.
func (c *Client) FiatConfirm(ctx context.Context, id string) (*Trade, error) {
	return c.tradeAction(ctx, "p2p_fiat_confirm", id, "/fiat-confirm", struct{}{})
}

// Dispute opens a dispute on a trade.
func (c *Client) Dispute(ctx context.Context, id, reason string) (*Trade, error) {
	return c.tradeAction(ctx, "p2p_dispute", id, "/dispute", disputeRequest{Reason: strings.TrimSpace(reason)})
}

// SandboxCryptoLocked forces a trade into CRYPTO_LOCKED. From DISPUTED this
// is the privileged resolution edge.
func (c *Client) SandboxCryptoLocked(ctx context.Context, id, escrowTxHash string) (*Trade, error) {
	return c.tradeAction(ctx, "p2p_sandbox_crypto_locked", id, "/sandbox/crypto-locked", cryptoLockedRequest{
		EscrowTxHash: strings.TrimSpace(escrowTxHash),
	})
}

// TradeEventsURL returns the push subscription URL for a trade.
func (c *Client) TradeEventsURL(id string) string {
	return c.eventsURL(tradePath(id) + "/events")
}

func (c *Client) tradeAction(ctx context.Context, endpoint, id, suffix string, body any) (*Trade, error) {
	var trade Trade
	if err := c.do(ctx, http.MethodPost, endpoint, tradePath(id)+suffix, body, &trade); err != nil {
		return nil, err
	}
	return &trade, nil
}
