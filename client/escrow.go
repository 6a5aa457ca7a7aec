package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"settletrack/tracking"
)

// Order is the escrow order resource.
type Order struct {
	ID                        string              `json:"id"`
	Status                    string              `json:"status"`
	USDCExpected              decimal.NullDecimal `json:"usdc_expected"`
	BIFTarget                 decimal.NullDecimal `json:"bif_target"`
	DepositAddress            string              `json:"deposit_address,omitempty"`
	Network                   string              `json:"network,omitempty"`
	TxHash                    *string             `json:"tx_hash,omitempty"`
	Confirmations             *int                `json:"confirmations,omitempty"`
	RequiredConfirmations     *int                `json:"required_confirmations,omitempty"`
	IsSandbox                 *bool               `json:"is_sandbox,omitempty"`
	SandboxScenario           *string             `json:"sandbox_scenario,omitempty"`
	EstimatedMinutesRemaining *int                `json:"estimated_minutes_remaining,omitempty"`
	CreatedAt                 time.Time           `json:"created_at"`
	UpdatedAt                 time.Time           `json:"updated_at"`
}

// TrackingSnapshot is the progress resource for an escrow order.
type TrackingSnapshot struct {
	OrderID               string          `json:"order_id"`
	Status                string          `json:"status"`
	Progress              *int            `json:"progress,omitempty"`
	EtaSeconds            *int            `json:"eta_seconds,omitempty"`
	Confirmations         *int            `json:"confirmations,omitempty"`
	RequiredConfirmations *int            `json:"required_confirmations,omitempty"`
	TxHash                *string         `json:"tx_hash,omitempty"`
	Steps                 []tracking.Step `json:"steps,omitempty"`
}

// CreateOrderRequest opens a sandbox escrow order.
type CreateOrderRequest struct {
	USDCExpected    decimal.Decimal `json:"usdc_expected"`
	BIFTarget       decimal.Decimal `json:"bif_target"`
	Network         string          `json:"network,omitempty"`
	SandboxScenario string          `json:"sandbox_scenario,omitempty"`
}

// SandboxActions lists the sandbox transitions the escrow surface accepts.
var SandboxActions = []tracking.Action{
	tracking.ActionSandboxFund,
	tracking.ActionSandboxSwap,
	tracking.ActionSandboxPayoutPending,
	tracking.ActionSandboxPayout,
}

func orderPath(id string) string {
	return "/escrow/orders/" + url.PathEscape(strings.TrimSpace(id))
}

// CreateOrder opens a sandbox order.
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	var order Order
	if err := c.do(ctx, http.MethodPost, "escrow_create", "/escrow/orders", req, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrder fetches an escrow order.
func (c *Client) GetOrder(ctx context.Context, id string) (*Order, error) {
	var order Order
	if err := c.do(ctx, http.MethodGet, "escrow_get", orderPath(id), nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetTracking fetches the tracking snapshot of an escrow order.
func (c *Client) GetTracking(ctx context.Context, id string) (*TrackingSnapshot, error) {
	var snapshot TrackingSnapshot
	if err := c.do(ctx, http.MethodGet, "escrow_tracking", orderPath(id)+"/tracking", nil, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// RetryOrder asks the authority to retry a stalled order.
func (c *Client) RetryOrder(ctx context.Context, id string) (*Order, error) {
	var order Order
	if err := c.do(ctx, http.MethodPost, "escrow_retry", orderPath(id)+"/retry", struct{}{}, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// SandboxAction forces one sandbox transition on an escrow order.
func (c *Client) SandboxAction(ctx context.Context, id string, action tracking.Action) (*Order, error) {
	if !validSandboxAction(action) {
		return nil, fmt.Errorf("unsupported sandbox action %q", action)
	}
	var order Order
	path := orderPath(id) + "/sandbox/" + string(action)
	if err := c.do(ctx, http.MethodPost, "escrow_sandbox", path, struct{}{}, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// OrderEventsURL returns the push subscription URL for an order.
func (c *Client) OrderEventsURL(id string) string {
	return c.eventsURL(orderPath(id) + "/events")
}

func validSandboxAction(action tracking.Action) bool {
	for _, candidate := range SandboxActions {
		if candidate == action {
			return true
		}
	}
	return false
}
