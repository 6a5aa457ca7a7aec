package client

import (
	"context"
	"fmt"

	"settletrack/tracking"
)

// Update converts the order resource into a partial tracking update.
func (o *Order) Update() tracking.Update {
	if o == nil {
		return tracking.Update{}
	}
	return tracking.Update{
		Kind:                  tracking.KindEscrow,
		ID:                    o.ID,
		Status:                tracking.Status(o.Status),
		Confirmations:         o.Confirmations,
		RequiredConfirmations: o.RequiredConfirmations,
		TxHash:                o.TxHash,
		Escrow: &tracking.EscrowDetails{
			USDCExpected:              o.USDCExpected,
			BIFTarget:                 o.BIFTarget,
			DepositAddress:            o.DepositAddress,
			Network:                   o.Network,
			IsSandbox:                 o.IsSandbox,
			SandboxScenario:           o.SandboxScenario,
			EstimatedMinutesRemaining: o.EstimatedMinutesRemaining,
		},
	}
}

// Update converts the tracking snapshot into a partial update. When the
// snapshot carries no eta, fallbackMinutes (the order's estimate) is used.
func (s *TrackingSnapshot) Update(fallbackMinutes *int) tracking.Update {
	if s == nil {
		return tracking.Update{}
	}
	eta := s.EtaSeconds
	if eta == nil && fallbackMinutes != nil && *fallbackMinutes >= 0 {
		eta = tracking.Int(*fallbackMinutes * 60)
	}
	return tracking.Update{
		Kind:                  tracking.KindEscrow,
		ID:                    s.OrderID,
		Status:                tracking.Status(s.Status),
		Progress:              s.Progress,
		EtaSeconds:            eta,
		Confirmations:         s.Confirmations,
		RequiredConfirmations: s.RequiredConfirmations,
		TxHash:                s.TxHash,
		Steps:                 s.Steps,
	}
}

// Update converts the trade resource into a partial update.
func (t *Trade) Update() tracking.Update {
	if t == nil {
		return tracking.Update{}
	}
	return tracking.Update{
		Kind:   tracking.KindTrade,
		ID:     t.ID,
		Status: tracking.Status(t.Status),
		TxHash: t.EscrowTxHash,
		Trade: &tracking.TradeDetails{
			Token:             t.Token,
			Amount:            t.Amount,
			Price:             t.Price,
			FiatCurrency:      t.FiatCurrency,
			FiatAmount:        t.FiatAmount,
			EscrowDepositAddr: t.EscrowDepositAddr,
			IsSandbox:         t.IsSandbox,
		},
	}
}

// Update converts the trade timeline into a partial update.
func (t *TradeTimeline) Update() tracking.Update {
	if t == nil {
		return tracking.Update{}
	}
	return tracking.Update{
		Kind:       tracking.KindTrade,
		ID:         t.TradeID,
		Status:     tracking.Status(t.Status),
		Progress:   t.Progress,
		EtaSeconds: t.EtaSeconds,
		Steps:      t.Steps,
	}
}

// EscrowFetcher loads the order and its tracking snapshot. Both requests
// must succeed; a partial result is reported as an error.
type EscrowFetcher struct {
	Client *Client
}

// Fetch returns the order update followed by the tracking update.
func (f EscrowFetcher) Fetch(ctx context.Context, id string) ([]tracking.Update, error) {
	order, err := f.Client.GetOrder(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch order: %w", err)
	}
	snapshot, err := f.Client.GetTracking(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch tracking: %w", err)
	}
	return []tracking.Update{order.Update(), snapshot.Update(order.EstimatedMinutesRemaining)}, nil
}

// TradeFetcher loads the trade and its timeline.
type TradeFetcher struct {
	Client *Client
}

// Fetch returns the trade update followed by the timeline update.
func (f TradeFetcher) Fetch(ctx context.Context, id string) ([]tracking.Update, error) {
	trade, err := f.Client.GetTrade(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch trade: %w", err)
	}
	timeline, err := f.Client.GetTimeline(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch timeline: %w", err)
	}
	return []tracking.Update{trade.Update(), timeline.Update()}, nil
}

// Fetcher loads the current state of one tracked identifier.
type Fetcher interface {
	Fetch(ctx context.Context, id string) ([]tracking.Update, error)
}

// FetcherFor returns the fetcher matching kind.
func (c *Client) FetcherFor(kind tracking.Kind) Fetcher {
	if kind == tracking.KindTrade {
		return TradeFetcher{Client: c}
	}
	return EscrowFetcher{Client: c}
}

// EventsURL returns the push subscription URL for kind and id.
func (c *Client) EventsURL(kind tracking.Kind, id string) string {
	if kind == tracking.KindTrade {
		return c.TradeEventsURL(id)
	}
	return c.OrderEventsURL(id)
}
