package sandboxd

import (
	"time"

	"github.com/shopspring/decimal"

	"settletrack/client"
	"settletrack/tracking"
)

// remainingEta returns the seconds left on the forward path. It is stable
// within a status so clients can count down locally. Terminal statuses
// report zero, branches report nil.
func remainingEta(kind tracking.Kind, status string, phase time.Duration) *int {
	lc := tracking.LifecycleFor(kind)
	if lc.Terminal(tracking.Status(status)) {
		return tracking.Int(0)
	}
	rank := lc.Rank(tracking.Status(status))
	if rank < 0 {
		return nil
	}
	left := len(lc.Forward()) - 1 - rank
	return tracking.Int(left * int(phase/time.Second))
}

// stampedSteps derives the fallback timeline and dates each completed step
// from the first transition into it.
func stampedSteps(kind tracking.Kind, status, branchedFrom string, log []Transition) []tracking.Step {
	steps := tracking.FallbackTimeline(kind, tracking.Status(status), tracking.Status(branchedFrom))
	reached := make(map[string]time.Time, len(log))
	for _, entry := range log {
		if _, seen := reached[entry.ToStatus]; !seen {
			reached[entry.ToStatus] = entry.CreatedAt
		}
	}
	for i := range steps {
		if !steps[i].Completed {
			continue
		}
		if at, ok := reached[steps[i].Code]; ok {
			at := at.UTC()
			steps[i].At = &at
		}
	}
	return steps
}

func (s *Store) orderResource(order Order) client.Order {
	eta := remainingEta(tracking.KindEscrow, order.Status, s.sim.PhaseDuration.Duration)
	out := client.Order{
		ID:                    order.ID,
		Status:                order.Status,
		USDCExpected:          decimal.NewNullDecimal(order.USDCExpected),
		BIFTarget:             decimal.NewNullDecimal(order.BIFTarget),
		DepositAddress:        order.DepositAddress,
		Network:               order.Network,
		TxHash:                order.TxHash,
		Confirmations:         tracking.Int(order.Confirmations),
		RequiredConfirmations: tracking.Int(order.RequiredConfirmations),
		IsSandbox:             tracking.Bool(true),
		CreatedAt:             order.CreatedAt,
		UpdatedAt:             order.UpdatedAt,
	}
	if order.SandboxScenario != "" {
		out.SandboxScenario = tracking.String(order.SandboxScenario)
	}
	if eta != nil {
		out.EstimatedMinutesRemaining = tracking.Int((*eta + 59) / 60)
	}
	return out
}

func (s *Store) orderTracking(order Order, log []Transition) client.TrackingSnapshot {
	lc := tracking.LifecycleFor(tracking.KindEscrow)
	return client.TrackingSnapshot{
		OrderID:               order.ID,
		Status:                order.Status,
		Progress:              tracking.Int(lc.FallbackProgress(tracking.Status(order.Status))),
		EtaSeconds:            remainingEta(tracking.KindEscrow, order.Status, s.sim.PhaseDuration.Duration),
		Confirmations:         tracking.Int(order.Confirmations),
		RequiredConfirmations: tracking.Int(order.RequiredConfirmations),
		TxHash:                order.TxHash,
		Steps:                 stampedSteps(tracking.KindEscrow, order.Status, "", log),
	}
}

func tradeResource(trade Trade) client.Trade {
	return client.Trade{
		ID:                trade.ID,
		Status:            trade.Status,
		Token:             trade.Token,
		Amount:            decimal.NewNullDecimal(trade.Amount),
		Price:             decimal.NewNullDecimal(trade.Price),
		FiatCurrency:      trade.FiatCurrency,
		FiatAmount:        decimal.NewNullDecimal(trade.FiatAmount()),
		EscrowDepositAddr: trade.EscrowDepositAddr,
		EscrowTxHash:      trade.EscrowTxHash,
		IsSandbox:         tracking.Bool(true),
		CreatedAt:         trade.CreatedAt,
		UpdatedAt:         trade.UpdatedAt,
	}
}

func (s *Store) tradeTimeline(trade Trade, log []Transition) client.TradeTimeline {
	lc := tracking.LifecycleFor(tracking.KindTrade)
	status := tracking.Status(trade.Status)
	progress := lc.FallbackProgress(status)
	if progress == 0 && trade.BranchedFrom != "" {
		progress = lc.FallbackProgress(tracking.Status(trade.BranchedFrom))
	}
	return client.TradeTimeline{
		TradeID:    trade.ID,
		Status:     trade.Status,
		Progress:   tracking.Int(progress),
		EtaSeconds: remainingEta(tracking.KindTrade, trade.Status, s.sim.PhaseDuration.Duration),
		Steps:      stampedSteps(tracking.KindTrade, trade.Status, trade.BranchedFrom, log),
	}
}

// StatusFrame is the push payload published after every transition.
type StatusFrame struct {
	Event                 string          `json:"event"`
	ID                    string          `json:"id"`
	Status                string          `json:"status"`
	Progress              *int            `json:"progress,omitempty"`
	EtaSeconds            *int            `json:"eta_seconds,omitempty"`
	Steps                 []tracking.Step `json:"steps,omitempty"`
	Confirmations         *int            `json:"confirmations,omitempty"`
	RequiredConfirmations *int            `json:"required_confirmations,omitempty"`
	TxHash                *string         `json:"tx_hash,omitempty"`
}

const eventStatusUpdate = "STATUS_UPDATE"

func orderFrame(snapshot client.TrackingSnapshot) StatusFrame {
	return StatusFrame{
		Event:                 eventStatusUpdate,
		ID:                    snapshot.OrderID,
		Status:                snapshot.Status,
		Progress:              snapshot.Progress,
		EtaSeconds:            snapshot.EtaSeconds,
		Steps:                 snapshot.Steps,
		Confirmations:         snapshot.Confirmations,
		RequiredConfirmations: snapshot.RequiredConfirmations,
		TxHash:                snapshot.TxHash,
	}
}

func tradeFrame(timeline client.TradeTimeline, txHash *string) StatusFrame {
	return StatusFrame{
		Event:      eventStatusUpdate,
		ID:         timeline.TradeID,
		Status:     timeline.Status,
		Progress:   timeline.Progress,
		EtaSeconds: timeline.EtaSeconds,
		Steps:      timeline.Steps,
		TxHash:     txHash,
	}
}
