package tracking

import "strings"

// Kind identifies which settlement flow a tracked view follows.
type Kind string

const (
	KindEscrow Kind = "escrow"
	KindTrade  Kind = "trade"
)

// Valid reports whether the kind is supported.
func (k Kind) Valid() bool {
	return k == KindEscrow || k == KindTrade
}

// Status is a lifecycle status as reported by the settlement authority.
type Status string

// Normalize returns the canonical upper-case form of the status.
func (s Status) Normalize() Status {
	return Status(strings.ToUpper(strings.TrimSpace(string(s))))
}

// Escrow order statuses.
const (
	OrderCreated       Status = "CREATED"
	OrderFunded        Status = "FUNDED"
	OrderSwapped       Status = "SWAPPED"
	OrderPayoutPending Status = "PAYOUT_PENDING"
	OrderPaidOut       Status = "PAID_OUT"
)

// P2P trade statuses.
const (
	TradeCreated       Status = "CREATED"
	TradeCryptoLocked  Status = "CRYPTO_LOCKED"
	TradeFiatSent      Status = "FIAT_SENT"
	TradeFiatConfirmed Status = "FIAT_CONFIRMED"
	TradeCompleted     Status = "COMPLETED"
	TradeDisputed      Status = "DISPUTED"
	TradeCancelled     Status = "CANCELLED"
	TradeExpired       Status = "EXPIRED"
)

// Action names a transition request a user or operator can issue.
type Action string

const (
	ActionRetry                Action = "retry"
	ActionSandboxFund          Action = "fund"
	ActionSandboxSwap          Action = "swap"
	ActionSandboxPayoutPending Action = "payout_pending"
	ActionSandboxPayout        Action = "payout"
	ActionFiatSent             Action = "fiat-sent"
	ActionFiatConfirm          Action = "fiat-confirm"
	ActionDispute              Action = "dispute"
	ActionSandboxCryptoLocked  Action = "crypto-locked"
)

// Phase is one row of a lifecycle table.
type Phase struct {
	Status   Status
	Label    string
	Progress int
	// Forward marks statuses on the ordered happy path.
	Forward  bool
	Terminal bool
	// Branch marks non-terminal statuses reachable from any non-terminal status.
	Branch bool
	// Actions lists the actions enabled while the view is in this status.
	Actions []Action
	// Target is the status an action is expected to force, keyed by action.
	Target map[Action]Status
}

// Lifecycle is the status-indexed table shared by the reconciler, the
// fallback timeline, fallback progress and action preconditions.
type Lifecycle struct {
	Kind   Kind
	phases []Phase
	index  map[Status]int
	// forward rank per status; -1 for statuses off the forward path.
	rank map[Status]int
	// confirmations are capped by the required count while the status ranks
	// below this one. Empty disables the cap.
	capConfirmationsBelow Status
}

func newLifecycle(kind Kind, capBelow Status, phases []Phase) *Lifecycle {
	lc := &Lifecycle{
		Kind:                  kind,
		phases:                phases,
		index:                 make(map[Status]int, len(phases)),
		rank:                  make(map[Status]int, len(phases)),
		capConfirmationsBelow: capBelow,
	}
	forward := 0
	for i, phase := range phases {
		lc.index[phase.Status] = i
		if phase.Forward {
			lc.rank[phase.Status] = forward
			forward++
		} else {
			lc.rank[phase.Status] = -1
		}
	}
	return lc
}

var (
	escrowLifecycle = newLifecycle(KindEscrow, OrderFunded, []Phase{
		{Status: OrderCreated, Label: "Awaiting deposit", Progress: 10, Forward: true,
			Actions: []Action{ActionRetry, ActionSandboxFund},
			Target:  map[Action]Status{ActionSandboxFund: OrderFunded}},
		{Status: OrderFunded, Label: "Deposit confirmed", Progress: 40, Forward: true,
			Actions: []Action{ActionRetry, ActionSandboxSwap},
			Target:  map[Action]Status{ActionSandboxSwap: OrderSwapped}},
		{Status: OrderSwapped, Label: "Converted to BIF", Progress: 60, Forward: true,
			Actions: []Action{ActionRetry, ActionSandboxPayoutPending},
			Target:  map[Action]Status{ActionSandboxPayoutPending: OrderPayoutPending}},
		{Status: OrderPayoutPending, Label: "Payout submitted", Progress: 80, Forward: true,
			Actions: []Action{ActionRetry, ActionSandboxPayout},
			Target:  map[Action]Status{ActionSandboxPayout: OrderPaidOut}},
		{Status: OrderPaidOut, Label: "Paid out", Progress: 100, Forward: true, Terminal: true},
	})

	tradeLifecycle = newLifecycle(KindTrade, "", []Phase{
		{Status: TradeCreated, Label: "Trade opened", Progress: 10, Forward: true,
			Actions: []Action{ActionDispute, ActionSandboxCryptoLocked},
			Target:  map[Action]Status{ActionSandboxCryptoLocked: TradeCryptoLocked, ActionDispute: TradeDisputed}},
		{Status: TradeCryptoLocked, Label: "Crypto locked in escrow", Progress: 35, Forward: true,
			Actions: []Action{ActionFiatSent, ActionDispute},
			Target:  map[Action]Status{ActionFiatSent: TradeFiatSent, ActionDispute: TradeDisputed}},
		{Status: TradeFiatSent, Label: "Fiat payment sent", Progress: 60, Forward: true,
			Actions: []Action{ActionFiatConfirm, ActionDispute},
			Target:  map[Action]Status{ActionFiatConfirm: TradeFiatConfirmed, ActionDispute: TradeDisputed}},
		{Status: TradeFiatConfirmed, Label: "Fiat payment confirmed", Progress: 85, Forward: true,
			Actions: []Action{ActionDispute},
			Target:  map[Action]Status{ActionDispute: TradeDisputed}},
		{Status: TradeCompleted, Label: "Crypto released", Progress: 100, Forward: true, Terminal: true},
		{Status: TradeDisputed, Label: "Under dispute", Branch: true,
			Actions: []Action{ActionSandboxCryptoLocked},
			Target:  map[Action]Status{ActionSandboxCryptoLocked: TradeCryptoLocked}},
		{Status: TradeCancelled, Label: "Cancelled", Terminal: true},
		{Status: TradeExpired, Label: "Expired", Terminal: true},
	})
)

// LifecycleFor returns the table for the supplied kind. Unknown kinds fall
// back to the escrow table.
func LifecycleFor(kind Kind) *Lifecycle {
	if kind == KindTrade {
		return tradeLifecycle
	}
	return escrowLifecycle
}

// Phase looks up the row for a status.
func (lc *Lifecycle) Phase(status Status) (Phase, bool) {
	i, ok := lc.index[status.Normalize()]
	if !ok {
		return Phase{}, false
	}
	return lc.phases[i], true
}

// Known reports whether the status belongs to this lifecycle.
func (lc *Lifecycle) Known(status Status) bool {
	_, ok := lc.index[status.Normalize()]
	return ok
}

// Rank returns the forward-path position of a status, or -1 when the status
// is unknown or off the forward path.
func (lc *Lifecycle) Rank(status Status) int {
	r, ok := lc.rank[status.Normalize()]
	if !ok {
		return -1
	}
	return r
}

// Forward returns the forward path in order.
func (lc *Lifecycle) Forward() []Phase {
	out := make([]Phase, 0, len(lc.phases))
	for _, phase := range lc.phases {
		if phase.Forward {
			out = append(out, phase)
		}
	}
	return out
}

// Terminal reports whether the status ends the lifecycle.
func (lc *Lifecycle) Terminal(status Status) bool {
	phase, ok := lc.Phase(status)
	return ok && phase.Terminal
}

// FallbackProgress returns the progress percent associated with a status.
// Unknown statuses map to zero.
func (lc *Lifecycle) FallbackProgress(status Status) int {
	phase, ok := lc.Phase(status)
	if !ok {
		return 0
	}
	return phase.Progress
}

// Allowed reports whether an action is enabled in the given status.
func (lc *Lifecycle) Allowed(status Status, action Action) bool {
	phase, ok := lc.Phase(status)
	if !ok {
		return false
	}
	for _, candidate := range phase.Actions {
		if candidate == action {
			return true
		}
	}
	return false
}

// Actions returns the actions enabled in the given status.
func (lc *Lifecycle) Actions(status Status) []Action {
	phase, ok := lc.Phase(status)
	if !ok || len(phase.Actions) == 0 {
		return nil
	}
	return append([]Action(nil), phase.Actions...)
}

// Target returns the status an action forces from the given status.
func (lc *Lifecycle) Target(status Status, action Action) (Status, bool) {
	phase, ok := lc.Phase(status)
	if !ok {
		return "", false
	}
	target, ok := phase.Target[action]
	return target, ok
}

// Movement classifies a status change relative to the lifecycle ordering.
type Movement uint8

const (
	MoveSame Movement = iota
	MoveAdvance
	MoveStale
	MoveUnknown
)

// Compare classifies the move from current to next for non-action sources.
// origin is the forward status the view branched from, if any.
func (lc *Lifecycle) Compare(current, next, origin Status) Movement {
	current = current.Normalize()
	next = next.Normalize()
	if !lc.Known(next) {
		return MoveUnknown
	}
	if current == "" {
		return MoveAdvance
	}
	if next == current {
		return MoveSame
	}
	if lc.Terminal(current) {
		return MoveStale
	}
	nextPhase, _ := lc.Phase(next)
	if nextPhase.Terminal && !nextPhase.Forward {
		return MoveAdvance
	}
	if nextPhase.Branch {
		return MoveAdvance
	}
	currentRank := lc.Rank(current)
	if currentRank < 0 {
		// Leaving a branch: only past the point the view branched from.
		if lc.Rank(next) > lc.Rank(origin) {
			return MoveAdvance
		}
		return MoveStale
	}
	if lc.Rank(next) > currentRank {
		return MoveAdvance
	}
	return MoveStale
}

func (lc *Lifecycle) capsConfirmations(status Status) bool {
	if lc.capConfirmationsBelow == "" {
		return false
	}
	rank := lc.Rank(status)
	return rank >= 0 && rank < lc.Rank(lc.capConfirmationsBelow)
}
