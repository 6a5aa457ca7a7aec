package tracking

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func escrowView(status Status) View {
	v := NewView(KindEscrow, "order-1")
	v.Status = status
	return v
}

func TestReconcileForwardMoveFromPush(t *testing.T) {
	current := escrowView(OrderCreated)
	next := Reconcile(current, Update{Status: OrderFunded, Progress: Int(40)}, SourcePush)

	require.Equal(t, OrderFunded, next.Status)
	require.NotNil(t, next.Progress)
	require.Equal(t, 40, *next.Progress)
	require.Equal(t, OrderCreated, current.Status, "input view must not be mutated")
}

func TestReconcileStalePollKeepsStatusButMergesTxHash(t *testing.T) {
	current := escrowView(OrderSwapped)
	current.Progress = Int(60)
	current.Confirmations = Int(12)

	stale := Update{
		Status:        OrderCreated,
		Progress:      Int(10),
		Confirmations: Int(3),
		TxHash:        String("0xabc"),
	}
	next, outcome := ReconcileOutcome(current, stale, SourcePoll)

	require.Equal(t, OutcomeStale, outcome)
	require.Equal(t, OrderSwapped, next.Status)
	require.Equal(t, 60, *next.Progress)
	require.Equal(t, 12, *next.Confirmations, "stale confirmations must not decrement")
	require.Equal(t, "0xabc", next.TxHash)
}

func TestReconcileStaleDoesNotOverrideKnownTxHash(t *testing.T) {
	current := escrowView(OrderSwapped)
	current.TxHash = "0xnew"
	next := Reconcile(current, Update{Status: OrderFunded, TxHash: String("0xold")}, SourcePush)
	require.Equal(t, "0xnew", next.TxHash)
}

func TestReconcileSameStatusTakesMax(t *testing.T) {
	current := escrowView(OrderFunded)
	current.Progress = Int(45)
	current.Confirmations = Int(4)
	current.EtaSeconds = Int(300)

	next := Reconcile(current, Update{Status: OrderFunded, Progress: Int(42), Confirmations: Int(6), EtaSeconds: Int(240)}, SourcePoll)

	require.Equal(t, 45, *next.Progress)
	require.Equal(t, 6, *next.Confirmations)
	require.Equal(t, 240, *next.EtaSeconds)
}

func TestReconcileAdvanceNeverInventsProgress(t *testing.T) {
	current := escrowView(OrderCreated)
	current.Progress = Int(25)
	current.EtaSeconds = Int(120)

	next := Reconcile(current, Update{Status: OrderFunded}, SourcePoll)

	require.Equal(t, OrderFunded, next.Status)
	require.Nil(t, next.Progress)
	require.Nil(t, next.EtaSeconds)
	require.Equal(t, 40, DisplayProgress(next))
}

func TestReconcileActionForcesBackwardTransition(t *testing.T) {
	current := NewView(KindTrade, "trade-1")
	current.Status = TradeDisputed
	current.BranchedFrom = TradeFiatSent

	next, outcome := ReconcileOutcome(current, Update{Status: TradeCryptoLocked}, SourceAction)

	require.Equal(t, OutcomeForced, outcome)
	require.Equal(t, TradeCryptoLocked, next.Status)
	require.Empty(t, next.BranchedFrom)
}

func TestReconcileDisputeFromAnySource(t *testing.T) {
	current := NewView(KindTrade, "trade-1")
	current.Status = TradeFiatSent

	next := Reconcile(current, Update{Status: TradeDisputed}, SourcePoll)
	require.Equal(t, TradeDisputed, next.Status)
	require.Equal(t, TradeFiatSent, next.BranchedFrom)

	stale := Reconcile(next, Update{Status: TradeCryptoLocked}, SourcePoll)
	require.Equal(t, TradeDisputed, stale.Status, "poll must not leave a dispute backwards")

	resolved := Reconcile(next, Update{Status: TradeFiatConfirmed}, SourcePush)
	require.Equal(t, TradeFiatConfirmed, resolved.Status)
}

func TestReconcileTerminalIsFinalForChannels(t *testing.T) {
	current := escrowView(OrderPaidOut)
	for _, source := range []Source{SourcePoll, SourcePush} {
		next := Reconcile(current, Update{Status: OrderPayoutPending}, source)
		require.Equal(t, OrderPaidOut, next.Status)
	}
}

func TestReconcileMalformedIsNoop(t *testing.T) {
	current := escrowView(OrderFunded)
	current.Progress = Int(40)

	cases := map[string]Update{
		"empty":         {},
		"other id":      {ID: "order-2", Status: OrderPaidOut},
		"other kind":    {Kind: KindTrade, Status: OrderPaidOut},
		"bad progress":  {Progress: Int(140)},
		"negative conf": {Confirmations: Int(-1)},
		"blank tx hash": {TxHash: String("   ")},
		"negative eta":  {EtaSeconds: Int(-5)},
	}
	for name, update := range cases {
		t.Run(name, func(t *testing.T) {
			next, outcome := ReconcileOutcome(current, update, SourcePush)
			require.Equal(t, OutcomeNoop, outcome)
			require.Equal(t, current, next)
		})
	}
}

func TestReconcileUnknownStatusIsIgnored(t *testing.T) {
	current := escrowView(OrderFunded)
	next, outcome := ReconcileOutcome(current, Update{Status: "REFUNDED", Confirmations: Int(2)}, SourcePush)
	require.Equal(t, OutcomeStale, outcome)
	require.Equal(t, OrderFunded, next.Status)
	require.Equal(t, 2, *next.Confirmations)
}

func TestReconcileCapsConfirmationsBeforeFunded(t *testing.T) {
	current := escrowView(OrderCreated)
	next := Reconcile(current, Update{Status: OrderCreated, Confirmations: Int(9), RequiredConfirmations: Int(6)}, SourcePoll)
	require.Equal(t, 6, *next.Confirmations)

	funded := Reconcile(next, Update{Status: OrderFunded, Confirmations: Int(9)}, SourcePoll)
	require.Equal(t, 9, *funded.Confirmations)
}

func TestReconcileSandboxFlagIsImmutable(t *testing.T) {
	current := escrowView(OrderCreated)
	current = Reconcile(current, Update{Escrow: &EscrowDetails{IsSandbox: Bool(true), USDCExpected: decimal.NewNullDecimal(decimal.RequireFromString("25.5"))}}, SourcePoll)
	next := Reconcile(current, Update{Escrow: &EscrowDetails{IsSandbox: Bool(false)}}, SourcePoll)

	require.True(t, *next.Escrow.IsSandbox)
	require.True(t, next.Escrow.USDCExpected.Decimal.Equal(decimal.RequireFromString("25.5")))
}

func TestReconcileIdempotent(t *testing.T) {
	updates := []Update{
		{Status: OrderFunded, Progress: Int(40), Confirmations: Int(3)},
		{Status: OrderCreated, TxHash: String("0x1")},
		{Status: OrderSwapped, EtaSeconds: Int(90), Steps: []Step{{Code: "A", Completed: true}}},
		{Progress: Int(70)},
	}
	base := escrowView(OrderCreated)
	for _, source := range []Source{SourcePoll, SourcePush, SourceAction} {
		for _, update := range updates {
			once := Reconcile(base, update, source)
			twice := Reconcile(once, update, source)
			require.Equal(t, once, twice)
		}
	}
}

func TestReconcileMonotonicUnderShuffledChannels(t *testing.T) {
	statuses := LifecycleFor(KindEscrow).Forward()
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 200; round++ {
		var updates []Update
		for i := 0; i < 30; i++ {
			phase := statuses[rng.Intn(len(statuses))]
			updates = append(updates, Update{
				Status:        phase.Status,
				Progress:      Int(rng.Intn(101)),
				Confirmations: Int(rng.Intn(20)),
			})
		}
		view := escrowView("")
		lastRank := -1
		lastProgress := map[Status]int{}
		lastConfirmations := 0
		lc := LifecycleFor(KindEscrow)
		for _, update := range updates {
			source := SourcePoll
			if rng.Intn(2) == 0 {
				source = SourcePush
			}
			view = Reconcile(view, update, source)

			rank := lc.Rank(view.Status)
			require.GreaterOrEqual(t, rank, lastRank)
			if rank > lastRank {
				lastConfirmations = 0
			}
			lastRank = rank

			shown := DisplayProgress(view)
			require.GreaterOrEqual(t, shown, lastProgress[view.Status])
			lastProgress[view.Status] = shown

			if view.Confirmations != nil {
				require.GreaterOrEqual(t, *view.Confirmations, lastConfirmations)
				lastConfirmations = *view.Confirmations
			}
		}
	}
}

func TestReconcileDisputeThenCryptoLockedAction(t *testing.T) {
	view := NewView(KindTrade, "trade-9")
	view = Reconcile(view, Update{Status: TradeFiatSent}, SourcePoll)
	view = Reconcile(view, Update{Status: TradeDisputed}, SourceAction)
	require.Equal(t, TradeDisputed, view.Status)

	view = Reconcile(view, Update{Status: TradeCryptoLocked}, SourceAction)
	require.Equal(t, TradeCryptoLocked, view.Status)
}

func TestReconcileLateDisputeAfterResolutionIsStale(t *testing.T) {
	view := NewView(KindTrade, "trade-9")
	view = Reconcile(view, Update{Status: TradeFiatSent}, SourcePoll)
	view = Reconcile(view, Update{Status: TradeDisputed}, SourceAction)
	view = Reconcile(view, Update{Status: TradeCryptoLocked}, SourceAction)

	next, outcome := ReconcileOutcome(view, Update{Status: TradeDisputed, TxHash: String("0xlock")}, SourcePush)
	require.Equal(t, OutcomeStale, outcome)
	require.Equal(t, TradeCryptoLocked, next.Status)
	require.Empty(t, next.BranchedFrom)
	require.Equal(t, "0xlock", next.TxHash)

	for i := 0; i < 3; i++ {
		next = Reconcile(next, Update{Status: TradeCryptoLocked}, SourcePoll)
		require.Equal(t, TradeCryptoLocked, next.Status)
	}

	next = Reconcile(next, Update{Status: TradeFiatSent}, SourcePoll)
	require.Equal(t, TradeFiatSent, next.Status)
	stillStale := Reconcile(next, Update{Status: TradeDisputed}, SourcePoll)
	require.Equal(t, TradeFiatSent, stillStale.Status)

	// past the point the old dispute was raised, a channel dispute is new
	next = Reconcile(next, Update{Status: TradeFiatConfirmed}, SourcePoll)
	require.Empty(t, next.ResolvedBranch)
	disputed := Reconcile(next, Update{Status: TradeDisputed}, SourcePush)
	require.Equal(t, TradeDisputed, disputed.Status)
	require.Equal(t, TradeFiatConfirmed, disputed.BranchedFrom)
}

func TestReconcileChannelExitFromDisputeIgnoresLateDispute(t *testing.T) {
	view := NewView(KindTrade, "trade-9")
	view = Reconcile(view, Update{Status: TradeFiatSent}, SourcePoll)
	view = Reconcile(view, Update{Status: TradeDisputed}, SourcePoll)
	view = Reconcile(view, Update{Status: TradeFiatConfirmed}, SourcePush)
	require.Equal(t, TradeFiatConfirmed, view.Status)

	view = Reconcile(view, Update{Status: TradeDisputed}, SourcePoll)
	require.Equal(t, TradeFiatConfirmed, view.Status)

	// the client's own dispute action always enters the branch
	view = Reconcile(view, Update{Status: TradeDisputed}, SourceAction)
	require.Equal(t, TradeDisputed, view.Status)
	require.Empty(t, view.ResolvedBranch)
}

func TestReconcileConfirmationsNeverDropWithinStatus(t *testing.T) {
	view := escrowView(OrderCreated)
	view = Reconcile(view, Update{Status: OrderCreated, Confirmations: Int(3), RequiredConfirmations: Int(6)}, SourcePoll)
	require.Equal(t, 3, *view.Confirmations)

	view = Reconcile(view, Update{Status: OrderCreated, RequiredConfirmations: Int(2)}, SourcePoll)
	require.Equal(t, 3, *view.Confirmations)
	require.Equal(t, 2, *view.RequiredConfirmations)

	view = Reconcile(view, Update{RequiredConfirmations: Int(1)}, SourcePush)
	require.Equal(t, 3, *view.Confirmations)

	// incoming values are still bounded by the required count
	fresh := Reconcile(escrowView(OrderCreated), Update{Confirmations: Int(8), RequiredConfirmations: Int(4)}, SourcePush)
	require.Equal(t, 4, *fresh.Confirmations)
}

// tradeScript is the authority's history for a disputed trade that an
// operator resolves back to CRYPTO_LOCKED before it settles.
var tradeScript = []struct {
	status Status
	action bool
}{
	{TradeCreated, false},
	{TradeCryptoLocked, false},
	{TradeFiatSent, false},
	{TradeDisputed, true},
	{TradeCryptoLocked, true},
	{TradeFiatSent, false},
	{TradeFiatConfirmed, false},
	{TradeCompleted, false},
}

func TestReconcileTradeConvergesUnderShuffledChannels(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 300; round++ {
		view := NewView(KindTrade, "trade-1")
		for i, step := range tradeScript {
			if step.action {
				view = Reconcile(view, Update{Status: step.status}, SourceAction)
			}

			// Channel responses may lag the authority by one transition
			// and arrive in any order around the current snapshot.
			var updates []Update
			for n := rng.Intn(4); n > 0 && i > 0; n-- {
				updates = append(updates, Update{Status: tradeScript[i-1].status, Confirmations: Int(rng.Intn(3))})
			}
			updates = append(updates, Update{Status: step.status})
			rng.Shuffle(len(updates), func(a, b int) { updates[a], updates[b] = updates[b], updates[a] })

			for _, update := range updates {
				source := SourcePoll
				if rng.Intn(2) == 0 {
					source = SourcePush
				}
				view = Reconcile(view, update, source)
			}
			require.Equal(t, step.status, view.Status, "round %d step %d", round, i)
			if step.status != TradeDisputed {
				require.Empty(t, view.BranchedFrom, "round %d step %d", round, i)
			}
		}
	}
}
