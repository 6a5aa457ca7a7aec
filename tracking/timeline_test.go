package tracking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func completed(steps []Step) []bool {
	out := make([]bool, len(steps))
	for i, step := range steps {
		out[i] = step.Completed
	}
	return out
}

func TestTimelineUsesServerStepsVerbatim(t *testing.T) {
	at := time.Unix(1700000000, 0).UTC()
	view := escrowView(OrderFunded)
	view.Steps = []Step{
		{Code: "Z", Label: "Last first", Completed: false},
		{Code: "A", Label: "Deposit", Completed: true, At: &at},
	}

	steps := Timeline(view)
	require.Equal(t, view.Steps, steps)

	steps[0].Label = "mutated"
	require.Equal(t, "Last first", view.Steps[0].Label)
}

func TestFallbackTimelineEscrow(t *testing.T) {
	steps := FallbackTimeline(KindEscrow, OrderSwapped, "")
	require.Len(t, steps, 5)
	require.Equal(t, []bool{true, true, true, false, false}, completed(steps))
	for _, step := range steps {
		require.Nil(t, step.At)
	}
}

func TestFallbackTimelineIsTotal(t *testing.T) {
	for _, kind := range []Kind{KindEscrow, KindTrade} {
		for _, status := range []Status{"", "REFUNDED", "garbage", OrderPaidOut, TradeCompleted, TradeDisputed, TradeExpired} {
			steps := FallbackTimeline(kind, status, "")
			require.NotEmpty(t, steps)
		}
	}

	unknown := FallbackTimeline(KindEscrow, "REFUNDED", "")
	for _, step := range unknown {
		require.False(t, step.Completed)
	}
}

func TestFallbackTimelineDisputeKeepsReachedSteps(t *testing.T) {
	steps := FallbackTimeline(KindTrade, TradeDisputed, TradeFiatSent)
	require.Len(t, steps, 6)
	require.Equal(t, []bool{true, true, true, false, false, true}, completed(steps))
	require.Equal(t, string(TradeDisputed), steps[5].Code)
}

func TestFallbackTimelineAcceptsLowerCaseStatus(t *testing.T) {
	steps := FallbackTimeline(KindEscrow, "funded", "")
	require.Equal(t, []bool{true, true, false, false, false}, completed(steps))
}

func TestDisplayProgress(t *testing.T) {
	view := escrowView(OrderFunded)
	require.Equal(t, 40, DisplayProgress(view))

	view.Progress = Int(55)
	require.Equal(t, 55, DisplayProgress(view))

	view.Progress = Int(20)
	require.Equal(t, 40, DisplayProgress(view))

	trade := NewView(KindTrade, "t")
	trade.Status = TradeDisputed
	trade.BranchedFrom = TradeFiatSent
	require.Equal(t, 60, DisplayProgress(trade))

	require.Equal(t, 0, DisplayProgress(NewView(KindEscrow, "x")))
}
