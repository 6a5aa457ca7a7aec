package sandboxd

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"settletrack/tracking"
)

func newTestStore(t *testing.T, sim SimulationConfig) (*Store, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewStore(setupTestDB(t), sim)
	store.now = func() time.Time { return now }
	return store, &now
}

func openTrade(t *testing.T, store *Store) Trade {
	t.Helper()
	trade, err := store.CreateTrade(context.Background(), NewTrade{
		Token:        "USDC",
		Amount:       decimal.NewFromInt(50),
		Price:        decimal.NewFromInt(2900),
		FiatCurrency: "BIF",
	}, "tester")
	require.NoError(t, err)
	return trade
}

func TestSweepReleasesAndExpiresTrades(t *testing.T) {
	sim := SimulationConfig{
		ReleaseAfter: Duration{time.Minute},
		TradeTTL:     Duration{10 * time.Minute},
	}
	store, now := newTestStore(t, sim)
	ctx := context.Background()

	stale := openTrade(t, store)
	settling := openTrade(t, store)
	for _, step := range []struct {
		action tracking.Action
		req    TradeRequest
	}{
		{tracking.ActionSandboxCryptoLocked, TradeRequest{}},
		{tracking.ActionFiatSent, TradeRequest{ProofURL: "https://proofs.example/1"}},
		{tracking.ActionFiatConfirm, TradeRequest{}},
	} {
		_, err := store.TradeAction(ctx, settling.ID, step.action, step.req, "tester")
		require.NoError(t, err)
	}

	*now = now.Add(2 * time.Minute)
	moved, err := store.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, moved, 1)
	require.Equal(t, string(tracking.TradeCompleted), moved[0].Status)

	*now = now.Add(10 * time.Minute)
	moved, err = store.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, moved, 1)
	require.Equal(t, stale.ID, moved[0].ID)

	expired, err := store.GetTrade(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, string(tracking.TradeExpired), expired.Status)

	log, err := store.Transitions(ctx, tracking.KindTrade, stale.ID)
	require.NoError(t, err)
	require.Len(t, log, 2)
	require.Equal(t, actorSettler, log[1].Actor)

	timeline := store.tradeTimeline(expired, log)
	require.Equal(t, 0, *timeline.EtaSeconds)
	last := timeline.Steps[len(timeline.Steps)-1]
	require.Equal(t, string(tracking.TradeExpired), last.Code)
	require.True(t, last.Completed)
	require.True(t, timeline.Steps[0].Completed)
	require.False(t, timeline.Steps[1].Completed)
}

func TestUpdatedAtFollowsStoreClock(t *testing.T) {
	store, now := newTestStore(t, SimulationConfig{})
	ctx := context.Background()
	trade := openTrade(t, store)

	*now = now.Add(3 * time.Minute)
	_, err := store.TradeAction(ctx, trade.ID, tracking.ActionSandboxCryptoLocked, TradeRequest{}, "tester")
	require.NoError(t, err)

	stored, err := store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	require.True(t, stored.UpdatedAt.Equal(*now), "updated_at %s, clock %s", stored.UpdatedAt, *now)

	order, err := store.CreateOrder(ctx, NewOrder{USDCExpected: decimal.NewFromInt(10)}, "tester")
	require.NoError(t, err)
	*now = now.Add(time.Minute)
	_, err = store.OrderAction(ctx, order.ID, tracking.ActionSandboxFund, "tester")
	require.NoError(t, err)
	storedOrder, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.True(t, storedOrder.UpdatedAt.Equal(*now))
}

func TestTerminalTradesRejectActions(t *testing.T) {
	store, _ := newTestStore(t, SimulationConfig{})
	ctx := context.Background()
	trade := openTrade(t, store)

	_, err := store.TradeAction(ctx, trade.ID, tracking.ActionFiatConfirm, TradeRequest{}, "tester")
	require.ErrorIs(t, err, ErrInvalidState)
	_, err = store.TradeAction(ctx, trade.ID, tracking.ActionFiatSent, TradeRequest{}, "tester")
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = store.TradeAction(ctx, trade.ID, tracking.ActionSandboxCryptoLocked, TradeRequest{EscrowTxHash: "0x12"}, "tester")
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = store.TradeAction(ctx, "trd_missing", tracking.ActionFiatConfirm, TradeRequest{}, "tester")
	require.ErrorIs(t, err, ErrNotFound)

	unchanged, err := store.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	require.Equal(t, string(tracking.TradeCreated), unchanged.Status)
}

func TestOrderRequiresPositiveAmount(t *testing.T) {
	store, _ := newTestStore(t, SimulationConfig{})
	_, err := store.CreateOrder(context.Background(), NewOrder{USDCExpected: decimal.Zero}, "tester")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestDepositAddressIsStableChecksummed(t *testing.T) {
	a := depositAddress("escrow", "ord_1")
	require.Equal(t, a, depositAddress("escrow", "ord_1"))
	require.NotEqual(t, a, depositAddress("trade", "ord_1"))
	require.True(t, common.IsHexAddress(a))
	require.Equal(t, common.HexToAddress(a).Hex(), a)

	hash := syntheticTxHash("escrow", "ord_1", "FUNDED")
	require.True(t, validTxHash(hash))
	require.False(t, validTxHash("0x"+strings.Repeat("zz", 32)))
	require.False(t, validTxHash("abc"))
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandboxd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9000"
auth:
  hmac_secret: "0123456789abcdef-secret"
  issuer: sandboxd
simulation:
  phase_duration: 30s
  release_after: 1m
rate_limit:
  requests_per_minute: 30
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.ListenAddress)
	require.Equal(t, 30*time.Second, cfg.Simulation.PhaseDuration.Duration)
	require.Equal(t, time.Minute, cfg.Simulation.ReleaseAfter.Duration)
	require.Equal(t, 6, cfg.Simulation.RequiredConfirmations)
	require.Equal(t, 10, cfg.RateLimit.Burst)

	t.Setenv("SANDBOXD_LISTEN", ":9100")
	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":9100", cfg.ListenAddress)

	_, err = LoadConfig("")
	require.ErrorContains(t, err, "hmac_secret")

	t.Setenv("SANDBOXD_AUTH_DISABLED", "true")
	cfg, err = LoadConfig("")
	require.NoError(t, err)
	require.True(t, cfg.Auth.Disabled)
}
