package action

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"settletrack/client"
	"settletrack/tracking"
)

type fakeAuthority struct {
	mu      sync.Mutex
	calls   []string
	order   *client.Order
	trade   *client.Trade
	err     error
	lastArg string
}

func (f *fakeAuthority) record(name, arg string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.lastArg = arg
	f.mu.Unlock()
}

func (f *fakeAuthority) RetryOrder(_ context.Context, id string) (*client.Order, error) {
	f.record("retry", id)
	return f.order, f.err
}

func (f *fakeAuthority) SandboxAction(_ context.Context, id string, action tracking.Action) (*client.Order, error) {
	f.record("sandbox/"+string(action), id)
	return f.order, f.err
}

func (f *fakeAuthority) Dispute(_ context.Context, id, reason string) (*client.Trade, error) {
	f.record("dispute", reason)
	return f.trade, f.err
}

func (f *fakeAuthority) FiatSent(_ context.Context, id, proofURL, note string) (*client.Trade, error) {
	f.record("fiat-sent", proofURL)
	return f.trade, f.err
}

func (f *fakeAuthority) FiatConfirm(_ context.Context, id string) (*client.Trade, error) {
	f.record("fiat-confirm", id)
	return f.trade, f.err
}

func (f *fakeAuthority) SandboxCryptoLocked(_ context.Context, id, txHash string) (*client.Trade, error) {
	f.record("crypto-locked", txHash)
	return f.trade, f.err
}

type fakeFetcher struct {
	updates []tracking.Update
	err     error
	calls   int
}

func (f *fakeFetcher) Fetch(context.Context, string) ([]tracking.Update, error) {
	f.calls++
	return f.updates, f.err
}

func escrowStore(status tracking.Status) *tracking.Store {
	store := tracking.NewStore(tracking.KindEscrow, "ord-1")
	store.Apply(tracking.Update{Status: status}, tracking.SourcePoll)
	return store
}

func tradeStore(statuses ...tracking.Status) *tracking.Store {
	store := tracking.NewStore(tracking.KindTrade, "tr-1")
	for _, status := range statuses {
		store.Apply(tracking.Update{Status: status}, tracking.SourcePoll)
	}
	return store
}

func TestSandboxFundForcesFundedWithoutChannelEvent(t *testing.T) {
	store := escrowStore(tracking.OrderCreated)
	authority := &fakeAuthority{order: &client.Order{ID: "ord-1", Status: "FUNDED"}}
	fetcher := &fakeFetcher{updates: []tracking.Update{
		{ID: "ord-1", Status: tracking.OrderFunded},
		{ID: "ord-1", Status: tracking.OrderFunded, Progress: tracking.Int(42)},
	}}
	gw := NewGateway(authority, store, fetcher)

	view, err := gw.SandboxAction(context.Background(), "ord-1", tracking.ActionSandboxFund)
	require.NoError(t, err)
	require.Equal(t, tracking.OrderFunded, view.Status)
	require.Equal(t, 42, *view.Progress)
	require.Equal(t, 1, fetcher.calls)
	require.Equal(t, []string{"sandbox/fund"}, authority.calls)
}

func TestSandboxActionPreconditionsFollowLifecycle(t *testing.T) {
	cases := []struct {
		status tracking.Status
		action tracking.Action
		ok     bool
	}{
		{tracking.OrderCreated, tracking.ActionSandboxFund, true},
		{tracking.OrderCreated, tracking.ActionSandboxSwap, false},
		{tracking.OrderFunded, tracking.ActionSandboxSwap, true},
		{tracking.OrderSwapped, tracking.ActionSandboxPayoutPending, true},
		{tracking.OrderPayoutPending, tracking.ActionSandboxPayout, true},
		{tracking.OrderPaidOut, tracking.ActionSandboxPayout, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.status)+"/"+string(tc.action), func(t *testing.T) {
			authority := &fakeAuthority{order: &client.Order{ID: "ord-1", Status: string(tc.status)}}
			gw := NewGateway(authority, escrowStore(tc.status), nil)
			_, err := gw.SandboxAction(context.Background(), "ord-1", tc.action)
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrActionNotAllowed)
			require.Empty(t, authority.calls, "rejected actions never reach the authority")
		})
	}
}

func TestFailedActionLeavesViewUnchanged(t *testing.T) {
	store := escrowStore(tracking.OrderCreated)
	before := store.View()
	authority := &fakeAuthority{err: &client.APIError{StatusCode: 409, Message: "conflict"}}
	fetcher := &fakeFetcher{}
	gw := NewGateway(authority, store, fetcher)

	view, err := gw.Retry(context.Background(), "ord-1")
	require.Error(t, err)

	var actionErr *ActionError
	require.ErrorAs(t, err, &actionErr)
	require.Equal(t, tracking.ActionRetry, actionErr.Action)
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)

	require.Equal(t, before, view)
	require.Equal(t, before, store.View())
	require.Zero(t, fetcher.calls)
}

func TestDisputeThenPrivilegedCryptoLocked(t *testing.T) {
	store := tradeStore(tracking.TradeCreated, tracking.TradeCryptoLocked, tracking.TradeFiatSent)
	authority := &fakeAuthority{trade: &client.Trade{ID: "tr-1", Status: "DISPUTED"}}
	fetcher := &fakeFetcher{updates: []tracking.Update{{ID: "tr-1", Status: tracking.TradeDisputed}}}
	gw := NewGateway(authority, store, fetcher)

	view, err := gw.Dispute(context.Background(), "tr-1", "buyer unresponsive")
	require.NoError(t, err)
	require.Equal(t, tracking.TradeDisputed, view.Status)
	require.Equal(t, tracking.TradeFiatSent, view.BranchedFrom)

	require.False(t, gw.Allowed(tracking.ActionDispute))
	require.True(t, gw.Allowed(tracking.ActionSandboxCryptoLocked))

	authority.trade = &client.Trade{ID: "tr-1", Status: "CRYPTO_LOCKED"}
	fetcher.updates = []tracking.Update{{ID: "tr-1", Status: tracking.TradeCryptoLocked}}
	view, err = gw.SandboxCryptoLocked(context.Background(), "tr-1", "")
	require.NoError(t, err)
	require.Equal(t, tracking.TradeCryptoLocked, view.Status)
}

func TestRefetchFailureFallsBackToResponseBody(t *testing.T) {
	store := tradeStore(tracking.TradeCreated, tracking.TradeCryptoLocked)
	authority := &fakeAuthority{trade: &client.Trade{ID: "tr-1", Status: "FIAT_SENT"}}
	fetcher := &fakeFetcher{err: errors.New("timeout")}
	gw := NewGateway(authority, store, fetcher)

	view, err := gw.FiatSent(context.Background(), "tr-1", "https://proofs.example/receipt.png", "")
	require.NoError(t, err)
	require.Equal(t, tracking.TradeFiatSent, view.Status)
	require.Equal(t, "https://proofs.example/receipt.png", authority.lastArg)
}

func TestLaggingRefetchDoesNotRegress(t *testing.T) {
	store := escrowStore(tracking.OrderCreated)
	store.Apply(tracking.Update{Status: tracking.OrderSwapped}, tracking.SourcePush)
	authority := &fakeAuthority{order: &client.Order{ID: "ord-1", Status: "SWAPPED"}}
	fetcher := &fakeFetcher{updates: []tracking.Update{{ID: "ord-1", Status: tracking.OrderFunded}}}
	gw := NewGateway(authority, store, fetcher)

	view, err := gw.Retry(context.Background(), "ord-1")
	require.NoError(t, err)
	require.Equal(t, tracking.OrderSwapped, view.Status)
}

func TestInputValidation(t *testing.T) {
	gw := NewGateway(&fakeAuthority{}, tradeStore(tracking.TradeCreated, tracking.TradeCryptoLocked), nil)

	_, err := gw.FiatSent(context.Background(), "tr-1", "not a url", "")
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = gw.Dispute(context.Background(), "tr-1", "  ")
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = gw.FiatConfirm(context.Background(), "other-trade")
	require.ErrorIs(t, err, ErrWrongTarget)
	_, err = gw.Retry(context.Background(), "tr-1")
	require.ErrorIs(t, err, ErrWrongTarget)
	_, err = gw.Do(context.Background(), "explode", "")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestDoDispatchesByName(t *testing.T) {
	authority := &fakeAuthority{trade: &client.Trade{ID: "tr-1", Status: "FIAT_CONFIRMED"}}
	gw := NewGateway(authority, tradeStore(tracking.TradeCreated, tracking.TradeCryptoLocked, tracking.TradeFiatSent), nil)

	view, err := gw.Do(context.Background(), tracking.ActionFiatConfirm, "")
	require.NoError(t, err)
	require.Equal(t, tracking.TradeFiatConfirmed, view.Status)
	require.Equal(t, []string{"fiat-confirm"}, authority.calls)
}
