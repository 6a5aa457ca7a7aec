package tracking

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreApplyNotifiesListeners(t *testing.T) {
	store := NewStore(KindEscrow, "order-1")

	var (
		mu   sync.Mutex
		seen []Status
	)
	unsubscribe := store.Subscribe(func(view View, source Source) {
		mu.Lock()
		seen = append(seen, view.Status)
		mu.Unlock()
	})

	_, ok := store.Apply(Update{Status: OrderCreated}, SourcePoll)
	require.True(t, ok)
	view, ok := store.Apply(Update{Status: OrderFunded, Progress: Int(40)}, SourcePush)
	require.True(t, ok)
	require.Equal(t, OrderFunded, view.Status)
	require.EqualValues(t, 2, view.Revision)

	// a no-op does not notify
	store.Apply(Update{ID: "another"}, SourcePush)

	unsubscribe()
	store.Apply(Update{Status: OrderSwapped}, SourcePush)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []Status{OrderCreated, OrderFunded}, seen)
}

func TestStoreMarkErrorKeepsLastGoodView(t *testing.T) {
	store := NewStore(KindEscrow, "order-1")
	store.Apply(Update{Status: OrderFunded, Confirmations: Int(2)}, SourcePoll)

	require.True(t, store.MarkError(errors.New("503 upstream")))
	view := store.View()
	require.True(t, view.Error)
	require.Equal(t, "503 upstream", view.ErrorMessage)
	require.Equal(t, OrderFunded, view.Status)
	require.Equal(t, 2, *view.Confirmations)

	// a push does not clear the poll error
	store.Apply(Update{Status: OrderFunded, Confirmations: Int(3)}, SourcePush)
	require.True(t, store.View().Error)

	store.Apply(Update{Status: OrderFunded, Confirmations: Int(3)}, SourcePoll)
	require.False(t, store.View().Error)
}

func TestStoreRejectsMutationsAfterClose(t *testing.T) {
	var outcomes []bool
	store := NewStore(KindTrade, "trade-1", WithApplyObserver(func(_ Source, _ Outcome, closed bool) {
		outcomes = append(outcomes, closed)
	}))
	store.Apply(Update{Status: TradeCreated}, SourcePoll)
	before := store.View()
	mutations := store.Mutations()

	store.Close()
	require.True(t, store.Closed())

	_, ok := store.Apply(Update{Status: TradeCryptoLocked}, SourcePush)
	require.False(t, ok)
	_, ok = store.Apply(Update{Status: TradeDisputed}, SourceAction)
	require.False(t, ok)
	require.False(t, store.MarkError(errors.New("late")))

	require.Equal(t, before, store.View())
	require.Equal(t, mutations, store.Mutations())
	require.EqualValues(t, 3, store.Rejected())
	require.Equal(t, []bool{false, true, true}, outcomes)
}

func TestStoreConcurrentApplyIsSerialized(t *testing.T) {
	store := NewStore(KindEscrow, "order-1")
	statuses := []Status{OrderCreated, OrderFunded, OrderSwapped, OrderPayoutPending, OrderPaidOut}

	var revisions []uint64
	var mu sync.Mutex
	store.Subscribe(func(view View, _ Source) {
		mu.Lock()
		revisions = append(revisions, view.Revision)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			source := SourcePoll
			if i%2 == 0 {
				source = SourcePush
			}
			store.Apply(Update{Status: statuses[i%len(statuses)], Confirmations: Int(i)}, source)
		}(i)
	}
	wg.Wait()

	require.Equal(t, OrderPaidOut, store.View().Status)
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(revisions); i++ {
		require.Greater(t, revisions[i], revisions[i-1])
	}
}

func TestStoreRecoversFromLateDisputeAfterResolution(t *testing.T) {
	store := NewStore(KindTrade, "trade-1")
	store.Apply(Update{Status: TradeFiatSent}, SourcePoll)
	store.Apply(Update{Status: TradeDisputed}, SourceAction)
	store.Apply(Update{Status: TradeCryptoLocked}, SourceAction)
	store.Apply(Update{Status: TradeDisputed}, SourcePush)
	for i := 0; i < 3; i++ {
		store.Apply(Update{Status: TradeCryptoLocked}, SourcePoll)
	}

	view := store.View()
	require.Equal(t, TradeCryptoLocked, view.Status)
	require.Empty(t, view.BranchedFrom)
	require.Equal(t, []Action{ActionFiatSent, ActionDispute}, store.Lifecycle().Actions(view.Status))
}
