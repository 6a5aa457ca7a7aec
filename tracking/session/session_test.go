package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"settletrack/client"
	"settletrack/tracking"
	"settletrack/tracking/channel"
)

type fakeChannel struct {
	source tracking.Source

	mu       sync.Mutex
	onUpdate channel.UpdateFunc
	onError  channel.ErrorFunc
	starts   int
	stops    int
}

func (f *fakeChannel) Start(_ context.Context, onUpdate channel.UpdateFunc, onError channel.ErrorFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.onUpdate = onUpdate
	f.onError = onError
	return nil
}

func (f *fakeChannel) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakeChannel) Source() tracking.Source { return f.source }

// emit delivers an update the way an in-flight response would, even after
// Stop, so teardown can be exercised.
func (f *fakeChannel) emit(update tracking.Update) {
	f.mu.Lock()
	fn := f.onUpdate
	f.mu.Unlock()
	if fn != nil {
		fn(update)
	}
}

func (f *fakeChannel) fail(err error) {
	f.mu.Lock()
	fn := f.onError
	f.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type noFetch struct{}

func (noFetch) Fetch(context.Context, string) ([]tracking.Update, error) { return nil, nil }

func newClient(t *testing.T, auth client.AuthProvider) *client.Client {
	t.Helper()
	c, err := client.New("http://authority.invalid", auth)
	require.NoError(t, err)
	return c
}

func openFake(t *testing.T, kind tracking.Kind, clock tracking.Clock) (*Session, *fakeChannel, *fakeChannel) {
	t.Helper()
	poll := &fakeChannel{source: tracking.SourcePoll}
	push := &fakeChannel{source: tracking.SourcePush}
	s, err := Open(context.Background(), Config{
		Kind:         kind,
		ID:           "id-1",
		Client:       newClient(t, client.StaticToken("tok")),
		Clock:        clock,
		TickInterval: 5 * time.Millisecond,
	}, WithChannels(poll, push), WithAuthority(nil, noFetch{}))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, poll, push
}

func TestOpenRequiresCredential(t *testing.T) {
	poll := &fakeChannel{source: tracking.SourcePoll}
	_, err := Open(context.Background(), Config{
		Kind:   tracking.KindEscrow,
		ID:     "ord-1",
		Client: newClient(t, client.EnvToken("SETTLETRACK_SESSION_TEST_UNSET")),
	}, WithChannels(poll))
	require.ErrorIs(t, err, client.ErrNoCredential)
	require.Zero(t, poll.starts)

	_, err = Open(context.Background(), Config{Kind: "swap", ID: "x", Client: newClient(t, client.StaticToken("t"))})
	require.Error(t, err)
}

func TestPushAdvanceWinsOverOlderPoll(t *testing.T) {
	s, poll, push := openFake(t, tracking.KindEscrow, nil)

	poll.emit(tracking.Update{Status: tracking.OrderCreated})
	push.emit(tracking.Update{Status: tracking.OrderFunded, Progress: tracking.Int(40)})
	poll.emit(tracking.Update{Status: tracking.OrderCreated, Progress: tracking.Int(12)})

	d := s.Snapshot()
	require.Equal(t, tracking.OrderFunded, d.View.Status)
	require.Equal(t, 40, d.Progress)
	require.Equal(t, []tracking.Action{tracking.ActionRetry, tracking.ActionSandboxSwap}, d.Actions)
	require.True(t, d.Timeline[1].Completed)
	require.False(t, d.Timeline[2].Completed)
}

func TestPollErrorFlagsViewPushErrorDoesNot(t *testing.T) {
	s, poll, push := openFake(t, tracking.KindEscrow, nil)
	poll.emit(tracking.Update{Status: tracking.OrderFunded})

	push.fail(errors.New("socket reset"))
	require.False(t, s.Snapshot().View.Error)

	poll.fail(errors.New("502 bad gateway"))
	d := s.Snapshot()
	require.True(t, d.View.Error)
	require.Equal(t, tracking.OrderFunded, d.View.Status)

	poll.emit(tracking.Update{Status: tracking.OrderFunded})
	require.False(t, s.Snapshot().View.Error)
}

func TestCountdownKeepsRunningAcrossIdenticalSnapshots(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	s, poll, _ := openFake(t, tracking.KindEscrow, clock)

	poll.emit(tracking.Update{Status: tracking.OrderCreated, EtaSeconds: tracking.Int(120)})
	clock.Advance(60 * time.Second)
	poll.emit(tracking.Update{Status: tracking.OrderCreated, EtaSeconds: tracking.Int(120)})

	d := s.Snapshot()
	require.NotNil(t, d.EtaRemaining)
	require.Equal(t, 60, *d.EtaRemaining)
	require.Equal(t, 10, d.Progress)

	poll.emit(tracking.Update{Status: tracking.OrderPaidOut})
	require.Nil(t, s.Snapshot().EtaRemaining)
}

func TestSubscribeReceivesChangesAndTicks(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	s, poll, _ := openFake(t, tracking.KindEscrow, clock)

	var (
		mu       sync.Mutex
		displays []Display
	)
	unsubscribe := s.Subscribe(func(d Display) {
		mu.Lock()
		displays = append(displays, d)
		mu.Unlock()
	})
	defer unsubscribe()

	poll.emit(tracking.Update{Status: tracking.OrderCreated, EtaSeconds: tracking.Int(30)})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(displays) >= 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, tracking.OrderCreated, displays[0].View.Status)
	for _, d := range displays {
		require.NotNil(t, d.EtaRemaining)
		require.LessOrEqual(t, *d.EtaRemaining, 30)
	}
}

func TestCloseStopsEverythingAndDropsLateUpdates(t *testing.T) {
	s, poll, push := openFake(t, tracking.KindTrade, nil)
	poll.emit(tracking.Update{Status: tracking.TradeCreated})

	notified := 0
	s.Subscribe(func(Display) { notified++ })

	s.Close()
	s.Close()
	require.Equal(t, 1, poll.stops)
	require.Equal(t, 1, push.stops)

	store := s.Store()
	mutations := store.Mutations()
	before := store.View()

	poll.emit(tracking.Update{Status: tracking.TradeCryptoLocked})
	push.emit(tracking.Update{Status: tracking.TradeDisputed})
	poll.fail(errors.New("late failure"))

	require.Equal(t, mutations, store.Mutations())
	require.Equal(t, before, store.View())
	require.EqualValues(t, 3, store.Rejected())
	require.Zero(t, notified)

	_, err := s.Do(context.Background(), tracking.ActionDispute, "too late")
	require.ErrorIs(t, err, ErrClosed)
}
