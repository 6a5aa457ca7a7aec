package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"settletrack/client"
	"settletrack/services/sandboxd"
	"settletrack/tracking"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"-trade", " trd_1 ", "-action", "Dispute", "-arg", "late"}, io.Discard)
	require.NoError(t, err)
	require.Equal(t, tracking.KindTrade, opts.kind)
	require.Equal(t, "trd_1", opts.id)
	require.Equal(t, tracking.ActionDispute, opts.action)
	require.Equal(t, "late", opts.arg)

	_, err = parseFlags(nil, io.Discard)
	require.Error(t, err)
	_, err = parseFlags([]string{"-order", "a", "-trade", "b"}, io.Discard)
	require.Error(t, err)
}

func TestRunStreamsDisplaysAfterAction(t *testing.T) {
	secret := "cli-test-secret-0123456789"
	cfg := sandboxd.Config{Auth: sandboxd.AuthConfig{HMACSecret: secret}}
	cfg.Simulation.PhaseDuration = sandboxd.Duration{Duration: time.Minute}
	cfg.Simulation.RequiredConfirmations = 3

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, sandboxd.AutoMigrate(db))
	srv := sandboxd.New(cfg, db, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Close()

	token, err := sandboxd.MintToken(cfg.Auth, "cli", []string{sandboxd.ScopeSandbox}, time.Hour)
	require.NoError(t, err)
	c, err := client.New(ts.URL, client.StaticToken(token))
	require.NoError(t, err)
	order, err := c.CreateOrder(context.Background(), client.CreateOrderRequest{USDCExpected: decimal.NewFromInt(20)})
	require.NoError(t, err)

	t.Setenv("SETTLETRACK_BASE_URL", ts.URL)
	t.Setenv("SETTLETRACK_TOKEN", token)
	t.Setenv("SETTLETRACK_POLL_INTERVAL", "100ms")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var stdout syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{"-order", order.ID, "-action", "fund"}, &stdout, io.Discard)
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(stdout.String(), `"status":"FUNDED"`)
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
