package main

import (
	"context"
	"testing"
	"time"

	"github.com/annel0/memreplay/internal/config"
	"github.com/annel0/memreplay/internal/logging"
	"github.com/annel0/memreplay/internal/replay"
	"github.com/annel0/memreplay/internal/storage"
	"github.com/annel0/memreplay/internal/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"-s", "memory:", "-r", "64", "-m", "writes", "-run", "boot"})
	require.NoError(t, err)
	assert.Equal(t, "boot", opts.store)
	assert.True(t, opts.run)

	cfg := config.Default()
	applyFlags(cfg, opts)
	assert.Equal(t, "memory:", cfg.Store.Server)
	assert.Equal(t, uint32(64), cfg.Replay.RamSizeMiB)
	assert.Equal(t, "writes", cfg.Store.WriteStream)
	assert.Equal(t, "boot", cfg.Store.Name)

	_, err = parseFlags([]string{"-run"})
	assert.Error(t, err)
}

func TestWebhooksFromConfig(t *testing.T) {
	hooks := webhooksFromConfig([]config.WebhookConfig{{Name: "a", URL: "http://x", Events: []string{"*"}}})
	require.Len(t, hooks, 1)
	assert.Equal(t, "http://x", hooks[0].URL)
}

func returnsWithin(t *testing.T, d time.Duration, f func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		f()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("waitExit did not return")
	}
}

func TestWaitExitReturnsWhenReplayFinishes(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	id, err := store.RegisterStream(ctx, trace.MemoryWriteDescriptor(trace.DefaultWriteStream))
	require.NoError(t, err)
	w, err := trace.NewMemoryWrite(1, 0x10, 7, 4)
	require.NoError(t, err)
	require.NoError(t, store.Append(id, w.Encode()))

	cfg := replay.DefaultConfig()
	cfg.RamSize = 1 << 20
	rp, err := replay.New(ctx, store, cfg, replay.WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer rp.Close()

	require.NoError(t, rp.Start())
	returnsWithin(t, 2*time.Second, func() { waitExit(ctx, rp.Finished(), true) })
	assert.True(t, rp.IsDone())
	assert.Equal(t, uint64(1), rp.Index())

	// с REST API выход только по сигналу
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	returnsWithin(t, 2*time.Second, func() { waitExit(cancelled, rp.Finished(), false) })
}
