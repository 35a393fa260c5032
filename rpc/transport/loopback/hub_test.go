package loopback

import (
	"context"
	"testing"
	"time"

	"github.com/ValentinKolb/dTS/lib/engine"
	"github.com/ValentinKolb/dTS/lib/subscription"
	"github.com/ValentinKolb/dTS/lib/tuple"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startEngine(t *testing.T, hub *Hub, owner int) *engine.Engine {
	t.Helper()
	cfg := engine.DefaultConfig(owner)
	cfg.Transport = hub
	e, err := engine.New(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Start())
	t.Cleanup(func() { assert.NoError(t, e.Stop()) })
	return e
}

func waitOwners(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Owners() == n }, 2*time.Second, time.Millisecond)
}

func TestWriteBetweenEngines(t *testing.T) {
	hub := NewHub()
	alice := startEngine(t, hub, 1)
	bob := startEngine(t, hub, 2)
	waitOwners(t, hub, 2)

	got := make(chan tuple.Tuple, 1)
	_, err := bob.RegisterCallback(tuple.Owner(2), tuple.Key("greeting"), subscription.CallbackFunc(func(tu tuple.Tuple) error {
		got <- tu
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, alice.SetRemoteTuple(context.Background(), 2, "greeting", []byte("hello")))

	stored, err := bob.GetTuple(2, "greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello", stored.StringData())

	select {
	case tu := <-got:
		assert.Equal(t, "hello", tu.StringData())
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked")
	}
}

func TestUnknownOwner(t *testing.T) {
	hub := NewHub()
	alice := startEngine(t, hub, 1)
	waitOwners(t, hub, 1)

	err := alice.SetRemoteTuple(context.Background(), 7, "k", []byte("v"))
	assert.ErrorIs(t, err, tuple.ErrNoTransport)
}

func TestStoppedEngineDetaches(t *testing.T) {
	hub := NewHub()
	cfg := engine.DefaultConfig(3)
	cfg.Transport = hub
	e, err := engine.New(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Start())
	waitOwners(t, hub, 1)

	require.NoError(t, e.Stop())
	assert.Equal(t, 0, hub.Owners())
}

func TestDuplicateOwner(t *testing.T) {
	hub := NewHub()
	startEngine(t, hub, 1)
	waitOwners(t, hub, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.Error(t, hub.Listen(ctx, 1, nil))
}
