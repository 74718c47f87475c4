package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"Node-sync/backend/types"

	"github.com/stretchr/testify/require"
)

// DOCSYNC_TEST_REDIS_ADDR points the tests to a disposable Redis server.
func redisAddr(t *testing.T) string {
	addr := os.Getenv("DOCSYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DOCSYNC_TEST_REDIS_ADDR not set")
	}
	return addr
}

func Test_Redis_Channel_Escapes_Document(t *testing.T) {
	require.Equal(t, "docsync:doc:613a62", Channel("a:b"))
}

func Test_Redis_Empty_Origin(t *testing.T) {
	_, err := New(Config{Addr: "127.0.0.1:6379"})
	require.Error(t, err)
}

func Test_Redis_Publish_Reaches_Other_Origins_Only(t *testing.T) {
	addr := redisAddr(t)

	a, err := New(Config{Addr: addr, Origin: "a"})
	require.NoError(t, err)
	defer a.Close()
	b, err := New(Config{Addr: addr, Origin: "b"})
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Ping(context.Background()))

	own := make(chan types.Envelope, 4)
	got := make(chan types.Envelope, 4)

	_, err = a.Subscribe(context.Background(), "doc", func(e types.Envelope) { own <- e })
	require.NoError(t, err)
	_, err = b.Subscribe(context.Background(), "doc", func(e types.Envelope) { got <- e })
	require.NoError(t, err)

	err = a.Publish(context.Background(), "doc", types.Envelope{Kind: types.EnvelopeSyncRequest, Payload: []byte{7}})
	require.NoError(t, err)

	select {
	case e := <-got:
		require.Equal(t, "a", e.Origin)
		require.Equal(t, types.EnvelopeSyncRequest, e.Kind)
		require.Equal(t, []byte{7}, e.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("envelope not delivered")
	}

	select {
	case e := <-own:
		t.Fatalf("own envelope delivered back: %s", e)
	case <-time.After(200 * time.Millisecond):
	}
}
