package nats

import (
	"context"
	"testing"
	"time"

	"Node-sync/backend/transport"
	"Node-sync/backend/types"

	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) *EmbeddedServer {
	srv, err := NewEmbeddedServer(ServerConfig{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	return srv
}

func newFabric(t *testing.T, url, origin string) *Fabric {
	f, err := New(Config{URL: url, Origin: origin, MaxReconnects: -1, ReconnectWait: 50 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func Test_Nats_Subject_Escapes_Document(t *testing.T) {
	require.Equal(t, "docsync.doc.612e2a", Subject("a.*"))
}

func Test_Nats_Publish_Reaches_Other_Origins_Only(t *testing.T) {
	srv := newServer(t)

	a := newFabric(t, srv.ClientURL(), "a")
	b := newFabric(t, srv.ClientURL(), "b")

	fromA := make(chan types.Envelope, 4)
	fromB := make(chan types.Envelope, 4)

	_, err := a.Subscribe(context.Background(), "doc", func(e types.Envelope) { fromB <- e })
	require.NoError(t, err)
	_, err = b.Subscribe(context.Background(), "doc", func(e types.Envelope) { fromA <- e })
	require.NoError(t, err)

	// core NATS subscriptions are registered asynchronously
	time.Sleep(200 * time.Millisecond)

	err = a.Publish(context.Background(), "doc", types.Envelope{Kind: types.EnvelopeUpdate, Payload: []byte{1, 2}})
	require.NoError(t, err)

	select {
	case e := <-fromA:
		require.Equal(t, "a", e.Origin)
		require.Equal(t, "doc", e.Document)
		require.Equal(t, types.EnvelopeUpdate, e.Kind)
		require.Equal(t, []byte{1, 2}, e.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("envelope not delivered")
	}

	select {
	case e := <-fromB:
		t.Fatalf("own envelope delivered back: %s", e)
	case <-time.After(200 * time.Millisecond):
	}
}

func Test_Nats_Other_Documents_Not_Delivered(t *testing.T) {
	srv := newServer(t)

	a := newFabric(t, srv.ClientURL(), "a")
	b := newFabric(t, srv.ClientURL(), "b")

	got := make(chan types.Envelope, 4)
	_, err := b.Subscribe(context.Background(), "doc/1", func(e types.Envelope) { got <- e })
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)

	require.NoError(t, a.Publish(context.Background(), "doc/2", types.Envelope{Kind: types.EnvelopePresence}))

	select {
	case e := <-got:
		t.Fatalf("unexpected envelope %s", e)
	case <-time.After(300 * time.Millisecond):
	}
}

func Test_Nats_Closed_Fabric(t *testing.T) {
	srv := newServer(t)

	f, err := New(Config{URL: srv.ClientURL(), Origin: "a"})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	err = f.Publish(context.Background(), "doc", types.Envelope{Kind: types.EnvelopeUpdate})
	require.ErrorIs(t, err, transport.ErrClosed)
	require.ErrorIs(t, f.Close(), transport.ErrClosed)
}
