package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"Node-sync/backend/auth"
	"Node-sync/backend/config"
	"Node-sync/backend/crdt"
	"Node-sync/backend/peer"
	"Node-sync/backend/peer/impl"
	"Node-sync/backend/protocol"
	"Node-sync/backend/storage/memory"
	"Node-sync/backend/transport/websocket"
	"Node-sync/backend/types"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

const waitFor = 3 * time.Second

func newTestPeer(t *testing.T, store *memory.Store) peer.Peer {
	conf := peer.DefaultConfiguration()
	conf.Store = store
	conf.FlushDebounce = 5 * time.Millisecond
	conf.CompactionInterval = 0
	conf.StorageBackoff = peer.Backoff{Initial: time.Millisecond, Factor: 2, Retry: 2}

	p := impl.NewPeer(conf)
	require.NoError(t, p.Start())
	t.Cleanup(func() {
		_ = p.Stop()
	})
	return p
}

func newTestServer(t *testing.T, p peer.Peer, authenticator auth.Authenticator, opts Options) *httptest.Server {
	handler := protocol.NewHandler(p, nil, protocol.Options{})
	ts := httptest.NewServer(New(p, handler, authenticator, opts))
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(ts *httptest.Server, docID string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + docID
}

func dialClient(t *testing.T, url string, header http.Header, replica *crdt.Replica) *protocol.Client {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	conn, err := websocket.Dial(ctx, url, header, websocket.Options{})
	require.NoError(t, err)

	c := protocol.NewClient(conn, replica)
	require.NoError(t, c.Start())
	require.NoError(t, c.WaitLive(ctx))
	return c
}

func Test_Server_Websocket_Edits(t *testing.T) {
	p := newTestPeer(t, memory.NewStore())
	ts := newTestServer(t, p, nil, Options{})

	alice := dialClient(t, wsURL(ts, "notes"), nil, crdt.NewReplica("alice"))
	defer alice.Close()
	bob := dialClient(t, wsURL(ts, "notes"), nil, crdt.NewReplica("bob"))
	defer bob.Close()

	block, err := alice.Edit(types.InsertBlock{BlockType: types.ParagraphBlockType})
	require.NoError(t, err)
	_, err = alice.Edit(types.InsertText{Block: block.ID, Value: "a"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return bob.Materialize().Text() == "a\n"
	}, waitFor, 5*time.Millisecond)

	tree, err := p.Materialize(context.Background(), "notes")
	require.NoError(t, err)
	require.Equal(t, "a\n", tree.Text())
}

func Test_Server_JWT_Authentication(t *testing.T) {
	authenticator, err := auth.NewJWTAuthenticator("secret", "docsync")
	require.NoError(t, err)

	p := newTestPeer(t, memory.NewStore())
	ts := newTestServer(t, p, authenticator, Options{})

	// no token
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, err = websocket.Dial(ctx, wsURL(ts, "doc"), nil, websocket.Options{})
	require.Error(t, err)

	resp, err := http.Get(ts.URL + "/ws/doc")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := authenticator.Issue("alice", time.Minute)
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	c := dialClient(t, wsURL(ts, "doc"), header, crdt.NewReplica("alice"))
	require.NoError(t, c.Close())

	// the query parameter works for browsers
	c = dialClient(t, wsURL(ts, "doc")+"?token="+token, nil, crdt.NewReplica("alice"))
	require.NoError(t, c.Close())
}

func Test_Server_Rate_Limit(t *testing.T) {
	p := newTestPeer(t, memory.NewStore())
	ts := newTestServer(t, p, nil, Options{RateLimit: 1, RateWindow: time.Minute})

	// not a websocket request, the upgrade fails but counts
	resp, err := http.Get(ts.URL + "/ws/doc")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/ws/doc")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// other routes are not limited
	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func Test_Server_Origin(t *testing.T) {
	p := newTestPeer(t, memory.NewStore())
	ts := newTestServer(t, p, nil, Options{AllowedOrigins: []string{"https://docs.example.com"}})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	_, err := websocket.Dial(ctx, wsURL(ts, "doc"), header, websocket.Options{})
	require.Error(t, err)

	header.Set("Origin", "https://docs.example.com")
	c := dialClient(t, wsURL(ts, "doc"), header, crdt.NewReplica("alice"))
	require.NoError(t, c.Close())
}

func Test_Server_Invalid_Document(t *testing.T) {
	p := newTestPeer(t, memory.NewStore())
	ts := newTestServer(t, p, nil, Options{})

	resp, err := http.Get(ts.URL + "/ws/" + strings.Repeat("x", MaxDocumentIDLength+1))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func health(t *testing.T, ts *httptest.Server) healthStatus {
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var status healthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	return status
}

func Test_Server_Health(t *testing.T) {
	store := memory.NewStore()
	p := newTestPeer(t, store)
	ts := newTestServer(t, p, nil, Options{})

	status := health(t, ts)
	require.Equal(t, "ok", status.Status)
	require.Equal(t, string(p.ReplicaID()), status.Replica)

	store.InjectWriteError(xerrors.New("disk full"))
	_, err := p.Edit(context.Background(), "doc", types.InsertBlock{BlockType: types.ParagraphBlockType})
	require.NoError(t, err)
	require.Eventually(t, p.Degraded, waitFor, 5*time.Millisecond)
	require.Equal(t, "degraded", health(t, ts).Status)

	store.InjectWriteError(nil)
	require.Eventually(t, func() bool {
		return !p.Degraded()
	}, waitFor, 5*time.Millisecond)
	require.Equal(t, "ok", health(t, ts).Status)
}

func Test_Server_Metrics(t *testing.T) {
	p := newTestPeer(t, memory.NewStore())
	ts := newTestServer(t, p, nil, Options{})

	c := dialClient(t, wsURL(ts, "doc"), nil, crdt.NewReplica("alice"))
	defer c.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "docsync_sessions_active")
	require.Contains(t, string(body), "docsync_documents_resident")
}

func Test_Server_Drain(t *testing.T) {
	p := newTestPeer(t, memory.NewStore())
	handler := protocol.NewHandler(p, nil, protocol.Options{})
	srv := New(p, handler, nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ts := httptest.NewUnstartedServer(srv)
	ts.Config.BaseContext = func(net.Listener) context.Context { return ctx }
	ts.Start()
	defer ts.Close()

	c := dialClient(t, wsURL(ts, "doc"), nil, crdt.NewReplica("alice"))

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer drainCancel()
	require.ErrorIs(t, srv.Drain(drainCtx), ErrDraining)

	// new connections are refused while draining
	resp, err := http.Get(ts.URL + "/ws/doc")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	cancel()
	drainCtx, drainCancel = context.WithTimeout(context.Background(), waitFor)
	defer drainCancel()
	require.NoError(t, srv.Drain(drainCtx))

	<-c.Done()
	require.ErrorContains(t, c.Err(), "server shutting down")
}

func Test_App_Serves_Documents(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Storage.Backend = "badger"
	cfg.Storage.BadgerInMemory = true
	cfg.Fabric.Backend = "nats"
	cfg.Fabric.Embedded = true
	cfg.Fabric.EmbeddedPort = -1
	require.NoError(t, cfg.Validate())

	app, err := NewApp(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- app.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return app.Addr() != nil
	}, waitFor, 5*time.Millisecond)

	url := "ws://" + app.Addr().String() + "/ws/doc"
	c := dialClient(t, url, nil, crdt.NewReplica("alice"))

	_, err = c.Edit(types.InsertBlock{BlockType: types.HeadingBlockType})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		vector, err := app.Peer.StateVector(context.Background(), "doc")
		return err == nil && vector["alice"] == 1
	}, waitFor, 5*time.Millisecond)

	// stopping the server closes the connection with a reason
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * waitFor):
		t.Fatal("app still running")
	}

	<-c.Done()
	require.Error(t, c.Err())
}
