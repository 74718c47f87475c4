package impl

import (
	"context"
	"sync"
	"testing"
	"time"

	"Node-sync/backend/crdt"
	"Node-sync/backend/peer"
	"Node-sync/backend/storage/memory"
	"Node-sync/backend/transport/channel"
	"Node-sync/backend/types"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

const waitFor = 2 * time.Second

func testConfiguration(store *memory.Store) peer.Configuration {
	conf := peer.DefaultConfiguration()
	conf.Store = store
	conf.FlushDebounce = 5 * time.Millisecond
	conf.EvictionGrace = time.Hour
	conf.CompactionInterval = 0
	conf.ResyncInterval = 10 * time.Millisecond
	conf.StorageBackoff = peer.Backoff{Initial: time.Millisecond, Factor: 2, Retry: 2}
	return conf
}

func newTestNode(t *testing.T, conf peer.Configuration) *node {
	n := NewPeer(conf).(*node)
	require.NoError(t, n.Start())
	t.Cleanup(func() {
		_ = n.Stop()
	})
	return n
}

func writer(user string) peer.SessionInfo {
	return peer.SessionInfo{UserID: user, Mode: peer.WriteAccess}
}

func receive(t *testing.T, s peer.Session) types.Message {
	select {
	case msg := <-s.Outbound():
		return msg
	case <-time.After(waitFor):
		t.Fatalf("session %s received nothing", s.ID())
		return nil
	}
}

// syncSession performs the handshake of a client with an empty replica and
// drains the two handshake messages.
func syncSession(t *testing.T, s peer.Session) []types.Operation {
	require.NoError(t, s.Sync(context.Background(), nil))

	step2, ok := receive(t, s).(types.SyncStep2Message)
	require.True(t, ok)
	_, ok = receive(t, s).(types.SyncStep1Message)
	require.True(t, ok)
	return step2.Operations
}

func paragraph() types.InsertBlock {
	return types.InsertBlock{BlockType: types.ParagraphBlockType}
}

// typeInto appends text to the block, one element per rune.
func typeInto(t *testing.T, p peer.CRDT, docID string, block types.OpID, s string) {
	after := types.OpID{}
	for _, c := range s {
		ops, err := p.Edit(context.Background(), docID, types.InsertText{Block: block, After: after, Value: string(c)})
		require.NoError(t, err)
		after = ops[0].ID
	}
}

func Test_Peer_Edit_Materialize(t *testing.T) {
	n := newTestNode(t, testConfiguration(memory.NewStore()))
	ctx := context.Background()

	ops, err := n.Edit(ctx, "doc", paragraph())
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, n.ReplicaID(), ops[0].ID.Replica)

	typeInto(t, n, "doc", ops[0].ID, "hello")

	tree, err := n.Materialize(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, tree.Blocks, 1)
	require.Equal(t, "hello\n", tree.Text())

	vector, err := n.StateVector(ctx, "doc")
	require.NoError(t, err)
	require.Equal(t, uint64(6), vector[n.ReplicaID()])
}

func Test_Peer_Edit_Stops_At_Invalid_Body(t *testing.T) {
	n := newTestNode(t, testConfiguration(memory.NewStore()))

	ops, err := n.Edit(context.Background(), "doc",
		paragraph(),
		types.SetAttribute{Target: types.OpID{Replica: "nobody", Seq: 4}, Key: types.AttrBold, Value: "true"})
	require.Error(t, err)
	require.Len(t, ops, 1)

	tree, err := n.Materialize(context.Background(), "doc")
	require.NoError(t, err)
	require.Len(t, tree.Blocks, 1)
}

func Test_Peer_Session_Sync_Sends_Diff_Then_Vector(t *testing.T) {
	n := newTestNode(t, testConfiguration(memory.NewStore()))
	ctx := context.Background()

	ops, err := n.Edit(ctx, "doc", paragraph(), paragraph())
	require.NoError(t, err)

	s, err := n.Attach(ctx, "doc", writer("alice"))
	require.NoError(t, err)
	defer n.Detach(s)

	require.NoError(t, s.Sync(ctx, types.StateVector{n.ReplicaID(): 1}))

	step2 := receive(t, s).(types.SyncStep2Message)
	require.Equal(t, []types.Operation{ops[1]}, step2.Operations)

	step1 := receive(t, s).(types.SyncStep1Message)
	require.Equal(t, types.StateVector{n.ReplicaID(): 2}, step1.Vector)

	require.Equal(t, types.StateVector{n.ReplicaID(): 2}, s.Acknowledged())
}

func Test_Peer_Session_Apply_Broadcasts_To_Others(t *testing.T) {
	n := newTestNode(t, testConfiguration(memory.NewStore()))
	ctx := context.Background()

	alice, err := n.Attach(ctx, "doc", writer("alice"))
	require.NoError(t, err)
	bob, err := n.Attach(ctx, "doc", writer("bob"))
	require.NoError(t, err)
	syncSession(t, alice)
	syncSession(t, bob)

	op := types.Operation{
		ID:      types.OpID{Replica: "client-a", Seq: 1},
		Lamport: 1,
		Body:    paragraph(),
	}
	require.NoError(t, alice.Apply(ctx, []types.Operation{op}))

	update := receive(t, bob).(types.UpdateMessage)
	require.Equal(t, []types.Operation{op}, update.Operations)

	// applying it again is a no-op
	require.NoError(t, alice.Apply(ctx, []types.Operation{op}))
	select {
	case msg := <-bob.Outbound():
		t.Fatalf("unexpected %s", msg.Name())
	case <-time.After(50 * time.Millisecond):
	}
	require.Empty(t, alice.Outbound())
}

func Test_Peer_Session_Intent_Is_Echoed(t *testing.T) {
	n := newTestNode(t, testConfiguration(memory.NewStore()))
	ctx := context.Background()

	alice, err := n.Attach(ctx, "doc", writer("alice"))
	require.NoError(t, err)
	bob, err := n.Attach(ctx, "doc", writer("bob"))
	require.NoError(t, err)
	syncSession(t, alice)
	syncSession(t, bob)

	require.NoError(t, alice.Apply(ctx, []types.Operation{{Body: paragraph()}}))

	echo := receive(t, alice).(types.UpdateMessage)
	require.Len(t, echo.Operations, 1)
	require.Equal(t, types.OpID{Replica: n.ReplicaID(), Seq: 1}, echo.Operations[0].ID)

	update := receive(t, bob).(types.UpdateMessage)
	require.Equal(t, echo.Operations, update.Operations)
}

func Test_Peer_Session_Gap_Requests_Resync(t *testing.T) {
	n := newTestNode(t, testConfiguration(memory.NewStore()))
	ctx := context.Background()

	s, err := n.Attach(ctx, "doc", writer("alice"))
	require.NoError(t, err)
	defer n.Detach(s)
	syncSession(t, s)

	first := types.Operation{ID: types.OpID{Replica: "client", Seq: 1}, Lamport: 1, Body: paragraph()}
	third := types.Operation{ID: types.OpID{Replica: "client", Seq: 3}, Lamport: 3, Body: paragraph()}

	err = s.Apply(ctx, []types.Operation{first, third})
	require.ErrorIs(t, err, types.ErrUnknownReplicaGap)

	step1 := receive(t, s).(types.SyncStep1Message)
	require.Equal(t, types.StateVector{"client": 1}, step1.Vector)

	vector, err := n.StateVector(ctx, "doc")
	require.NoError(t, err)
	require.Equal(t, types.StateVector{"client": 1}, vector)
}

func Test_Peer_Session_Updates_Wait_For_Handshake(t *testing.T) {
	n := newTestNode(t, testConfiguration(memory.NewStore()))
	ctx := context.Background()

	s, err := n.Attach(ctx, "doc", writer("alice"))
	require.NoError(t, err)
	defer n.Detach(s)

	_, err = n.Edit(ctx, "doc", paragraph())
	require.NoError(t, err)
	require.Empty(t, s.Outbound())

	ops := syncSession(t, s)
	require.Len(t, ops, 1)
}

func Test_Peer_Read_Only_Session_Cannot_Apply(t *testing.T) {
	n := newTestNode(t, testConfiguration(memory.NewStore()))
	ctx := context.Background()

	s, err := n.Attach(ctx, "doc", peer.SessionInfo{UserID: "eve", Mode: peer.ReadAccess})
	require.NoError(t, err)
	defer n.Detach(s)

	err = s.Apply(ctx, []types.Operation{{Body: paragraph()}})
	require.ErrorIs(t, err, types.ErrUnauthorized)

	vector, err := n.StateVector(ctx, "doc")
	require.NoError(t, err)
	require.Empty(t, vector)
}

func Test_Peer_Backpressure_Closes_Slow_Session(t *testing.T) {
	conf := testConfiguration(memory.NewStore())
	conf.OutboundQueueSize = 4
	n := newTestNode(t, conf)
	ctx := context.Background()

	slow, err := n.Attach(ctx, "doc", writer("slow"))
	require.NoError(t, err)
	fast, err := n.Attach(ctx, "doc", writer("fast"))
	require.NoError(t, err)

	require.NoError(t, slow.Sync(ctx, nil))
	syncSession(t, fast)

	// the slow queue holds the two handshake messages and two updates, the
	// third update overflows it
	for i := 0; i < 3; i++ {
		_, err := n.Edit(ctx, "doc", paragraph())
		require.NoError(t, err)
		_, ok := receive(t, fast).(types.UpdateMessage)
		require.True(t, ok)
	}

	select {
	case <-slow.Done():
	case <-time.After(waitFor):
		t.Fatal("slow session still open")
	}
	require.ErrorIs(t, slow.Err(), types.ErrBackpressureExceeded)
	require.NoError(t, fast.Err())

	// the document keeps serving the other sessions
	_, err = n.Edit(ctx, "doc", paragraph())
	require.NoError(t, err)
	_, ok := receive(t, fast).(types.UpdateMessage)
	require.True(t, ok)

	require.ErrorIs(t, slow.Apply(ctx, []types.Operation{{Body: paragraph()}}), types.ErrSessionClosed)
	n.Detach(slow)
	n.Detach(fast)
}

func Test_Peer_Presence_Is_Coalesced(t *testing.T) {
	n := newTestNode(t, testConfiguration(memory.NewStore()))
	ctx := context.Background()

	alice, err := n.Attach(ctx, "doc", writer("alice"))
	require.NoError(t, err)
	bob, err := n.Attach(ctx, "doc", writer("bob"))
	require.NoError(t, err)

	alice.SetPresence([]byte("cursor 1"))
	alice.SetPresence([]byte("cursor 2"))
	bob.SetPresence([]byte("cursor 9"))

	select {
	case <-bob.PresenceReady():
	case <-time.After(waitFor):
		t.Fatal("no presence signaled")
	}

	presence := bob.TakePresence()
	require.Equal(t, []types.PresenceMessage{{Origin: alice.ID(), Payload: []byte("cursor 2")}}, presence)
	require.Empty(t, bob.TakePresence())

	// a leaving session sends an empty presence
	n.Detach(alice)
	<-bob.PresenceReady()
	require.Equal(t, []types.PresenceMessage{{Origin: alice.ID()}}, bob.TakePresence())

	n.Detach(bob)
}

type fakeAuthorizer struct {
	mu     sync.Mutex
	grants map[string]peer.AccessMode
}

func (a *fakeAuthorizer) set(user string, mode peer.AccessMode, allowed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !allowed {
		delete(a.grants, user)
		return
	}
	a.grants[user] = mode
}

func (a *fakeAuthorizer) CanAccess(_ context.Context, userID, _ string, mode peer.AccessMode) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	granted, ok := a.grants[userID]
	return ok && granted >= mode, nil
}

func Test_Peer_Permissions_Changed(t *testing.T) {
	auth := &fakeAuthorizer{grants: map[string]peer.AccessMode{"alice": peer.WriteAccess}}
	conf := testConfiguration(memory.NewStore())
	conf.Authorizer = auth
	n := newTestNode(t, conf)
	ctx := context.Background()

	s, err := n.Attach(ctx, "doc", writer("alice"))
	require.NoError(t, err)
	defer n.Detach(s)

	auth.set("alice", peer.ReadAccess, true)
	require.NoError(t, n.PermissionsChanged(ctx, "doc", "alice"))
	require.Equal(t, peer.ReadAccess, s.Info().Mode)
	require.ErrorIs(t, s.Apply(ctx, []types.Operation{{Body: paragraph()}}), types.ErrUnauthorized)

	auth.set("alice", peer.ReadAccess, false)
	require.NoError(t, n.PermissionsChanged(ctx, "doc", "alice"))
	<-s.Done()
	require.ErrorIs(t, s.Err(), types.ErrUnauthorized)

	// documents that are not resident have no session to check
	require.NoError(t, n.PermissionsChanged(ctx, "other", "alice"))
}

func Test_Peer_Eviction_Cancelled_By_Attach(t *testing.T) {
	conf := testConfiguration(memory.NewStore())
	conf.EvictionGrace = 50 * time.Millisecond
	n := newTestNode(t, conf)
	ctx := context.Background()

	s, err := n.Attach(ctx, "doc", writer("alice"))
	require.NoError(t, err)
	n.Detach(s)

	s, err = n.Attach(ctx, "doc", writer("alice"))
	require.NoError(t, err)

	time.Sleep(3 * conf.EvictionGrace)
	_, resident := n.documents.Get("doc")
	require.True(t, resident)

	n.Detach(s)
	require.Eventually(t, func() bool {
		_, resident := n.documents.Get("doc")
		return !resident
	}, waitFor, 10*time.Millisecond)
}

func Test_Peer_Evicted_Document_Is_Reloaded(t *testing.T) {
	store := memory.NewStore()
	conf := testConfiguration(store)
	conf.EvictionGrace = 20 * time.Millisecond
	n := newTestNode(t, conf)
	ctx := context.Background()

	ops, err := n.Edit(ctx, "doc", paragraph())
	require.NoError(t, err)
	typeInto(t, n, "doc", ops[0].ID, "kept")

	require.Eventually(t, func() bool {
		return n.documents.Len() == 0
	}, waitFor, 10*time.Millisecond)

	// eviction compacted the document
	require.Equal(t, 0, store.UpdateCount("doc"))

	tree, err := n.Materialize(ctx, "doc")
	require.NoError(t, err)
	require.Equal(t, "kept\n", tree.Text())
}

// heldStore blocks log appends between hold and open.
type heldStore struct {
	*memory.Store

	mu      sync.Mutex
	release chan struct{}
	entered chan struct{}
}

func (s *heldStore) hold() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.release = make(chan struct{})
	s.entered = make(chan struct{}, 1)
	return s.entered
}

func (s *heldStore) open() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.release != nil {
		close(s.release)
		s.release = nil
	}
}

func (s *heldStore) AppendUpdate(ctx context.Context, docID string, data []byte) (uint64, error) {
	s.mu.Lock()
	release, entered := s.release, s.entered
	s.mu.Unlock()

	if release != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}
	return s.Store.AppendUpdate(ctx, docID, data)
}

func Test_Peer_Attach_Waits_For_Eviction_Flush(t *testing.T) {
	store := &heldStore{Store: memory.NewStore()}
	conf := testConfiguration(store.Store)
	conf.Store = store
	conf.FlushDebounce = time.Hour
	n := newTestNode(t, conf)
	t.Cleanup(store.open)
	ctx := context.Background()

	_, err := n.Edit(ctx, "doc", paragraph())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return store.UpdateCount("doc") == 1
	}, waitFor, 5*time.Millisecond)

	// operations merged from another process are still buffered
	doc, ok := n.documents.Get("doc")
	require.True(t, ok)
	remote, err := crdt.NewReplica("other").ApplyLocal(types.InsertBlock{BlockType: types.HeadingBlockType})
	require.NoError(t, err)
	var applyErr error
	require.NoError(t, doc.do(ctx, func(r *crdt.Replica) {
		applyErr = r.ApplyRemote(remote)
		n.persistOperations(doc, []types.Operation{remote})
	}))
	require.NoError(t, applyErr)

	n.documents.mu.Lock()
	gen := doc.evictGen
	n.documents.mu.Unlock()

	entered := store.hold()
	go n.remove(doc, gen)
	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("eviction did not flush")
	}

	attached := make(chan peer.Session, 1)
	go func() {
		s, err := n.Attach(ctx, "doc", writer("alice"))
		if err == nil {
			attached <- s
		}
	}()

	select {
	case <-attached:
		t.Fatal("attached before the eviction flush")
	case <-time.After(100 * time.Millisecond):
	}

	store.open()
	var s peer.Session
	select {
	case s = <-attached:
	case <-time.After(waitFor):
		t.Fatal("attach did not complete")
	}
	defer n.Detach(s)

	tree, err := n.Materialize(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, tree.Blocks, 2)
}

func Test_Peer_Snapshot_Round_Trip(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	first := NewPeer(testConfiguration(store))
	require.NoError(t, first.Start())

	ops, err := first.Edit(ctx, "doc", paragraph())
	require.NoError(t, err)
	typeInto(t, first, "doc", ops[0].ID, "snapshot")
	_, err = first.Edit(ctx, "doc", types.SetAttribute{Target: ops[0].ID, Key: types.AttrTextAlignment, Value: "center"})
	require.NoError(t, err)

	require.NoError(t, first.Compact(ctx, "doc"))
	require.Equal(t, 0, store.UpdateCount("doc"))

	// operations after the snapshot go to the log
	_, err = first.Edit(ctx, "doc", paragraph())
	require.NoError(t, err)

	want, err := first.Materialize(ctx, "doc")
	require.NoError(t, err)
	wantVector, err := first.StateVector(ctx, "doc")
	require.NoError(t, err)
	require.NoError(t, first.Stop())
	require.Equal(t, 1, store.UpdateCount("doc"))

	second := newTestNode(t, testConfiguration(store))
	got, err := second.Materialize(ctx, "doc")
	require.NoError(t, err)
	require.Equal(t, want, got)

	gotVector, err := second.StateVector(ctx, "doc")
	require.NoError(t, err)
	require.True(t, gotVector.Equal(wantVector))

	// compacting unchanged content keeps the snapshot
	require.NoError(t, second.Compact(ctx, "doc"))
	require.NoError(t, second.Compact(ctx, "doc"))
	require.Equal(t, 0, store.UpdateCount("doc"))
}

func Test_Peer_Corrupt_Snapshot_Is_Rebuilt_From_Log(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	first := NewPeer(testConfiguration(store))
	require.NoError(t, first.Start())
	ops, err := first.Edit(ctx, "doc", paragraph())
	require.NoError(t, err)
	typeInto(t, first, "doc", ops[0].ID, "log")
	require.NoError(t, first.Stop())

	store.CorruptSnapshot("doc", []byte{0xff, 0x00, 0x13})

	second := newTestNode(t, testConfiguration(store))
	tree, err := second.Materialize(ctx, "doc")
	require.NoError(t, err)
	require.Equal(t, "log\n", tree.Text())

	// the rebuilt document is compacted into a fresh snapshot
	require.Eventually(t, func() bool {
		return store.UpdateCount("doc") == 0
	}, waitFor, 10*time.Millisecond)

	// without a log to rebuild from the document is unavailable
	store.CorruptSnapshot("doc", []byte{0xff})
	third := newTestNode(t, testConfiguration(store))
	_, err = third.Materialize(ctx, "doc")
	require.ErrorIs(t, err, types.ErrDocumentUnavailable)

	_, err = third.Attach(ctx, "doc", writer("alice"))
	require.ErrorIs(t, err, types.ErrDocumentUnavailable)
	require.Equal(t, 0, third.documents.Len())
}

func Test_Peer_Degraded_Persistence_Recovers(t *testing.T) {
	store := memory.NewStore()
	n := newTestNode(t, testConfiguration(store))
	ctx := context.Background()

	store.InjectWriteError(xerrors.New("disk full"))

	ops, err := n.Edit(ctx, "doc", paragraph())
	require.NoError(t, err)
	typeInto(t, n, "doc", ops[0].ID, "mem")

	require.Eventually(t, n.Degraded, waitFor, 5*time.Millisecond)

	// documents are still served from memory
	tree, err := n.Materialize(ctx, "doc")
	require.NoError(t, err)
	require.Equal(t, "mem\n", tree.Text())
	require.Equal(t, 0, store.UpdateCount("doc"))

	store.InjectWriteError(nil)
	require.Eventually(t, func() bool {
		return !n.Degraded() && store.UpdateCount("doc") > 0
	}, waitFor, 5*time.Millisecond)

	doc, ok := n.documents.Get("doc")
	require.True(t, ok)
	require.Equal(t, 0, doc.persist.Pending())
}

func Test_Peer_Stop_Flushes_And_Refuses_Documents(t *testing.T) {
	store := memory.NewStore()
	conf := testConfiguration(store)
	conf.FlushDebounce = time.Hour
	n := NewPeer(conf)
	require.NoError(t, n.Start())

	_, err := n.Edit(context.Background(), "doc", paragraph(), paragraph())
	require.NoError(t, err)

	require.NoError(t, n.Stop())
	require.Equal(t, 1, store.UpdateCount("doc"))

	_, err = n.Materialize(context.Background(), "doc")
	require.ErrorIs(t, err, types.ErrDocumentUnavailable)
}

func Test_Peer_Fabric_Relays_Between_Processes(t *testing.T) {
	bus := channel.NewBus()

	confA := testConfiguration(memory.NewStore())
	confA.Fabric = bus.NewFabric("a")
	a := newTestNode(t, confA)

	confB := testConfiguration(memory.NewStore())
	confB.Fabric = bus.NewFabric("b")
	b := newTestNode(t, confB)

	ctx := context.Background()
	s, err := b.Attach(ctx, "doc", writer("bob"))
	require.NoError(t, err)
	defer b.Detach(s)
	syncSession(t, s)

	_, err = a.Edit(ctx, "doc", paragraph())
	require.NoError(t, err)

	update := receive(t, s).(types.UpdateMessage)
	require.Len(t, update.Operations, 1)
	require.Equal(t, a.ReplicaID(), update.Operations[0].ID.Replica)

	// presence crosses processes too
	watcher, err := a.Attach(ctx, "doc", writer("alice"))
	require.NoError(t, err)
	defer a.Detach(watcher)
	s.SetPresence([]byte("here"))

	select {
	case <-watcher.PresenceReady():
	case <-time.After(waitFor):
		t.Fatal("presence not relayed")
	}
	require.Equal(t, []byte("here"), watcher.TakePresence()[0].Payload)
}

func Test_Peer_Fabric_Reconnect_Resyncs(t *testing.T) {
	bus := channel.NewBus()

	fabricA := bus.NewFabric("a")
	confA := testConfiguration(memory.NewStore())
	confA.Fabric = fabricA
	a := newTestNode(t, confA)

	fabricB := bus.NewFabric("b")
	confB := testConfiguration(memory.NewStore())
	confB.Fabric = fabricB
	b := newTestNode(t, confB)

	ctx := context.Background()
	s, err := b.Attach(ctx, "doc", writer("bob"))
	require.NoError(t, err)
	defer b.Detach(s)
	keep, err := a.Attach(ctx, "doc", writer("alice"))
	require.NoError(t, err)
	defer a.Detach(keep)

	fabricB.Disconnect()

	ops, err := a.Edit(ctx, "doc", paragraph())
	require.NoError(t, err)
	typeInto(t, a, "doc", ops[0].ID, "missed")

	time.Sleep(50 * time.Millisecond)
	vector, err := b.StateVector(ctx, "doc")
	require.NoError(t, err)
	require.Empty(t, vector)

	fabricB.Reconnect()

	want, err := a.StateVector(ctx, "doc")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := b.StateVector(ctx, "doc")
		return err == nil && got.Equal(want)
	}, waitFor, 10*time.Millisecond)

	tree, err := b.Materialize(ctx, "doc")
	require.NoError(t, err)
	require.Equal(t, "missed\n", tree.Text())
}

func Test_Peer_Load_Resyncs_From_Other_Processes(t *testing.T) {
	bus := channel.NewBus()

	confA := testConfiguration(memory.NewStore())
	confA.Fabric = bus.NewFabric("a")
	a := newTestNode(t, confA)

	ctx := context.Background()
	keep, err := a.Attach(ctx, "doc", writer("alice"))
	require.NoError(t, err)
	defer a.Detach(keep)
	_, err = a.Edit(ctx, "doc", paragraph(), paragraph())
	require.NoError(t, err)

	// b has its own empty store and learns the document over the fabric
	confB := testConfiguration(memory.NewStore())
	confB.Fabric = bus.NewFabric("b")
	b := newTestNode(t, confB)

	s, err := b.Attach(ctx, "doc", writer("bob"))
	require.NoError(t, err)
	defer b.Detach(s)

	require.Eventually(t, func() bool {
		tree, err := b.Materialize(ctx, "doc")
		return err == nil && len(tree.Blocks) == 2
	}, waitFor, 10*time.Millisecond)
}
