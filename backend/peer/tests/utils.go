package tests

import (
	"context"
	"fmt"
	"testing"
	"time"

	"Node-sync/backend/crdt"
	"Node-sync/backend/peer"
	"Node-sync/backend/peer/impl"
	"Node-sync/backend/protocol"
	"Node-sync/backend/storage/memory"
	"Node-sync/backend/transport/channel"
	"Node-sync/backend/types"

	"github.com/stretchr/testify/require"
)

// WaitFor bounds the convergence of a cluster.
const WaitFor = 5 * time.Second

// Process is one simulated server process of a cluster.
type Process struct {
	Peer    peer.Peer
	Fabric  *channel.Fabric
	Handler *protocol.Handler
}

// Cluster is a set of server processes sharing one store and one in-memory
// broker, the way processes behind a load balancer share a database and a
// NATS server.
type Cluster struct {
	Bus       *channel.Bus
	Store     *memory.Store
	Processes []*Process

	configure func(*peer.Configuration)
}

// Option configures a cluster.
type Option func(*Cluster)

// WithConfiguration tunes the configuration of every process.
func WithConfiguration(fn func(*peer.Configuration)) Option {
	return func(c *Cluster) {
		c.configure = fn
	}
}

// NewCluster starts n processes. They are stopped when the test ends.
func NewCluster(t testing.TB, n int, opts ...Option) *Cluster {
	c := &Cluster{
		Bus:   channel.NewBus(),
		Store: memory.NewStore(),
	}
	for _, opt := range opts {
		opt(c)
	}

	for i := 0; i < n; i++ {
		c.AddProcess(t)
	}
	return c
}

// AddProcess starts one more process, a late joiner when documents were
// already edited.
func (c *Cluster) AddProcess(t testing.TB) *Process {
	replica := types.ReplicaID(fmt.Sprintf("server%d", len(c.Processes)))
	fabric := c.Bus.NewFabric(string(replica))

	conf := peer.DefaultConfiguration()
	conf.ReplicaID = replica
	conf.Store = c.Store
	conf.Fabric = fabric
	conf.FlushDebounce = 5 * time.Millisecond
	conf.EvictionGrace = time.Hour
	conf.CompactionInterval = 0
	conf.ResyncInterval = 10 * time.Millisecond
	if c.configure != nil {
		c.configure(&conf)
	}

	p := impl.NewPeer(conf)
	require.NoError(t, p.Start())
	t.Cleanup(func() {
		_ = p.Stop()
		_ = fabric.Close()
	})

	process := &Process{
		Peer:    p,
		Fabric:  fabric,
		Handler: protocol.NewHandler(p, nil, protocol.Options{}),
	}
	c.Processes = append(c.Processes, process)
	return process
}

// Connect opens a client connection to the process and waits for the end of
// the handshake. The client is closed when the test ends.
func (p *Process) Connect(t testing.TB, docID string, replica *crdt.Replica) *protocol.Client {
	clientConn, serverConn := channel.NewConnPair(256)
	go func() {
		_ = p.Handler.Serve(context.Background(), serverConn, docID, string(replica.ID()))
	}()

	client := protocol.NewClient(clientConn, replica)
	require.NoError(t, client.Start())

	ctx, cancel := context.WithTimeout(context.Background(), WaitFor)
	defer cancel()
	require.NoError(t, client.WaitLive(ctx))

	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

// NewBlock inserts an empty paragraph at the head of the document.
func NewBlock(t testing.TB, client *protocol.Client) types.OpID {
	op, err := client.Edit(types.InsertBlock{BlockType: types.ParagraphBlockType})
	require.NoError(t, err)
	return op.ID
}

// TypeInto appends text to a block one character per operation, after the
// given element. It returns the last inserted element.
func TypeInto(t testing.TB, client *protocol.Client, block, after types.OpID, text string) types.OpID {
	for _, c := range text {
		op, err := client.Edit(types.InsertText{Block: block, After: after, Value: string(c)})
		require.NoError(t, err)
		after = op.ID
	}
	return after
}

// Converged reports whether every client and every process holds the same
// state of the document.
func (c *Cluster) Converged(docID string, clients ...*protocol.Client) func() bool {
	return func() bool {
		var want types.StateVector
		for _, process := range c.Processes {
			vector, err := process.Peer.StateVector(context.Background(), docID)
			if err != nil {
				return false
			}
			if want == nil {
				want = vector
			} else if !want.Equal(vector) {
				return false
			}
		}

		for _, client := range clients {
			if !client.StateVector().Equal(want) {
				return false
			}
		}
		return true
	}
}

// RequireSameDocument checks that every client and every process
// materializes the same tree, and returns it.
func (c *Cluster) RequireSameDocument(t testing.TB, docID string, clients ...*protocol.Client) types.Tree {
	want, err := c.Processes[0].Peer.Materialize(context.Background(), docID)
	require.NoError(t, err)

	for _, process := range c.Processes[1:] {
		tree, err := process.Peer.Materialize(context.Background(), docID)
		require.NoError(t, err)
		require.Equal(t, want, tree)
	}
	for _, client := range clients {
		require.Equal(t, want, client.Materialize())
	}
	return want
}
