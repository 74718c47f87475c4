package impl

import (
	"context"
	"sync"
	"time"

	"Node-sync/backend/crdt"
	"Node-sync/backend/transport"

	"golang.org/x/time/rate"
	"golang.org/x/xerrors"
)

// errDocumentStopped is returned when a command reaches a stopped actor.
var errDocumentStopped = xerrors.New("document stopped")

// document is a resident document. Its replica is owned by the actor
// goroutine: every access goes through do.
type document struct {
	id string

	replica  *crdt.Replica
	commands chan func()
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	sessions *SessionSet
	persist  *documentPersistence
	resync   *rate.Limiter

	// guarded by DocumentTable.mu
	refs       int
	evictGen   uint64
	evictTimer *time.Timer
	ready      chan struct{}
	loadErr    error

	subMu sync.Mutex
	sub   transport.Subscription
}

func newDocument(docID string, resyncInterval time.Duration) *document {
	limit := rate.Inf
	if resyncInterval > 0 {
		limit = rate.Every(resyncInterval)
	}

	return &document{
		id:       docID,
		commands: make(chan func()),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		sessions: newSessionSet(),
		persist:  newDocumentPersistence(),
		resync:   rate.NewLimiter(limit, 1),
		ready:    make(chan struct{}),
	}
}

// start runs the actor on the loaded replica.
func (d *document) start(replica *crdt.Replica) {
	d.replica = replica
	go d.run()
}

func (d *document) run() {
	defer close(d.done)

	for {
		select {
		case <-d.quit:
			return
		case cmd := <-d.commands:
			cmd()
		}
	}
}

// do runs fn on the actor and waits for it. fn must not call do.
func (d *document) do(ctx context.Context, fn func(r *crdt.Replica)) error {
	result := make(chan struct{})
	cmd := func() {
		defer close(result)
		fn(d.replica)
	}

	select {
	case d.commands <- cmd:
	case <-d.quit:
		return errDocumentStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	<-result
	return nil
}

// stop ends the actor and waits for it to exit.
func (d *document) stop() {
	d.stopOnce.Do(func() {
		close(d.quit)
	})
	if d.replica != nil {
		<-d.done
	}
}

func (d *document) setSubscription(sub transport.Subscription) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	d.sub = sub
}

func (d *document) unsubscribe() error {
	d.subMu.Lock()
	sub := d.sub
	d.sub = nil
	d.subMu.Unlock()

	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

// loaded reports whether the document finished loading successfully.
func (d *document) loaded() bool {
	select {
	case <-d.ready:
		return d.loadErr == nil
	default:
		return false
	}
}
