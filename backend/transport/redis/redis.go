package redis

import (
	"context"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"Node-sync/backend/codec"
	"Node-sync/backend/logging"
	"Node-sync/backend/metrics"
	"Node-sync/backend/transport"
	"Node-sync/backend/types"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

const channelPrefix = "docsync:doc:"

// reconnectSettle coalesces the resubscriptions of every document channel
// after one connection loss into a single reconnect notification.
const reconnectSettle = 100 * time.Millisecond

// Config configures the Redis fabric.
type Config struct {
	Addr     string
	Password string
	DB       int
	Origin   string
}

// Fabric relays envelopes over Redis pub/sub channels, one per document.
//
// - implements transport.Fabric
type Fabric struct {
	origin string
	client *redis.Client
	logger zerolog.Logger

	mu      sync.Mutex
	closed  bool
	onRecon []func()
	subs    map[*subscription]struct{}

	reconnectPending atomic.Bool
}

// New creates a Redis fabric. The connection is established lazily.
func New(cfg Config) (*Fabric, error) {
	if cfg.Origin == "" {
		return nil, xerrors.New("redis fabric: empty origin")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &Fabric{
		origin: cfg.Origin,
		client: client,
		logger: logging.New("fabric").With().Str("origin", cfg.Origin).Logger(),
		subs:   make(map[*subscription]struct{}),
	}, nil
}

// Channel returns the pub/sub channel of a document.
func Channel(docID string) string {
	return channelPrefix + hex.EncodeToString([]byte(docID))
}

// Ping checks the connection to the server.
func (f *Fabric) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

// Origin implements transport.Fabric
func (f *Fabric) Origin() string {
	return f.origin
}

// Publish implements transport.Fabric
func (f *Fabric) Publish(ctx context.Context, docID string, e types.Envelope) error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}

	e.Origin = f.origin
	e.Document = docID

	err := f.client.Publish(ctx, Channel(docID), codec.EncodeEnvelope(e)).Err()
	if err != nil {
		metrics.FabricErrors.Inc()
		return xerrors.Errorf("failed to publish on %s: %w", Channel(docID), err)
	}

	metrics.FabricPublished.WithLabelValues(e.Kind.String()).Inc()
	return nil
}

// Subscribe implements transport.Fabric
func (f *Fabric) Subscribe(ctx context.Context, docID string, handler transport.Handler) (transport.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, transport.ErrClosed
	}

	pubsub := f.client.Subscribe(ctx, Channel(docID))

	// the first reply confirms the subscription
	_, err := pubsub.Receive(ctx)
	if err != nil {
		_ = pubsub.Close()
		return nil, xerrors.Errorf("failed to subscribe to %s: %w", Channel(docID), err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{
		fabric: f,
		pubsub: pubsub,
		cancel: cancel,
	}
	f.subs[sub] = struct{}{}

	go sub.run(runCtx, docID, handler)

	return sub, nil
}

// OnReconnect implements transport.Fabric
func (f *Fabric) OnReconnect(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.onRecon = append(f.onRecon, fn)
}

// Close implements transport.Fabric
func (f *Fabric) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return transport.ErrClosed
	}
	f.closed = true
	subs := f.subs
	f.subs = nil
	f.mu.Unlock()

	for sub := range subs {
		sub.stop()
	}

	err := f.client.Close()
	if err != nil {
		return xerrors.Errorf("failed to close redis client: %w", err)
	}
	return nil
}

func (f *Fabric) resubscribed() {
	if f.reconnectPending.Swap(true) {
		return
	}

	time.AfterFunc(reconnectSettle, func() {
		f.reconnectPending.Store(false)

		f.mu.Lock()
		callbacks := append([]func(){}, f.onRecon...)
		closed := f.closed
		f.mu.Unlock()

		if closed {
			return
		}

		f.logger.Info().Msg("redis resubscribed")
		for _, fn := range callbacks {
			fn()
		}
	})
}

func (f *Fabric) forget(sub *subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.subs, sub)
}

// - implements transport.Subscription
type subscription struct {
	fabric *Fabric
	pubsub *redis.PubSub
	cancel context.CancelFunc
	once   sync.Once
}

func (s *subscription) run(ctx context.Context, docID string, handler transport.Handler) {
	for {
		msg, err := s.pubsub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || xerrors.Is(err, redis.ErrClosed) {
				return
			}

			// go-redis reconnects and resubscribes on the next Receive
			metrics.FabricErrors.Inc()
			s.fabric.logger.Warn().Err(err).Str("document", docID).Msg("redis receive failed")

			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectSettle):
			}
			continue
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				s.fabric.resubscribed()
			}

		case *redis.Message:
			e, err := codec.DecodeEnvelope([]byte(m.Payload))
			if err != nil {
				metrics.FabricErrors.Inc()
				s.fabric.logger.Warn().Err(err).Str("document", docID).Msg("dropping malformed envelope")
				continue
			}
			if e.Origin == s.fabric.origin {
				continue
			}

			metrics.FabricReceived.WithLabelValues(e.Kind.String()).Inc()
			handler(e)
		}
	}
}

func (s *subscription) stop() {
	s.once.Do(func() {
		s.cancel()
		_ = s.pubsub.Close()
	})
}

// Unsubscribe implements transport.Subscription
func (s *subscription) Unsubscribe() error {
	s.stop()
	s.fabric.forget(s)
	return nil
}
