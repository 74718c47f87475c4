package nats

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"Node-sync/backend/codec"
	"Node-sync/backend/logging"
	"Node-sync/backend/metrics"
	"Node-sync/backend/transport"
	"Node-sync/backend/types"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

const (
	subjectPrefix = "docsync.doc."
	originKey     = "origin"
)

// Config configures the NATS fabric.
type Config struct {
	URL           string
	Origin        string
	MaxReconnects int
	ReconnectWait time.Duration
	CloseTimeout  time.Duration
}

// Fabric relays envelopes over core NATS subjects, one per document.
// Every process receives every envelope: there is no queue group.
//
// - implements transport.Fabric
type Fabric struct {
	origin     string
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     zerolog.Logger

	mu      sync.Mutex
	closed  bool
	onRecon []func()
	subs    map[*subscription]struct{}
}

// New connects to the NATS server at cfg.URL.
func New(cfg Config) (*Fabric, error) {
	if cfg.Origin == "" {
		return nil, xerrors.New("nats fabric: empty origin")
	}
	if cfg.CloseTimeout == 0 {
		cfg.CloseTimeout = 5 * time.Second
	}

	f := &Fabric{
		origin: cfg.Origin,
		logger: logging.New("fabric").With().Str("origin", cfg.Origin).Logger(),
		subs:   make(map[*subscription]struct{}),
	}
	wmLogger := watermill.NewSlogLogger(slog.New(logging.NewSlogHandler(f.logger)))

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				f.logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream:   wmNats.JetStreamConfig{Disabled: true},
	}, wmLogger)
	if err != nil {
		return nil, xerrors.Errorf("failed to create nats publisher: %w", err)
	}

	subOpts := append(natsOpts, natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
		f.logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		f.reconnected()
	}))

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              cfg.URL,
		QueueGroupPrefix: "",
		SubscribersCount: 1,
		CloseTimeout:     cfg.CloseTimeout,
		AckWaitTimeout:   30 * time.Second,
		NatsOptions:      subOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream:        wmNats.JetStreamConfig{Disabled: true},
	}, wmLogger)
	if err != nil {
		_ = pub.Close()
		return nil, xerrors.Errorf("failed to create nats subscriber: %w", err)
	}

	f.publisher = pub
	f.subscriber = sub
	return f, nil
}

// Subject returns the subject carrying a document's envelopes. Document ids
// are hex encoded so that dots and wildcards never reach the subject.
func Subject(docID string) string {
	return subjectPrefix + hex.EncodeToString([]byte(docID))
}

// Origin implements transport.Fabric
func (f *Fabric) Origin() string {
	return f.origin
}

// Publish implements transport.Fabric
func (f *Fabric) Publish(_ context.Context, docID string, e types.Envelope) error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}

	e.Origin = f.origin
	e.Document = docID
	msg := message.NewMessage(watermill.NewUUID(), codec.EncodeEnvelope(e))
	msg.Metadata.Set(originKey, f.origin)

	err := f.publisher.Publish(Subject(docID), msg)
	if err != nil {
		metrics.FabricErrors.Inc()
		return xerrors.Errorf("failed to publish on %s: %w", Subject(docID), err)
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

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	messages, err := f.subscriber.Subscribe(subCtx, Subject(docID))
	if err != nil {
		cancel()
		return nil, xerrors.Errorf("failed to subscribe to %s: %w", Subject(docID), err)
	}

	sub := &subscription{
		fabric: f,
		cancel: cancel,
	}
	f.subs[sub] = struct{}{}

	go sub.run(messages, docID, handler)

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

	subErr := f.subscriber.Close()
	pubErr := f.publisher.Close()
	if subErr != nil {
		return xerrors.Errorf("failed to close subscriber: %w", subErr)
	}
	if pubErr != nil {
		return xerrors.Errorf("failed to close publisher: %w", pubErr)
	}
	return nil
}

func (f *Fabric) reconnected() {
	f.mu.Lock()
	callbacks := append([]func(){}, f.onRecon...)
	f.mu.Unlock()

	for _, fn := range callbacks {
		go fn()
	}
}

func (f *Fabric) forget(sub *subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.subs, sub)
}

// - implements transport.Subscription
type subscription struct {
	fabric *Fabric
	cancel context.CancelFunc
	once   sync.Once
}

func (s *subscription) run(messages <-chan *message.Message, docID string, handler transport.Handler) {
	for msg := range messages {
		if msg.Metadata.Get(originKey) == s.fabric.origin {
			msg.Ack()
			continue
		}

		e, err := codec.DecodeEnvelope(msg.Payload)
		msg.Ack()
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

func (s *subscription) stop() {
	s.once.Do(func() {
		s.cancel()
	})
}

// Unsubscribe implements transport.Subscription
func (s *subscription) Unsubscribe() error {
	s.stop()
	s.fabric.forget(s)
	return nil
}
