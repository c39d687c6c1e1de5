package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/parley/internal/logging"
	"github.com/tOgg1/parley/internal/models"
)

// MetadataOrigin names the process that first published a bridged event.
const MetadataOrigin = "origin"

const (
	defaultOutboxSize        = 256
	defaultPublishTimeout    = 2 * time.Second
	defaultReconnectInterval = 2 * time.Second
)

// Transport moves encoded events between processes.
type Transport interface {
	// Publish sends data on subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe delivers every payload received on subject to handler until
	// the returned unsubscribe function is called.
	Subscribe(ctx context.Context, subject string, handler func([]byte)) (func() error, error)
}

// BridgeConfig configures a Bridge.
type BridgeConfig struct {
	// Subject is the Redis channel or NATS subject shared by all processes.
	Subject string

	// Origin identifies this process. Events carrying it are not re-imported.
	Origin string

	ReconnectInterval time.Duration
	PublishTimeout    time.Duration
	OutboxSize        int
}

// Bridge exports locally published events to a Transport and delivers
// events from other processes to the local publisher, so subscriptions
// wake for messages written anywhere in the deployment.
type Bridge struct {
	publisher *InMemoryPublisher
	transport Transport
	config    BridgeConfig
	logger    zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	outbox  chan []byte
	dropped uint64
}

// ErrBridgeRunning is returned by Start on a running bridge.
var ErrBridgeRunning = errors.New("event bridge already running")

// NewBridge creates a bridge between publisher and transport.
func NewBridge(publisher *InMemoryPublisher, transport Transport, cfg BridgeConfig) *Bridge {
	if cfg.Subject == "" {
		cfg.Subject = "parley.events"
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = defaultOutboxSize
	}
	return &Bridge{
		publisher: publisher,
		transport: transport,
		config:    cfg,
		logger:    logging.Component("event-bridge").With().Str("subject", cfg.Subject).Logger(),
	}
}

// Start begins exporting and importing events.
func (b *Bridge) Start(ctx context.Context) error {
	if b.config.Origin == "" {
		return fmt.Errorf("event bridge origin is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return ErrBridgeRunning
	}

	b.outbox = make(chan []byte, b.config.OutboxSize)
	if err := b.publisher.Subscribe(b.subscriptionID(), Filter{}, b.export); err != nil {
		return fmt.Errorf("failed to subscribe bridge: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.wg.Add(2)
	go b.runSender(ctx, b.outbox)
	go b.runReceiver(ctx)

	b.logger.Info().Str("origin", b.config.Origin).Msg("event bridge started")
	return nil
}

// Stop halts the bridge and waits for its goroutines.
func (b *Bridge) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	if cancel == nil {
		return
	}

	_ = b.publisher.Unsubscribe(b.subscriptionID())
	cancel()
	b.wg.Wait()
}

// Dropped returns how many outbound events were dropped on a full outbox.
func (b *Bridge) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *Bridge) subscriptionID() string {
	return "bridge:" + b.config.Origin
}

// export runs on the publishing goroutine and must not block.
func (b *Bridge) export(event *models.Event) {
	if origin := event.Metadata[MetadataOrigin]; origin != "" && origin != b.config.Origin {
		return
	}

	out := event.Clone()
	if out.Metadata == nil {
		out.Metadata = make(map[string]string, 1)
	}
	out.Metadata[MetadataOrigin] = b.config.Origin

	data, err := json.Marshal(out)
	if err != nil {
		b.logger.Warn().Err(err).Str("type", string(event.Type)).Msg("failed to encode event")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel == nil {
		return
	}
	select {
	case b.outbox <- data:
	default:
		b.dropped++
		b.logger.Warn().Str("type", string(event.Type)).Msg("event bridge outbox full, dropping event")
	}
}

func (b *Bridge) runSender(ctx context.Context, outbox <-chan []byte) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-outbox:
			pubCtx, cancel := context.WithTimeout(ctx, b.config.PublishTimeout)
			err := b.transport.Publish(pubCtx, b.config.Subject, data)
			cancel()
			if err != nil && ctx.Err() == nil {
				b.logger.Warn().Err(err).Msg("event bridge publish failed")
			}
		}
	}
}

func (b *Bridge) runReceiver(ctx context.Context) {
	defer b.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		unsubscribe, err := b.transport.Subscribe(ctx, b.config.Subject, b.ingest)
		if err != nil {
			b.logger.Warn().Err(err).Msg("event bridge subscribe failed")
			if !sleepUntil(ctx, b.config.ReconnectInterval) {
				return
			}
			continue
		}

		b.logger.Debug().Msg("event bridge subscribed")
		<-ctx.Done()
		if err := unsubscribe(); err != nil {
			b.logger.Debug().Err(err).Msg("event bridge unsubscribe failed")
		}
		return
	}
}

func (b *Bridge) ingest(data []byte) {
	var event models.Event
	if err := json.Unmarshal(data, &event); err != nil {
		b.logger.Warn().Err(err).Msg("failed to decode bridged event")
		return
	}
	if event.Metadata[MetadataOrigin] == b.config.Origin {
		return
	}
	b.publisher.Deliver(&event)
}

func sleepUntil(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
