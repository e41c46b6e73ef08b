// Package invalidation provides a Redis pub/sub bus that broadcasts realm
// cache invalidation events across nodes, so a key rotation observed on
// one node also expires the token caches of its siblings.
//
// The bus carries notifications only; no state is persisted. Each node's
// in-memory cache remains authoritative, and a node that misses an event
// still converges through the cache's own TTL.
//
// # Usage
//
//	bus, err := invalidation.New(ctx, invalidation.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer bus.Close()
//
//	r, err := realm.New(cfg, mapper, realm.WithInvalidationNotifier(bus))
//	...
//	bus.Listen(ctx, cfg.Name, r.HandleRemoteInvalidation)
package invalidation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	caerr "github.com/clearauth/clearauth-core/pkg/errors"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/clearauth/clearauth-core/pkg/invalidation"

// secretRedacted replaces the password value in any textual output.
const secretRedacted = "[REDACTED]"

// Secret is a string type that redacts its value in String(), GoString(),
// and MarshalText() to keep the Redis password out of logs and serialized
// configuration.
type Secret string

func (s Secret) String() string   { return secretRedacted }
func (s Secret) GoString() string { return secretRedacted }
func (s Secret) Value() string    { return string(s) }

func (s Secret) MarshalText() ([]byte, error) { return []byte(secretRedacted), nil }

// Config holds the Redis connection settings and the pub/sub channel the
// bus publishes invalidation events on.
type Config struct {
	// Addr is the Redis host:port.
	Addr string `env:"ADDR" envDefault:"localhost:6379" yaml:"addr" json:"addr"`

	// Password authenticates the Redis connection. Optional.
	Password Secret `env:"PASSWORD" yaml:"password" json:"-"`

	// DB is the Redis database index.
	DB int `env:"DB" envDefault:"0" yaml:"db" json:"db"`

	// Channel is the pub/sub channel invalidation events are broadcast on.
	Channel string `env:"CHANNEL" envDefault:"clearauth:invalidate" yaml:"channel" json:"channel"`

	// DialTimeout bounds the initial connection attempt.
	DialTimeout time.Duration `env:"DIAL_TIMEOUT" envDefault:"5s" yaml:"dial_timeout" json:"dial_timeout"`
}

// DefaultConfig returns a Config with defaults suitable for a local or
// single-service deployment.
func DefaultConfig() Config {
	return Config{
		Addr:        "localhost:6379",
		Channel:     "clearauth:invalidate",
		DialTimeout: 5 * time.Second,
	}
}

// Validate checks the configuration for logical correctness.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return caerr.New(caerr.CodeConfigurationRequired, "invalidation: redis address must not be empty")
	}
	if c.Channel == "" {
		return caerr.New(caerr.CodeConfigurationRequired, "invalidation: channel must not be empty")
	}
	if c.DB < 0 {
		return caerr.New(caerr.CodeConfiguration, "invalidation: redis database index must be non-negative")
	}
	return nil
}

// Event is the wire payload of one invalidation broadcast. NodeID lets the
// publishing node skip its own event; Realm scopes the invalidation to one
// realm name ("" invalidates every realm listening on the channel).
type Event struct {
	NodeID string `json:"node_id"`
	Realm  string `json:"realm,omitempty"`
}

// pubSubClient is the narrow slice of *redis.Client the bus uses. It
// enables dependency injection via [NewFromClient] for unit testing
// without a Redis instance.
type pubSubClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	Close() error
}

// Bus broadcasts and receives realm cache invalidation events. It
// implements realm.InvalidationNotifier.
//
// Bus is safe for concurrent use.
type Bus struct {
	client  pubSubClient
	channel string
	nodeID  string
	logger  *slog.Logger
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, cfg Config) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password.Value(),
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, caerr.Wrapf(err, caerr.CodeUnavailable,
			"invalidation: failed to connect to redis at %q", cfg.Addr)
	}

	return newBus(client, cfg), nil
}

// NewFromClient builds a Bus over an existing client. Intended for tests
// and callers that manage their own Redis connection.
func NewFromClient(client pubSubClient, cfg Config) *Bus {
	return newBus(client, cfg)
}

func newBus(client pubSubClient, cfg Config) *Bus {
	return &Bus{
		client:  client,
		channel: cfg.Channel,
		nodeID:  uuid.NewString(),
		logger:  slog.Default(),
	}
}

// NodeID returns the unique identifier this bus instance stamps on its
// published events.
func (b *Bus) NodeID() string { return b.nodeID }

// NotifyAll publishes an invalidation event for the named realm. It
// implements realm.InvalidationNotifier.
func (b *Bus) NotifyAll(ctx context.Context, realmName string) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "invalidation.NotifyAll")
	defer span.End()
	span.SetAttributes(attribute.String("invalidation.realm", realmName))

	payload, err := json.Marshal(Event{NodeID: b.nodeID, Realm: realmName})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return caerr.Wrap(err, caerr.CodeInternal, "invalidation: failed to encode event")
	}

	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return caerr.Wrap(err, caerr.CodeUnavailable, "invalidation: failed to publish event")
	}
	return nil
}

// Listen subscribes to the invalidation channel and invokes onInvalidate
// for every event addressed to the named realm (or to all realms) that was
// published by another node. Listen returns after the subscription is
// established; delivery runs on a background goroutine until the context
// is cancelled or the bus is closed.
func (b *Bus) Listen(ctx context.Context, realmName string, onInvalidate func()) error {
	sub := b.client.Subscribe(ctx, b.channel)
	// Force the subscription handshake so a broken connection surfaces
	// here rather than as a silently idle listener.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return caerr.Wrap(err, caerr.CodeUnavailable, "invalidation: failed to subscribe")
	}

	ch := sub.Channel()
	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.handlePayload(msg.Payload, realmName, onInvalidate)
			}
		}
	}()
	return nil
}

// handlePayload decodes one event and decides whether it applies to this
// node and realm.
func (b *Bus) handlePayload(payload, realmName string, onInvalidate func()) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		b.logger.Warn("invalidation: discarding undecodable event", "error", err)
		return
	}
	if event.NodeID == b.nodeID {
		return // Our own broadcast; the local cache is already invalidated.
	}
	if event.Realm != "" && event.Realm != realmName {
		return
	}
	b.logger.Debug("invalidation: received invalidation event",
		"from_node", event.NodeID,
		"realm", event.Realm,
	)
	onInvalidate()
}

// Close releases the Redis connection.
func (b *Bus) Close() error {
	if err := b.client.Close(); err != nil {
		return caerr.Wrap(err, caerr.CodeInternal, "invalidation: failed to close redis client")
	}
	return nil
}

// String describes the bus without leaking credentials.
func (b *Bus) String() string {
	return fmt.Sprintf("invalidation.Bus{channel: %s, node: %s}", b.channel, b.nodeID)
}
