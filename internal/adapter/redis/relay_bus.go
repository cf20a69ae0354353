package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/maddy1092/ottu-ws/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const (
	idSeparator        = "."
	defaultSendTimeout = 5 * time.Second
)

// delivery is the message published to the instance that owns a connection.
type delivery struct {
	ConnectionID string `json:"cid"`
	Text         string `json:"text"`
}

// RelayBus routes sends for connections held by other relay instances over
// Redis Pub/Sub. Connection ids it mints carry the owning instance id as a
// prefix, so any instance can address any connection.
type RelayBus struct {
	rdb         *goredis.Client
	prefix      string
	instanceID  string
	local       domain.Transport
	sendTimeout time.Duration
	onGone      func(ctx context.Context, connectionID string)
	subscribed  atomic.Bool
}

var errNotSubscribed = errors.New("relay bus not subscribed")

var _ domain.Transport = (*RelayBus)(nil)

// NewRelayBus creates a bus for this instance. An empty instanceID is replaced
// by a random one. local delivers to sockets held by this instance, each relayed
// send bounded by sendTimeout.
func NewRelayBus(rdb *goredis.Client, namespace, instanceID string, local domain.Transport, sendTimeout time.Duration) *RelayBus {
	if instanceID == "" {
		instanceID = uuid.NewString()[:8]
	}
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	return &RelayBus{
		rdb:         rdb,
		prefix:      namespace + ":",
		instanceID:  strings.ReplaceAll(instanceID, idSeparator, "-"),
		local:       local,
		sendTimeout: sendTimeout,
	}
}

// OnGone registers a callback for connections that were addressed to this
// instance but are no longer held here. Call before Run.
func (b *RelayBus) OnGone(fn func(ctx context.Context, connectionID string)) {
	b.onGone = fn
}

func (b *RelayBus) InstanceID() string {
	return b.instanceID
}

// NewConnectionID mints a connection id owned by this instance.
func (b *RelayBus) NewConnectionID() string {
	return b.instanceID + idSeparator + uuid.NewString()
}

func (b *RelayBus) channel(instanceID string) string {
	return b.prefix + "deliver:" + instanceID
}

func ownerOf(connectionID string) (string, bool) {
	owner, _, found := strings.Cut(connectionID, idSeparator)
	return owner, found && owner != ""
}

// Send delivers locally when this instance owns the connection, otherwise
// publishes to the owner. No subscriber on the owner channel means the owner
// is gone and the connection with it.
func (b *RelayBus) Send(ctx context.Context, connectionID, text string) error {
	owner, ok := ownerOf(connectionID)
	if !ok || owner == b.instanceID {
		return b.local.Send(ctx, connectionID, text)
	}

	data, err := json.Marshal(delivery{ConnectionID: connectionID, Text: text})
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}

	receivers, err := b.rdb.Publish(ctx, b.channel(owner), data).Result()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", owner, err)
	}
	if receivers == 0 {
		return domain.ErrDisconnected
	}
	return nil
}

// Run subscribes to this instance's channel and delivers incoming messages to
// local sockets until ctx is cancelled.
func (b *RelayBus) Run(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, b.channel(b.instanceID))
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	slog.Info("Relay bus subscribed", "instance_id", b.instanceID)
	b.subscribed.Store(true)
	defer b.subscribed.Store(false)

	msgCh := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgCh:
			if !ok {
				return nil
			}
			b.deliver(ctx, msg.Payload)
		}
	}
}

// Ping reports whether this instance is subscribed and Redis answers.
func (b *RelayBus) Ping(ctx context.Context) error {
	if !b.subscribed.Load() {
		return errNotSubscribed
	}
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("relay bus ping: %w", err)
	}
	return nil
}

func (b *RelayBus) deliver(ctx context.Context, payload string) {
	var d delivery
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		slog.WarnContext(ctx, "Dropping unreadable relay bus message", "error", err)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
	defer cancel()

	err := b.local.Send(sendCtx, d.ConnectionID, d.Text)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrDisconnected), errors.Is(err, context.DeadlineExceeded):
		slog.DebugContext(ctx, "Relayed connection is gone", "connection_id", d.ConnectionID)
		if b.onGone != nil {
			b.onGone(ctx, d.ConnectionID)
		}
	default:
		slog.WarnContext(ctx, "Relayed send failed", "connection_id", d.ConnectionID, "error", err)
	}
}
