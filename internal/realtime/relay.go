// Package realtime relays profile change events between instances through
// Redis pub/sub.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kalambet/profilesync/internal/storage"
)

// DefaultChannel is the Redis channel used when none is configured.
const DefaultChannel = "profilesync:changes"

// Relay forwards locally published changes to Redis and delivers changes
// published by other instances to the local broker. A Relay whose Redis is
// unreachable does nothing; local delivery keeps working.
type Relay struct {
	client  *redis.Client
	broker  *storage.Broker
	channel string
	origin  string
	logger  *slog.Logger

	pubsub *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup

	warnedUnavailable atomic.Bool
}

// NewRelay connects to addr and starts relaying changes for broker.
func NewRelay(ctx context.Context, addr, channel string, broker *storage.Broker, logger *slog.Logger) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Relay{
		broker:  broker,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  logger,
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unavailable, change relay disabled", "addr", addr, "error", err)
		_ = client.Close()
		return r
	}
	r.client = client

	runCtx, stop := context.WithCancel(context.Background())
	r.cancel = stop
	r.pubsub = client.Subscribe(runCtx, channel)
	broker.SetForwarder(r.forward)

	r.wg.Add(1)
	go r.receive(r.pubsub.Channel())
	logger.Info("change relay started", "addr", addr, "channel", channel, "origin", r.origin)
	return r
}

// Active reports whether the relay is connected to Redis.
func (r *Relay) Active() bool {
	return r != nil && r.client != nil
}

// Close detaches the relay from the broker and closes the Redis connection.
func (r *Relay) Close() error {
	if !r.Active() {
		return nil
	}
	r.broker.SetForwarder(nil)
	r.cancel()
	err := r.pubsub.Close()
	r.wg.Wait()
	if cerr := r.client.Close(); err == nil {
		err = cerr
	}
	return err
}

func (r *Relay) forward(c storage.Change) {
	payload, err := encodeChange(c, r.origin)
	if err != nil {
		r.logger.Warn("encoding change for relay", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		if r.warnedUnavailable.CompareAndSwap(false, true) {
			r.logger.Warn("redis publish failed, remote instances may miss changes", "error", err)
		}
		return
	}
	r.warnedUnavailable.Store(false)
}

func (r *Relay) receive(ch <-chan *redis.Message) {
	defer r.wg.Done()
	for msg := range ch {
		c, ok, err := decodeChange(msg.Payload, r.origin)
		if err != nil {
			r.logger.Warn("ignoring malformed relay message", "error", err)
			continue
		}
		if ok {
			r.broker.Deliver(c)
		}
	}
}

func encodeChange(c storage.Change, origin string) ([]byte, error) {
	c.Origin = origin
	return json.Marshal(c)
}

// decodeChange parses a relay message. ok is false for messages this
// instance published itself.
func decodeChange(payload, self string) (storage.Change, bool, error) {
	var c storage.Change
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return storage.Change{}, false, fmt.Errorf("decoding change: %w", err)
	}
	if c.Collection == "" || c.UserID == "" {
		return storage.Change{}, false, fmt.Errorf("change missing collection or user id")
	}
	if _, err := storage.Columns(c.Collection); err != nil {
		return storage.Change{}, false, err
	}
	return c, c.Origin != self, nil
}
