package session

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisNotifier backs the session store's change-notification channel (spec
// §4.S2 "Change notification": a NOTIFY/LISTEN-style feed, at-least-once
// delivery, subscribers tolerant of missed notifications). Grounded in
// tas-agent-builder's services/memory/short_term.go for the redis.Client
// construction idiom (a single shared *redis.Client, context-scoped calls);
// Publish/Subscribe themselves are go-redis's standard pub/sub surface.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	if channel == "" {
		channel = "lunaroute:session:changes"
	}
	return &RedisNotifier{client: client, channel: channel}
}

// Publish broadcasts a ConfigChange. Failures are the caller's to decide how
// to handle (the SQL back-ends ignore a failed publish without logging it
// and still report the already-committed write as successful — a missed
// notification is tolerated by design).
func (n *RedisNotifier) Publish(ctx context.Context, change ConfigChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel, payload).Err()
}

// Subscribe returns a channel of ConfigChange events for the given tenant.
// A nil tenant subscribes to all tenants' changes (used by single-tenant
// back-ends and admin tooling). The returned channel is closed when ctx is
// canceled or the underlying subscription errors out.
func (n *RedisNotifier) Subscribe(ctx context.Context, tenantID string) (<-chan ConfigChange, error) {
	sub := n.client.Subscribe(ctx, n.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, &DatabaseError{Msg: "subscribing to change channel", Err: err}
	}

	out := make(chan ConfigChange, 16)
	msgs := sub.Channel()
	go func() {
		defer sub.Close()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var change ConfigChange
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
					continue
				}
				if tenantID != "" && !strings.EqualFold(change.TenantID, tenantID) {
					continue
				}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
