package redqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// trigger publishes driver events on a single prefix-level channel.
// Only SUBSCRIBE is used, which keeps it usable on Redis Cluster.
type trigger struct {
	client  redis.UniversalClient
	channel string
}

func newTrigger(opt Options) trigger {
	return trigger{client: opt.TriggerClient, channel: opt.Prefix + ":events"}
}

func (t trigger) publish(ctx context.Context, ev Event) {
	if t.client == nil {
		return
	}
	if ev.AtUnixMs == 0 {
		ev.AtUnixMs = time.Now().UnixMilli()
	}
	b, _ := json.Marshal(ev)
	_ = t.client.Publish(ctx, t.channel, b).Err()
}

func (t trigger) subscribe(ctx context.Context, handler func(Event)) (func() error, error) {
	if t.client == nil {
		return nil, ErrTriggersNotConfigured
	}
	pubsub := t.client.Subscribe(ctx, t.channel)
	ch := pubsub.Channel()

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err == nil {
					handler(ev)
				}
			}
		}
	}()

	return func() error {
		close(stop)
		return pubsub.Close()
	}, nil
}
