package redis

import (
	"context"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Notifier fans out "room log grew" events through Redis pub/sub so push
// subscribers on every instance wake up.
type Notifier struct {
	client *redis.Client
	log    zerolog.Logger
}

func NewNotifier(client *redis.Client, log zerolog.Logger) *Notifier {
	return &Notifier{client: client, log: log}
}

func notifyChannel(roomID string) string {
	return "room:" + roomID + ":notify"
}

func (n *Notifier) Publish(ctx context.Context, roomID string, seq int64) error {
	return n.client.Publish(ctx, notifyChannel(roomID), seq).Err()
}

func (n *Notifier) Subscribe(ctx context.Context, roomID string) (<-chan int64, func()) {
	out := make(chan int64, 1)
	ps := n.client.Subscribe(ctx, notifyChannel(roomID))

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			if err := ps.Close(); err != nil {
				n.log.Debug().Err(err).Str("room_id", roomID).Msg("Failed to close subscription")
			}
		})
	}

	go func() {
		defer cancel()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				seq, err := strconv.ParseInt(msg.Payload, 10, 64)
				if err != nil {
					continue
				}
				select {
				case out <- seq:
				default:
				}
			}
		}
	}()
	return out, cancel
}
