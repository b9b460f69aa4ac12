package redis_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/mossy-p/webrtc-mesh/internal/redis"
	"github.com/mossy-p/webrtc-mesh/internal/signaling"
)

func newClient(t *testing.T) (*goredis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func participant(id string, at time.Time) models.Participant {
	return models.Participant{ID: id, Secret: "s-" + id, DisplayName: id, CreatedAt: at}
}

func TestStoreAppendAssignsConsecutiveSeqs(t *testing.T) {
	client, _ := newClient(t)
	store := redis.NewStore(client, time.Hour)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.AddParticipant(ctx, "R1", participant("a", now)))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.AppendSignal(ctx, "R1", models.Signal{Kind: models.SignalKindMedia, From: "a", CreatedAt: now})
			if err != nil {
				t.Errorf("append: %v", err)
			}
		}()
	}
	wg.Wait()

	sigs, err := store.ReadSignals(ctx, "R1", 0, 100)
	require.NoError(t, err)
	require.Len(t, sigs, 20)
	for i, sig := range sigs {
		require.Equal(t, int64(i+1), sig.Seq)
		require.Equal(t, "a", sig.From)
	}

	sigs, err = store.ReadSignals(ctx, "R1", 15, 3)
	require.NoError(t, err)
	require.Len(t, sigs, 3)
	require.Equal(t, int64(16), sigs[0].Seq)
}

func TestStoreAppendToMissingRoom(t *testing.T) {
	client, _ := newClient(t)
	store := redis.NewStore(client, time.Hour)

	_, err := store.AppendSignal(context.Background(), "nope", models.Signal{Kind: models.SignalKindMedia, From: "a"})
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestStoreParticipantsAndDeparture(t *testing.T) {
	client, _ := newClient(t)
	store := redis.NewStore(client, time.Hour)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.AddParticipant(ctx, "R1", participant("a", now)))
	require.NoError(t, store.AddParticipant(ctx, "R1", participant("b", now.Add(time.Second))))
	require.Error(t, store.AddParticipant(ctx, "R1", participant("a", now)))

	active, err := store.ActiveParticipants(ctx, "R1")
	require.NoError(t, err)
	require.Len(t, active, 2)
	require.Equal(t, "a", active[0].ID)
	require.Equal(t, "s-a", active[0].Secret)

	removed, err := store.MarkDeparted(ctx, "R1", "a", now)
	require.NoError(t, err)
	require.True(t, removed)
	removed, err = store.MarkDeparted(ctx, "R1", "a", now)
	require.NoError(t, err)
	require.False(t, removed)

	p, err := store.GetParticipant(ctx, "R1", "a")
	require.NoError(t, err)
	require.False(t, p.Active())

	_, err = store.GetParticipant(ctx, "R1", "ghost")
	require.ErrorIs(t, err, models.ErrNotFound)

	stats, err := store.RoomStats(ctx, "R1")
	require.NoError(t, err)
	require.Equal(t, 1, stats.Participants)
	require.Zero(t, stats.HeadSeq)
}

func TestStoreWatermarksAndTrim(t *testing.T) {
	client, _ := newClient(t)
	store := redis.NewStore(client, time.Hour)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.AddParticipant(ctx, "R1", participant("a", now)))
	for i := 0; i < 5; i++ {
		_, err := store.AppendSignal(ctx, "R1", models.Signal{Kind: models.SignalKindMedia, From: "a", CreatedAt: now})
		require.NoError(t, err)
	}
	require.NoError(t, store.AddParticipant(ctx, "R1", participant("b", now)))

	marks, err := store.Watermarks(ctx, "R1")
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"a": 0, "b": 5}, marks)

	require.NoError(t, store.AdvanceWatermark(ctx, "R1", "a", 3))
	require.NoError(t, store.AdvanceWatermark(ctx, "R1", "a", 1))
	marks, err = store.Watermarks(ctx, "R1")
	require.NoError(t, err)
	require.Equal(t, int64(3), marks["a"])

	n, err := store.TrimSignals(ctx, "R1", 3)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	stats, err := store.RoomStats(ctx, "R1")
	require.NoError(t, err)
	require.Equal(t, int64(5), stats.HeadSeq)
	require.Equal(t, 2, stats.StoredSignals)

	_, err = store.ReadSignals(ctx, "R1", 2, 10)
	require.ErrorIs(t, err, models.ErrCursorExpired)
	sigs, err := store.ReadSignals(ctx, "R1", 3, 10)
	require.NoError(t, err)
	require.Len(t, sigs, 2)
	require.Equal(t, int64(4), sigs[0].Seq)

	// a trim that removes nothing keeps the floor
	n, err = store.TrimSignals(ctx, "R1", 1)
	require.NoError(t, err)
	require.Zero(t, n)
	_, err = store.ReadSignals(ctx, "R1", 2, 10)
	require.ErrorIs(t, err, models.ErrCursorExpired)

	b, err := store.GetParticipant(ctx, "R1", "b")
	require.NoError(t, err)
	require.Equal(t, int64(5), b.JoinSeq)
}

func TestStoreRoomsForgetsExpiredRooms(t *testing.T) {
	client, mr := newClient(t)
	store := redis.NewStore(client, time.Minute)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.CreateRoom(ctx, "R1", now))
	require.NoError(t, store.CreateRoom(ctx, "R2", now))
	rooms, err := store.Rooms(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"R1", "R2"}, rooms)

	mr.FastForward(2 * time.Minute)
	rooms, err = store.Rooms(ctx)
	require.NoError(t, err)
	require.Empty(t, rooms)
}

// failCommand makes every call of the named command fail.
type failCommand string

func (f failCommand) DialHook(next goredis.DialHook) goredis.DialHook { return next }

func (f failCommand) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		if cmd.Name() == string(f) {
			err := errors.New("connection reset by peer")
			cmd.SetErr(err)
			return err
		}
		return next(ctx, cmd)
	}
}

func (f failCommand) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return next
}

func TestStoreRoomsReportsCleanupFailure(t *testing.T) {
	client, mr := newClient(t)
	store := redis.NewStore(client, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.CreateRoom(ctx, "R1", time.Now().UTC()))
	mr.FastForward(2 * time.Minute)
	client.AddHook(failCommand("srem"))

	_, err := store.Rooms(ctx)
	require.ErrorContains(t, err, "forget expired room R1")
	require.True(t, mr.Exists("rooms"))
}

func TestStoreDeleteRoomIfIdle(t *testing.T) {
	client, mr := newClient(t)
	store := redis.NewStore(client, time.Hour)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.AddParticipant(ctx, "R1", participant("a", now)))
	deleted, err := store.DeleteRoomIfIdle(ctx, "R1", now.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, deleted, "active participant")

	_, err = store.MarkDeparted(ctx, "R1", "a", now)
	require.NoError(t, err)
	deleted, err = store.DeleteRoomIfIdle(ctx, "R1", now)
	require.NoError(t, err)
	require.False(t, deleted, "recently active")

	deleted, err = store.DeleteRoomIfIdle(ctx, "R1", now.Add(time.Second))
	require.NoError(t, err)
	require.True(t, deleted)
	require.False(t, mr.Exists("room:R1"))
	rooms, err := store.Rooms(ctx)
	require.NoError(t, err)
	require.Empty(t, rooms)

	_, err = store.DeleteRoomIfIdle(ctx, "R1", now.Add(time.Second))
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestStoreDeleteRoom(t *testing.T) {
	client, _ := newClient(t)
	store := redis.NewStore(client, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.AddParticipant(ctx, "R1", participant("a", time.Now())))
	require.NoError(t, store.DeleteRoom(ctx, "R1"))
	require.ErrorIs(t, store.DeleteRoom(ctx, "R1"), models.ErrNotFound)

	ok, err := store.RoomExists(ctx, "R1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestServiceOverRedis(t *testing.T) {
	client, _ := newClient(t)
	svc := signaling.NewService(redis.NewStore(client, time.Hour), redis.NewNotifier(client, zerolog.Nop()), signaling.Options{}, zerolog.Nop())
	ctx := context.Background()

	a, _, err := svc.Join(ctx, "R1", "A")
	require.NoError(t, err)
	b, others, err := svc.Join(ctx, "R1", "B")
	require.NoError(t, err)
	require.Len(t, others, 1)

	to := b.ID
	seq, err := svc.Post(ctx, "R1", models.PostSignalRequest{
		ParticipantID: a.ID,
		Secret:        a.Secret,
		To:            &to,
		Kind:          models.SignalKindOffer,
		Payload:       json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), seq)

	res, err := svc.Poll(ctx, "R1", b.ID, b.Secret, 0, 10)
	require.NoError(t, err)
	require.Len(t, res.Signals, 1)
	require.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(res.Signals[0].Payload))

	require.NoError(t, svc.Leave(ctx, "R1", a.ID, a.Secret))
	res, err = svc.Poll(ctx, "R1", b.ID, b.Secret, res.NextAfterSeq, 10)
	require.NoError(t, err)
	require.Len(t, res.Signals, 1)
	require.Equal(t, models.SignalKindLeave, res.Signals[0].Kind)
}

func TestNotifierDeliversPublishedSeq(t *testing.T) {
	client, _ := newClient(t)
	n := redis.NewNotifier(client, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wake, unsubscribe := n.Subscribe(ctx, "R1")
	defer unsubscribe()

	// the subscription is registered asynchronously
	require.Eventually(t, func() bool {
		require.NoError(t, n.Publish(ctx, "R1", 7))
		select {
		case seq := <-wake:
			return seq == 7
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)
}
