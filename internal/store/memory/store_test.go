package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mossy-p/webrtc-mesh/internal/models"
)

func TestReadAndTrimSignals(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.AddParticipant(ctx, "R1", models.Participant{ID: "a", CreatedAt: now}))
	for i := 0; i < 6; i++ {
		seq, err := s.AppendSignal(ctx, "R1", models.Signal{Kind: models.SignalKindICE, From: "a", CreatedAt: now})
		require.NoError(t, err)
		require.Equal(t, int64(i+1), seq)
	}

	sigs, err := s.ReadSignals(ctx, "R1", 2, 3)
	require.NoError(t, err)
	require.Len(t, sigs, 3)
	require.Equal(t, int64(3), sigs[0].Seq)
	require.Equal(t, int64(5), sigs[2].Seq)

	n, err := s.TrimSignals(ctx, "R1", 4)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	sigs, err = s.ReadSignals(ctx, "R1", 4, 0)
	require.NoError(t, err)
	require.Len(t, sigs, 2)
	require.Equal(t, int64(5), sigs[0].Seq)

	_, err = s.ReadSignals(ctx, "R1", 3, 0)
	require.ErrorIs(t, err, models.ErrCursorExpired)

	// trimming never rewinds the seq counter
	seq, err := s.AppendSignal(ctx, "R1", models.Signal{Kind: models.SignalKindICE, From: "a", CreatedAt: now})
	require.NoError(t, err)
	require.Equal(t, int64(7), seq)
}

func TestParticipantLifecycle(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.AddParticipant(ctx, "R1", models.Participant{ID: "a", CreatedAt: now}))
	require.NoError(t, s.AddParticipant(ctx, "R1", models.Participant{ID: "b", CreatedAt: now}))
	require.Error(t, s.AddParticipant(ctx, "R1", models.Participant{ID: "b", CreatedAt: now}))

	removed, err := s.MarkDeparted(ctx, "R1", "a", now)
	require.NoError(t, err)
	require.True(t, removed)
	removed, err = s.MarkDeparted(ctx, "R1", "a", now)
	require.NoError(t, err)
	require.False(t, removed)

	active, err := s.ActiveParticipants(ctx, "R1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "b", active[0].ID)

	marks, err := s.Watermarks(ctx, "R1")
	require.NoError(t, err)
	require.NotContains(t, marks, "a")

	require.NoError(t, s.AdvanceWatermark(ctx, "R1", "a", 10))
	marks, err = s.Watermarks(ctx, "R1")
	require.NoError(t, err)
	require.NotContains(t, marks, "a")
}

func TestMissingRoom(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	_, err := s.AppendSignal(ctx, "nope", models.Signal{})
	require.ErrorIs(t, err, models.ErrNotFound)
	_, err = s.GetParticipant(ctx, "nope", "a")
	require.ErrorIs(t, err, models.ErrNotFound)
	require.ErrorIs(t, s.DeleteRoom(ctx, "nope"), models.ErrNotFound)

	ok, err := s.RoomExists(ctx, "nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeleteRoomIfIdle(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.AddParticipant(ctx, "R1", models.Participant{ID: "a", CreatedAt: now}))

	deleted, err := s.DeleteRoomIfIdle(ctx, "R1", now.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, deleted, "active participant")

	_, err = s.MarkDeparted(ctx, "R1", "a", now)
	require.NoError(t, err)
	deleted, err = s.DeleteRoomIfIdle(ctx, "R1", now)
	require.NoError(t, err)
	require.False(t, deleted, "recently active")

	deleted, err = s.DeleteRoomIfIdle(ctx, "R1", now.Add(time.Second))
	require.NoError(t, err)
	require.True(t, deleted)

	_, err = s.DeleteRoomIfIdle(ctx, "R1", now.Add(time.Second))
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestJoinRacingIdleDeleteIsNeverLost(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)

	for i := 0; i < 200; i++ {
		roomID := fmt.Sprintf("R%d", i)
		require.NoError(t, s.CreateRoom(ctx, roomID, old))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = s.DeleteRoomIfIdle(ctx, roomID, time.Now())
		}()
		go func() {
			defer wg.Done()
			if err := s.AddParticipant(ctx, roomID, models.Participant{ID: "p", CreatedAt: time.Now()}); err != nil {
				t.Errorf("join %s: %v", roomID, err)
			}
		}()
		wg.Wait()

		p, err := s.GetParticipant(ctx, roomID, "p")
		require.NoError(t, err, roomID)
		require.Equal(t, "p", p.ID)
		_, err = s.AppendSignal(ctx, roomID, models.Signal{Kind: models.SignalKindMedia, From: "p", CreatedAt: time.Now()})
		require.NoError(t, err, roomID)
	}
}
