package signaling

import (
	"context"
	"fmt"
	"time"
)

// Compact drops the signals every active participant has already consumed.
// A participant's watermark is the highest afterSeq it has polled with, or
// the head of the log when it joined.
func (s *Service) Compact(ctx context.Context, roomID string) (int, error) {
	stats, err := s.store.RoomStats(ctx, roomID)
	if err != nil {
		return 0, err
	}
	active, err := s.store.ActiveParticipants(ctx, roomID)
	if err != nil {
		return 0, fmt.Errorf("list participants: %w", err)
	}
	marks, err := s.store.Watermarks(ctx, roomID)
	if err != nil {
		return 0, fmt.Errorf("read watermarks: %w", err)
	}

	upto := stats.HeadSeq
	for _, p := range active {
		if mark := marks[p.ID]; mark < upto {
			upto = mark
		}
	}
	if upto <= 0 {
		return 0, nil
	}

	pruned, err := s.store.TrimSignals(ctx, roomID, upto)
	if err != nil {
		return 0, fmt.Errorf("trim signals: %w", err)
	}
	if pruned > 0 {
		s.log.Debug().Str("room_id", roomID).Int64("upto_seq", upto).Int("pruned", pruned).Msg("Compacted signal log")
	}
	return pruned, nil
}

// Sweep compacts every room and deletes rooms that have been empty for
// longer than the room TTL.
func (s *Service) Sweep(ctx context.Context) error {
	rooms, err := s.store.Rooms(ctx)
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}

	idleBefore := s.now().Add(-s.opts.RoomTTL)
	for _, roomID := range rooms {
		deleted, err := s.store.DeleteRoomIfIdle(ctx, roomID, idleBefore)
		if err != nil {
			s.log.Warn().Err(err).Str("room_id", roomID).Msg("Failed to delete idle room")
			continue
		}
		if deleted {
			s.log.Info().Str("room_id", roomID).Msg("Idle room deleted")
			continue
		}
		if _, err := s.Compact(ctx, roomID); err != nil {
			s.log.Warn().Err(err).Str("room_id", roomID).Msg("Failed to compact room")
		}
	}
	return nil
}

// RunJanitor sweeps on every interval until ctx is done.
func (s *Service) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.log.Warn().Err(err).Msg("Janitor sweep failed")
			}
		}
	}
}
