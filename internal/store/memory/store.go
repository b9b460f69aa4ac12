package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mossy-p/webrtc-mesh/internal/models"
)

type room struct {
	// mu serializes writers of this room; readers take the read lock.
	mu           sync.RWMutex
	createdAt    time.Time
	lastActiveAt time.Time
	participants map[string]models.Participant
	order        []string
	signals      []models.Signal
	headSeq      int64
	// trimmedSeq is the highest seq removed by TrimSignals.
	trimmedSeq int64
	watermarks map[string]int64
	// deleted is set under mu when the room leaves the map, so holders of a
	// stale pointer can tell.
	deleted bool
}

// Store keeps rooms in process memory.
type Store struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

func NewStore() *Store {
	return &Store{rooms: make(map[string]*room)}
}

func (s *Store) getRoom(roomID string) (*room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("%w: room %s", models.ErrNotFound, roomID)
	}
	return r, nil
}

func (s *Store) getOrCreateRoom(roomID string, now time.Time) *room {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		r = &room{
			createdAt:    now,
			lastActiveAt: now,
			participants: make(map[string]models.Participant),
			watermarks:   make(map[string]int64),
		}
		s.rooms[roomID] = r
	}
	return r
}

func (s *Store) CreateRoom(_ context.Context, roomID string, now time.Time) error {
	s.getOrCreateRoom(roomID, now)
	return nil
}

func (s *Store) RoomExists(_ context.Context, roomID string) (bool, error) {
	_, err := s.getRoom(roomID)
	return err == nil, nil
}

func (s *Store) DeleteRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return fmt.Errorf("%w: room %s", models.ErrNotFound, roomID)
	}
	r.mu.Lock()
	r.deleted = true
	r.mu.Unlock()
	delete(s.rooms, roomID)
	return nil
}

// DeleteRoomIfIdle deletes the room only if nobody is active in it and it
// has seen no activity since idleBefore. Both are checked under the room lock.
func (s *Store) DeleteRoomIfIdle(_ context.Context, roomID string, idleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return false, fmt.Errorf("%w: room %s", models.ErrNotFound, roomID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.lastActiveAt.Before(idleBefore) {
		return false, nil
	}
	for _, p := range r.participants {
		if p.Active() {
			return false, nil
		}
	}
	r.deleted = true
	delete(s.rooms, roomID)
	return true, nil
}

func (s *Store) Rooms(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) RoomStats(_ context.Context, roomID string) (models.RoomStats, error) {
	r, err := s.getRoom(roomID)
	if err != nil {
		return models.RoomStats{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := 0
	for _, p := range r.participants {
		if p.Active() {
			active++
		}
	}
	return models.RoomStats{
		ID:            roomID,
		CreatedAt:     r.createdAt,
		LastActiveAt:  r.lastActiveAt,
		Participants:  active,
		HeadSeq:       r.headSeq,
		StoredSignals: len(r.signals),
	}, nil
}

func (s *Store) AddParticipant(_ context.Context, roomID string, p models.Participant) error {
	for {
		r := s.getOrCreateRoom(roomID, p.CreatedAt)
		r.mu.Lock()
		if r.deleted {
			// deleted between lookup and lock; recreate it
			r.mu.Unlock()
			continue
		}
		defer r.mu.Unlock()

		if _, exists := r.participants[p.ID]; exists {
			return fmt.Errorf("participant %s already exists", p.ID)
		}
		p.JoinSeq = r.headSeq
		r.participants[p.ID] = p
		r.order = append(r.order, p.ID)
		r.watermarks[p.ID] = r.headSeq
		r.lastActiveAt = p.CreatedAt
		return nil
	}
}

func (s *Store) GetParticipant(_ context.Context, roomID, participantID string) (models.Participant, error) {
	r, err := s.getRoom(roomID)
	if err != nil {
		return models.Participant{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.participants[participantID]
	if !ok {
		return models.Participant{}, fmt.Errorf("%w: participant %s", models.ErrNotFound, participantID)
	}
	return p, nil
}

func (s *Store) ActiveParticipants(_ context.Context, roomID string) ([]models.Participant, error) {
	r, err := s.getRoom(roomID)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Participant, 0, len(r.order))
	for _, id := range r.order {
		if p := r.participants[id]; p.Active() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) MarkDeparted(_ context.Context, roomID, participantID string, at time.Time) (bool, error) {
	r, err := s.getRoom(roomID)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[participantID]
	if !ok {
		return false, fmt.Errorf("%w: participant %s", models.ErrNotFound, participantID)
	}
	if !p.Active() {
		return false, nil
	}
	p.LeftAt = &at
	r.participants[participantID] = p
	delete(r.watermarks, participantID)
	r.lastActiveAt = at
	return true, nil
}

func (s *Store) AppendSignal(_ context.Context, roomID string, sig models.Signal) (int64, error) {
	r, err := s.getRoom(roomID)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.deleted {
		return 0, fmt.Errorf("%w: room %s", models.ErrNotFound, roomID)
	}
	r.headSeq++
	sig.Seq = r.headSeq
	r.signals = append(r.signals, sig)
	r.lastActiveAt = sig.CreatedAt
	return sig.Seq, nil
}

func (s *Store) ReadSignals(_ context.Context, roomID string, afterSeq int64, max int) ([]models.Signal, error) {
	r, err := s.getRoom(roomID)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if afterSeq < r.trimmedSeq {
		return nil, fmt.Errorf("%w: signals up to %d were compacted", models.ErrCursorExpired, r.trimmedSeq)
	}
	start := sort.Search(len(r.signals), func(i int) bool {
		return r.signals[i].Seq > afterSeq
	})
	end := len(r.signals)
	if max > 0 && start+max < end {
		end = start + max
	}
	out := make([]models.Signal, end-start)
	copy(out, r.signals[start:end])
	return out, nil
}

func (s *Store) AdvanceWatermark(_ context.Context, roomID, participantID string, seq int64) error {
	r, err := s.getRoom(roomID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.participants[participantID]; !ok || !p.Active() {
		return nil
	}
	if seq > r.watermarks[participantID] {
		r.watermarks[participantID] = seq
	}
	return nil
}

func (s *Store) Watermarks(_ context.Context, roomID string) (map[string]int64, error) {
	r, err := s.getRoom(roomID)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int64, len(r.watermarks))
	for id, seq := range r.watermarks {
		out[id] = seq
	}
	return out, nil
}

func (s *Store) TrimSignals(_ context.Context, roomID string, uptoSeq int64) (int, error) {
	r, err := s.getRoom(roomID)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	n := sort.Search(len(r.signals), func(i int) bool {
		return r.signals[i].Seq > uptoSeq
	})
	if n == 0 {
		return 0, nil
	}
	if last := r.signals[n-1].Seq; last > r.trimmedSeq {
		r.trimmedSeq = last
	}
	r.signals = append([]models.Signal(nil), r.signals[n:]...)
	return n, nil
}
