package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/webrtc-mesh/internal/models"
)

const (
	roomsKey       = "rooms"
	DefaultRoomTTL = 24 * time.Hour
)

// Key layout per room:
//
//	room:<id>           hash   createdAt, lastActiveAt
//	room:<id>:peers     hash   participant id -> participant JSON
//	room:<id>:departed  hash   participant id -> leftAt
//	room:<id>:marks     hash   participant id -> consumed seq
//	room:<id>:seq       string last assigned seq
//	room:<id>:signals   zset   score seq, member "<seq>:<signal JSON>"
//	room:<id>:joined    hash   participant id -> head seq at join
//	room:<id>:trimmed   string highest seq removed by TrimSignals
type roomKeys struct {
	room, peers, departed, marks, seq, signals, joined, trimmed string
}

func keysFor(roomID string) roomKeys {
	base := "room:" + roomID
	return roomKeys{
		room:     base,
		peers:    base + ":peers",
		departed: base + ":departed",
		marks:    base + ":marks",
		seq:      base + ":seq",
		signals:  base + ":signals",
		joined:   base + ":joined",
		trimmed:  base + ":trimmed",
	}
}

func (k roomKeys) all() []string {
	return []string{k.room, k.peers, k.departed, k.marks, k.seq, k.signals, k.joined, k.trimmed}
}

// appendScript assigns the next seq and stores the signal in one step, which
// makes Redis the single writer for the room.
var appendScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local seq = redis.call('INCR', KEYS[5])
redis.call('ZADD', KEYS[6], seq, seq .. ':' .. ARGV[1])
redis.call('HSET', KEYS[1], 'lastActiveAt', ARGV[2])
for i = 1, #KEYS do
	redis.call('EXPIRE', KEYS[i], ARGV[3])
end
return seq
`)

var joinScript = redis.NewScript(`
redis.call('HSETNX', KEYS[1], 'createdAt', ARGV[3])
redis.call('HSET', KEYS[1], 'lastActiveAt', ARGV[3])
if redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2]) == 0 then
	return -1
end
local head = tonumber(redis.call('GET', KEYS[5]) or '0')
redis.call('HSET', KEYS[4], ARGV[1], head)
redis.call('HSET', KEYS[6], ARGV[1], head)
for i = 1, #KEYS do
	redis.call('EXPIRE', KEYS[i], ARGV[4])
end
return head
`)

var watermarkScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 1 then
	return 0
end
local cur = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
if tonumber(ARGV[2]) > cur then
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
	return 1
end
return 0
`)

// readScript returns the trimmed seq instead of a range when afterSeq points
// into the compacted part of the log.
var readScript = redis.NewScript(`
local trimmed = tonumber(redis.call('GET', KEYS[2]) or '0')
if tonumber(ARGV[1]) < trimmed then
	return trimmed
end
if tonumber(ARGV[2]) > 0 then
	return redis.call('ZRANGEBYSCORE', KEYS[1], '(' .. ARGV[1], '+inf', 'LIMIT', 0, ARGV[2])
end
return redis.call('ZRANGEBYSCORE', KEYS[1], '(' .. ARGV[1], '+inf')
`)

var trimScript = redis.NewScript(`
local last = redis.call('ZREVRANGEBYSCORE', KEYS[1], ARGV[1], '-inf', 'WITHSCORES', 'LIMIT', 0, 1)
if #last == 0 then
	return 0
end
local n = redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local seq = tonumber(last[2])
if seq > tonumber(redis.call('GET', KEYS[2]) or '0') then
	redis.call('SET', KEYS[2], seq, 'EX', ARGV[2])
end
return n
`)

// Store keeps rooms in Redis so several signaling instances can share them.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultRoomTTL
	}
	return &Store{client: client, ttl: ttl}
}

func (s *Store) ttlSeconds() int64 {
	return int64(s.ttl / time.Second)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (s *Store) requireRoom(ctx context.Context, k roomKeys, roomID string) error {
	n, err := s.client.Exists(ctx, k.room).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: room %s", models.ErrNotFound, roomID)
	}
	return nil
}

func (s *Store) CreateRoom(ctx context.Context, roomID string, now time.Time) error {
	k := keysFor(roomID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, k.room, "createdAt", formatTime(now))
		pipe.HSet(ctx, k.room, "lastActiveAt", formatTime(now))
		pipe.Expire(ctx, k.room, s.ttl)
		pipe.SAdd(ctx, roomsKey, roomID)
		return nil
	})
	return err
}

func (s *Store) RoomExists(ctx context.Context, roomID string) (bool, error) {
	n, err := s.client.Exists(ctx, keysFor(roomID).room).Result()
	return n > 0, err
}

func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	k := keysFor(roomID)
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, k.all()...)
		pipe.SRem(ctx, roomsKey, roomID)
		return nil
	})
	if err != nil {
		return err
	}
	if del.Val() == 0 {
		return fmt.Errorf("%w: room %s", models.ErrNotFound, roomID)
	}
	return nil
}

// DeleteRoomIfIdle deletes the room only if nobody is active in it and it
// has seen no activity since idleBefore. A join racing with the check aborts
// the transaction and the room is kept.
func (s *Store) DeleteRoomIfIdle(ctx context.Context, roomID string, idleBefore time.Time) (bool, error) {
	k := keysFor(roomID)
	deleted := false
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		lastActive, err := tx.HGet(ctx, k.room, "lastActiveAt").Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: room %s", models.ErrNotFound, roomID)
		}
		if err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339Nano, lastActive)
		if err != nil {
			return fmt.Errorf("malformed lastActiveAt %q: %w", lastActive, err)
		}
		if !t.Before(idleBefore) {
			return nil
		}

		peers, err := tx.HLen(ctx, k.peers).Result()
		if err != nil {
			return err
		}
		departed, err := tx.HLen(ctx, k.departed).Result()
		if err != nil {
			return err
		}
		if peers > departed {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, k.all()...)
			pipe.SRem(ctx, roomsKey, roomID)
			return nil
		})
		if err != nil {
			return err
		}
		deleted = true
		return nil
	}, k.room, k.peers, k.departed)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	return deleted, err
}

// Rooms lists known rooms and forgets the ones whose keys have expired.
func (s *Store) Rooms(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, roomsKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		ok, err := s.RoomExists(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			if err := s.client.SRem(ctx, roomsKey, id).Err(); err != nil {
				return nil, fmt.Errorf("forget expired room %s: %w", id, err)
			}
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) RoomStats(ctx context.Context, roomID string) (models.RoomStats, error) {
	k := keysFor(roomID)
	var (
		meta     *redis.MapStringStringCmd
		peers    *redis.IntCmd
		departed *redis.IntCmd
		head     *redis.StringCmd
		stored   *redis.IntCmd
	)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		meta = pipe.HGetAll(ctx, k.room)
		peers = pipe.HLen(ctx, k.peers)
		departed = pipe.HLen(ctx, k.departed)
		head = pipe.Get(ctx, k.seq)
		stored = pipe.ZCard(ctx, k.signals)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return models.RoomStats{}, err
	}
	if len(meta.Val()) == 0 {
		return models.RoomStats{}, fmt.Errorf("%w: room %s", models.ErrNotFound, roomID)
	}

	stats := models.RoomStats{
		ID:            roomID,
		Participants:  int(peers.Val() - departed.Val()),
		StoredSignals: int(stored.Val()),
	}
	stats.CreatedAt, _ = time.Parse(time.RFC3339Nano, meta.Val()["createdAt"])
	stats.LastActiveAt, _ = time.Parse(time.RFC3339Nano, meta.Val()["lastActiveAt"])
	if v := head.Val(); v != "" {
		stats.HeadSeq, _ = strconv.ParseInt(v, 10, 64)
	}
	return stats, nil
}

func (s *Store) AddParticipant(ctx context.Context, roomID string, p models.Participant) error {
	k := keysFor(roomID)
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	keys := []string{k.room, k.peers, k.departed, k.marks, k.seq, k.joined}
	res, err := joinScript.Run(ctx, s.client, keys, p.ID, data, formatTime(p.CreatedAt), s.ttlSeconds()).Int64()
	if err != nil {
		return err
	}
	if res < 0 {
		return fmt.Errorf("participant %s already exists", p.ID)
	}
	return s.client.SAdd(ctx, roomsKey, roomID).Err()
}

func (s *Store) GetParticipant(ctx context.Context, roomID, participantID string) (models.Participant, error) {
	k := keysFor(roomID)
	if err := s.requireRoom(ctx, k, roomID); err != nil {
		return models.Participant{}, err
	}

	var data, leftAt, joined *redis.StringCmd
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		data = pipe.HGet(ctx, k.peers, participantID)
		leftAt = pipe.HGet(ctx, k.departed, participantID)
		joined = pipe.HGet(ctx, k.joined, participantID)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return models.Participant{}, err
	}
	if errors.Is(data.Err(), redis.Nil) {
		return models.Participant{}, fmt.Errorf("%w: participant %s", models.ErrNotFound, participantID)
	}

	var p models.Participant
	if err := json.Unmarshal([]byte(data.Val()), &p); err != nil {
		return models.Participant{}, fmt.Errorf("failed to parse participant data: %w", err)
	}
	if v := leftAt.Val(); v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v)
		p.LeftAt = &t
	}
	if v := joined.Val(); v != "" {
		p.JoinSeq, _ = strconv.ParseInt(v, 10, 64)
	}
	return p, nil
}

func (s *Store) ActiveParticipants(ctx context.Context, roomID string) ([]models.Participant, error) {
	k := keysFor(roomID)
	if err := s.requireRoom(ctx, k, roomID); err != nil {
		return nil, err
	}

	all, err := s.client.HGetAll(ctx, k.peers).Result()
	if err != nil {
		return nil, err
	}
	departed, err := s.client.HGetAll(ctx, k.departed).Result()
	if err != nil {
		return nil, err
	}

	out := make([]models.Participant, 0, len(all))
	for id, data := range all {
		if _, gone := departed[id]; gone {
			continue
		}
		var p models.Participant
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("failed to parse participant data: %w", err)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) MarkDeparted(ctx context.Context, roomID, participantID string, at time.Time) (bool, error) {
	if _, err := s.GetParticipant(ctx, roomID, participantID); err != nil {
		return false, err
	}

	k := keysFor(roomID)
	var set *redis.BoolCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		set = pipe.HSetNX(ctx, k.departed, participantID, formatTime(at))
		pipe.HDel(ctx, k.marks, participantID)
		pipe.HSet(ctx, k.room, "lastActiveAt", formatTime(at))
		pipe.Expire(ctx, k.departed, s.ttl)
		return nil
	})
	if err != nil {
		return false, err
	}
	return set.Val(), nil
}

func (s *Store) AppendSignal(ctx context.Context, roomID string, sig models.Signal) (int64, error) {
	k := keysFor(roomID)
	data, err := json.Marshal(sig)
	if err != nil {
		return 0, err
	}

	seq, err := appendScript.Run(ctx, s.client, k.all(), data, formatTime(sig.CreatedAt), s.ttlSeconds()).Int64()
	if err != nil {
		return 0, err
	}
	if seq < 0 {
		return 0, fmt.Errorf("%w: room %s", models.ErrNotFound, roomID)
	}
	return seq, nil
}

func (s *Store) ReadSignals(ctx context.Context, roomID string, afterSeq int64, max int) ([]models.Signal, error) {
	k := keysFor(roomID)
	res, err := readScript.Run(ctx, s.client, []string{k.signals, k.trimmed}, afterSeq, max).Result()
	if err != nil {
		return nil, err
	}

	var members []interface{}
	switch v := res.(type) {
	case int64:
		return nil, fmt.Errorf("%w: signals up to %d were compacted", models.ErrCursorExpired, v)
	case []interface{}:
		members = v
	default:
		return nil, fmt.Errorf("unexpected read result %T", res)
	}

	out := make([]models.Signal, 0, len(members))
	for _, m := range members {
		member, ok := m.(string)
		if !ok {
			return nil, fmt.Errorf("malformed signal entry %v", m)
		}
		sig, err := decodeSignal(member)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, nil
}

func decodeSignal(member string) (models.Signal, error) {
	prefix, data, ok := strings.Cut(member, ":")
	if !ok {
		return models.Signal{}, fmt.Errorf("malformed signal entry %q", member)
	}
	seq, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return models.Signal{}, fmt.Errorf("malformed signal seq %q: %w", prefix, err)
	}
	var sig models.Signal
	if err := json.Unmarshal([]byte(data), &sig); err != nil {
		return models.Signal{}, fmt.Errorf("failed to parse signal data: %w", err)
	}
	sig.Seq = seq
	return sig, nil
}

func (s *Store) AdvanceWatermark(ctx context.Context, roomID, participantID string, seq int64) error {
	k := keysFor(roomID)
	return watermarkScript.Run(ctx, s.client, []string{k.marks, k.departed}, participantID, seq).Err()
}

func (s *Store) Watermarks(ctx context.Context, roomID string) (map[string]int64, error) {
	raw, err := s.client.HGetAll(ctx, keysFor(roomID).marks).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for id, v := range raw {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed watermark for %s: %w", id, err)
		}
		out[id] = seq
	}
	return out, nil
}

func (s *Store) TrimSignals(ctx context.Context, roomID string, uptoSeq int64) (int, error) {
	k := keysFor(roomID)
	n, err := trimScript.Run(ctx, s.client, []string{k.signals, k.trimmed}, uptoSeq, s.ttlSeconds()).Int64()
	return int(n), err
}
