package signaling

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiterSet keeps one token bucket per participant.
// A non-positive rate disables limiting.
type limiterSet struct {
	mu     sync.Mutex
	limit  rate.Limit
	burst  int
	byPeer map[string]*rate.Limiter
}

func newLimiterSet(perSecond float64, burst int) *limiterSet {
	if burst <= 0 {
		burst = 1
	}
	return &limiterSet{
		limit:  rate.Limit(perSecond),
		burst:  burst,
		byPeer: make(map[string]*rate.Limiter),
	}
}

func (l *limiterSet) allow(participantID string) bool {
	if l.limit <= 0 {
		return true
	}

	l.mu.Lock()
	lim, ok := l.byPeer[participantID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.byPeer[participantID] = lim
	}
	l.mu.Unlock()

	return lim.Allow()
}

func (l *limiterSet) forget(participantID string) {
	l.mu.Lock()
	delete(l.byPeer, participantID)
	l.mu.Unlock()
}
