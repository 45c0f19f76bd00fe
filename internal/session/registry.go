// Package session tracks live connections: per-connection state, admission
// control against per-IP and global caps, and idle eviction.
package session

import (
	"sync"
	"time"

	"github.com/roundnews/monerowebcoordinator/internal/ratelimit"
)

// State is a session's position in its lifecycle.
type State int

const (
	StateConnected State = iota
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one live WebSocket connection and its associated state.
type Session struct {
	mu sync.Mutex

	ID            string
	IP            string
	State         State
	ClientVersion string
	Threads       int
	SiteToken     string
	CurrentJobID  string
	ConnectedAt   time.Time
	LastActivity  time.Time
	Limits        ratelimit.SessionLimits
}

// SetReady transitions the session to Ready, recording the Hello payload.
func (s *Session) SetReady(clientVersion string, threads int, siteToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateReady
	s.ClientVersion = clientVersion
	s.Threads = threads
	s.SiteToken = siteToken
	s.LastActivity = time.Now()
}

// SetCurrentJob records the job most recently pushed to this session.
func (s *Session) SetCurrentJob(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CurrentJobID = jobID
}

// Touch refreshes last-activity, used for both idle eviction and the
// keepalive path.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActivity = time.Now()
}

// IdleSince reports how long it has been since the session last did
// anything.
func (s *Session) IdleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.LastActivity)
}

// CheckMessageLimit consults (and updates) the session's message-rate
// limiter under the session's lock.
func (s *Session) CheckMessageLimit(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Limits.Messages.Allow(now)
}

// CheckSubmitLimit consults (and updates) the session's submit-rate
// limiter under the session's lock.
func (s *Session) CheckSubmitLimit(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Limits.Submits.Allow(now)
}

// Registry tracks all live sessions plus per-IP connection counts, enforcing
// the per-IP and global admission caps.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ipCounts map[string]int

	maxTotal          int
	maxPerIP          int
	messagesPerSecond int
	submitsPerMinute  int
}

// NewRegistry creates an empty registry enforcing the given caps. Every
// admitted session is constructed with its own rate limiters built from
// messagesPerSecond/submitsPerMinute.
func NewRegistry(maxTotal, maxPerIP, messagesPerSecond, submitsPerMinute int) *Registry {
	return &Registry{
		sessions:          make(map[string]*Session),
		ipCounts:          make(map[string]int),
		maxTotal:          maxTotal,
		maxPerIP:          maxPerIP,
		messagesPerSecond: messagesPerSecond,
		submitsPerMinute:  submitsPerMinute,
	}
}

// Create admits a new session for ip and id, or returns (nil, false) if
// either the global or the per-IP cap is already saturated. The total cap
// is checked before the per-IP cap, matching the admission order the
// testable properties exercise.
func (r *Registry) Create(id, ip string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= r.maxTotal {
		return nil, false
	}
	if r.ipCounts[ip] >= r.maxPerIP {
		return nil, false
	}

	now := time.Now()
	s := &Session{
		ID:           id,
		IP:           ip,
		State:        StateConnected,
		ConnectedAt:  now,
		LastActivity: now,
		Limits:       ratelimit.NewSessionLimits(r.messagesPerSecond, r.submitsPerMinute),
	}

	r.sessions[id] = s
	r.ipCounts[ip]++
	return s, true
}

// Get returns the session for id, if live.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove evicts the session, decrementing its IP's count and dropping the
// IP entry entirely once it reaches zero to avoid unbounded growth.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.sessions, id)

	r.ipCounts[s.IP]--
	if r.ipCounts[s.IP] <= 0 {
		delete(r.ipCounts, s.IP)
	}
}

// CheckMessageLimit looks up id and consults its message limiter; false if
// the session is missing or the limiter denies.
func (r *Registry) CheckMessageLimit(id string) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	return s.CheckMessageLimit(time.Now())
}

// CheckSubmitLimit looks up id and consults its submit limiter; false if the
// session is missing or the limiter denies.
func (r *Registry) CheckSubmitLimit(id string) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	return s.CheckSubmitLimit(time.Now())
}

// ActiveCount reports the number of live sessions.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CleanupIdle removes every session whose last activity is older than
// maxIdle, snapshotting the ids to remove before mutating the map so
// concurrent inserts can't invalidate the sweep.
func (r *Registry) CleanupIdle(maxIdle time.Duration) int {
	now := time.Now()

	r.mu.RLock()
	var toRemove []string
	for id, s := range r.sessions {
		if s.IdleSince(now) > maxIdle {
			toRemove = append(toRemove, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range toRemove {
		r.Remove(id)
	}
	return len(toRemove)
}
