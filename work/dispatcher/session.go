package dispatcher

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is the position of a session in the dispatch state machine.
type State int32

const (
	StateRequested State = iota
	StateResolving
	StateAuthenticating
	StateLinkResolving
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateResolving:
		return "resolving"
	case StateAuthenticating:
		return "authenticating"
	case StateLinkResolving:
		return "link_resolving"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session is one client to upstream pipe. Only the dispatcher goroutine serving the
// request mutates it; readers take copies through Info.
type Session struct {
	ID        string
	ClientID  string
	StartedAt time.Time

	state atomic.Int32
	bytes atomic.Int64

	mu          sync.RWMutex
	portalID    string
	portalName  string
	channelID   string
	channelName string
	mac         string
	method      string
	attempts    int
}

// SessionInfo is a point-in-time copy of a session for the streaming dashboard.
type SessionInfo struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"client"`
	PortalID    string    `json:"portalId"`
	PortalName  string    `json:"portalName"`
	ChannelID   string    `json:"channelId"`
	ChannelName string    `json:"channelName"`
	MAC         string    `json:"mac"`
	Method      string    `json:"method"`
	State       string    `json:"state"`
	Attempts    int       `json:"attempts"`
	Bytes       int64     `json:"bytes"`
	StartedAt   time.Time `json:"startTime"`
}

func newSession(clientID string, now time.Time) *Session {
	return &Session{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		StartedAt: now,
	}
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// State returns the current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setChannel(portalID, portalName, channelID, channelName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.portalID = portalID
	s.portalName = portalName
	s.channelID = channelID
	s.channelName = channelName
}

func (s *Session) setMAC(mac string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mac = mac
	s.attempts++
}

func (s *Session) setMethod(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.method = method
}

// Info copies the session.
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionInfo{
		ID:          s.ID,
		ClientID:    s.ClientID,
		PortalID:    s.portalID,
		PortalName:  s.portalName,
		ChannelID:   s.channelID,
		ChannelName: s.channelName,
		MAC:         s.mac,
		Method:      s.method,
		State:       s.State().String(),
		Attempts:    s.attempts,
		Bytes:       s.bytes.Load(),
		StartedAt:   s.StartedAt,
	}
}
