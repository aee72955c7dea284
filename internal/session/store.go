// Package session holds the server's only mutable shared state: the map
// from session id to conversation context. The wire handler records inbound
// chunks and reads outbound chunks; the orchestrator appends outbound chunks
// and history. Each session carries its own lock so one slow conversation
// never stalls another.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/burrowchat/burrow/internal/codec"
)

// State is the generation state of a session. It advances monotonically
// within a turn (idle -> receiving -> assembled -> generating ->
// complete|error) and resets to receiving only when a new turn starts
// after a terminal state.
type State int

const (
	StateIdle State = iota
	StateReceiving
	StateAssembled
	StateGenerating
	StateComplete
	StateError
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReceiving:
		return "receiving"
	case StateAssembled:
		return "assembled"
	case StateGenerating:
		return "generating"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Code returns the single-letter state carried in cnt answers. Everything
// non-terminal reads as "g": the client only polls mid-turn, and any
// non-terminal state means keep waiting.
func (s State) Code() string {
	switch s {
	case StateComplete:
		return "c"
	case StateError:
		return "e"
	default:
		return "g"
	}
}

// Role tags a conversation history entry.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one conversation history entry.
type Message struct {
	Role Role
	Text string
}

var (
	// ErrChunkConflict marks a re-delivered chunk whose payload differs
	// from the first delivery. The session is poisoned until the next turn.
	ErrChunkConflict = errors.New("session: chunk conflict")

	// ErrBusy marks an inbound chunk arriving while a generation for the
	// same session is still running.
	ErrBusy = errors.New("session: generation in progress")
)

// ReadStatus classifies the outcome of ReadOutbound.
type ReadStatus int

const (
	ReadOK      ReadStatus = iota // chunk available
	ReadPending                   // not produced yet
	ReadPastEnd                   // generation finished, index beyond last chunk
)

// Session is one conversation context. All fields are guarded by mu.
type Session struct {
	sid string

	mu           sync.Mutex
	inbound      map[int][]byte
	inboundTotal int
	// consumed keeps the most recently assembled turn's chunks so that
	// late retransmits stay recognizable after the inbound buffer drains.
	consumed      map[int][]byte
	consumedTotal int
	history       []Message
	outbound      []string
	state         State
	lastTouch     time.Time
	cancel        context.CancelFunc
}

// SID returns the session identifier.
func (s *Session) SID() string { return s.sid }

// RecordInbound stores one request chunk. It returns the fully assembled
// message bytes exactly once per turn: on the call that delivers the final
// missing chunk. A nil result with nil error means more chunks are pending.
//
// Duplicate deliveries of an identical chunk are accepted silently, even
// after the turn has assembled: a lost ACK makes the client retransmit
// while the server is already generating or done, and those retransmits
// must not disturb the turn in flight or an outbound buffer still being
// drained. A duplicate with different bytes, or a total that disagrees
// with earlier chunks, poisons the session with ErrChunkConflict.
func (s *Session) RecordInbound(idx, total int, payload []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTouch = time.Now()

	switch s.state {
	case StateAssembled, StateGenerating:
		if s.isConsumedDup(idx, total, payload) {
			return nil, nil
		}
		return nil, ErrBusy
	case StateIdle, StateComplete, StateError:
		if s.isConsumedDup(idx, total, payload) {
			return nil, nil
		}
		// First chunk of a new turn resets the inbound side.
		s.inbound = make(map[int][]byte)
		s.inboundTotal = total
		s.outbound = nil
		s.state = StateReceiving
	}

	if total != s.inboundTotal {
		s.state = StateError
		return nil, fmt.Errorf("%w: total %d disagrees with %d", ErrChunkConflict, total, s.inboundTotal)
	}
	if prior, ok := s.inbound[idx]; ok {
		if string(prior) != string(payload) {
			s.state = StateError
			return nil, fmt.Errorf("%w: chunk %d re-delivered with different payload", ErrChunkConflict, idx)
		}
		return nil, nil
	}
	s.inbound[idx] = append([]byte(nil), payload...)

	if len(s.inbound) < s.inboundTotal {
		return nil, nil
	}

	chunks := make([][]byte, s.inboundTotal)
	for i := range chunks {
		chunks[i] = s.inbound[i]
	}
	// The state advances with the buffer hand-off, so a retransmit landing
	// between assembly and BeginGeneration cannot write into a drained map.
	s.consumed, s.inbound = s.inbound, nil
	s.consumedTotal = s.inboundTotal
	s.state = StateAssembled
	assembled, err := codec.JoinChunks(chunks)
	if err != nil {
		s.state = StateError
		return nil, err
	}
	return assembled, nil
}

// isConsumedDup reports whether the chunk byte-equals its delivery in the
// most recently assembled turn. Caller holds mu.
func (s *Session) isConsumedDup(idx, total int, payload []byte) bool {
	if s.consumed == nil || total != s.consumedTotal {
		return false
	}
	prior, ok := s.consumed[idx]
	return ok && string(prior) == string(payload)
}

// BeginGeneration transitions the session into the generating state and
// returns a context cancelled on eviction or clear. It refuses when no
// request was assembled or another generation is active.
func (s *Session) BeginGeneration(parent context.Context) (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAssembled {
		return nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	s.state = StateGenerating
	s.cancel = cancel
	return ctx, true
}

// AppendOutbound appends one encoded response chunk and returns its index.
// Chunks are append-only; a reader that has seen index k can always read
// 0..k.
func (s *Session) AppendOutbound(chunk string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbound = append(s.outbound, chunk)
	return len(s.outbound) - 1
}

// ReadOutbound is the non-blocking chunk read behind get queries.
func (s *Session) ReadOutbound(idx int) (string, ReadStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTouch = time.Now()
	if idx >= 0 && idx < len(s.outbound) {
		return s.outbound[idx], ReadOK
	}
	if s.state == StateComplete || s.state == StateError {
		return "", ReadPastEnd
	}
	return "", ReadPending
}

// Status reports the produced chunk count and current state for cnt queries.
func (s *Session) Status() (int, State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTouch = time.Now()
	return len(s.outbound), s.state
}

// Finish moves the session to a terminal state and releases the
// generation's cancel handle.
func (s *Session) Finish(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state != StateComplete && state != StateError {
		return
	}
	s.state = state
	s.cancel = nil
}

// Clear drops the conversation history and both chunk buffers, cancelling
// any in-flight generation. The session id stays registered. Clearing an
// already-empty session is a no-op.
func (s *Session) Clear() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.inbound = nil
	s.inboundTotal = 0
	s.consumed = nil
	s.consumedTotal = 0
	s.history = nil
	s.outbound = nil
	s.state = StateIdle
	s.lastTouch = time.Now()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// History returns a copy of the conversation history.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.history...)
}

// AppendHistory appends one history entry. Only the orchestrator calls
// this, and only outside its streaming loop.
func (s *Session) AppendHistory(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, m)
}

// Store is the concurrent sid -> Session map plus the idle sweeper.
type Store struct {
	idleTimeout time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewStore creates a Store with the given idle timeout.
func NewStore(idleTimeout time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		idleTimeout: idleTimeout,
		logger:      logger,
		sessions:    make(map[string]*Session),
	}
}

// Touch looks up a session, creating it on first contact, and refreshes
// its last-touch time.
func (st *Store) Touch(sid string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[sid]
	if !ok {
		s = &Session{sid: sid, state: StateIdle, lastTouch: time.Now()}
		st.sessions[sid] = s
		st.logger.Debug("session created", "sid", sid)
		return s
	}
	s.mu.Lock()
	s.lastTouch = time.Now()
	s.mu.Unlock()
	return s
}

// Lookup returns an existing session without creating one.
func (st *Store) Lookup(sid string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[sid]
	return s, ok
}

// Len reports the number of live sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Run sweeps idle sessions until ctx is cancelled. The sweep interval is
// derived from the idle timeout, clamped to [1s, 1m].
func (st *Store) Run(ctx context.Context) {
	interval := st.idleTimeout / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := st.sweep(time.Now()); n > 0 {
				st.logger.Info("evicted idle sessions", "count", n)
			}
		}
	}
}

// sweep evicts sessions idle past the timeout, signalling cancellation to
// any generation still running.
func (st *Store) sweep(now time.Time) int {
	st.mu.Lock()
	var evicted []*Session
	for sid, s := range st.sessions {
		s.mu.Lock()
		idle := now.Sub(s.lastTouch) > st.idleTimeout
		s.mu.Unlock()
		if idle {
			delete(st.sessions, sid)
			evicted = append(evicted, s)
		}
	}
	st.mu.Unlock()

	for _, s := range evicted {
		s.mu.Lock()
		cancel := s.cancel
		s.cancel = nil
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
	return len(evicted)
}
