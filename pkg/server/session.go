package server

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mkoivu/chatrelay/pkg/crypto"
	"github.com/mkoivu/chatrelay/pkg/protocol"
)

// roomDirectory is the slice of the relay server a session needs for the
// \join command: the room list and the move operation.
type roomDirectory interface {
	RoomNames() []string
	MoveSession(sessionID uint64, fromRoom, toRoom string) error
}

// Session represents one connected user for the duration of one connection.
type Session struct {
	ID          uint64
	Name        string
	RemoteAddr  string
	ConnectedAt time.Time
	Conn        *SafeConn

	rooms   roomDirectory
	metrics *Metrics
	limiter *rateLimiter

	// cipher is non-nil only when payload encryption is enabled; it is set
	// once during negotiation, before the receive loop starts.
	cipher *crypto.Cipher

	mu          sync.Mutex // Protects currentRoom and pending
	currentRoom string
	pending     []string

	alive atomic.Bool
}

// Live reports whether the session's receive loop is still running. Dead
// sessions are collected by the server's liveness sweep.
func (s *Session) Live() bool {
	return s.alive.Load()
}

// CurrentRoom returns the name of the room currently holding the session,
// or "" when it is in none.
func (s *Session) CurrentRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentRoom
}

func (s *Session) setCurrentRoom(name string) {
	s.mu.Lock()
	s.currentRoom = name
	s.mu.Unlock()
}

// DrainPending returns the whole pending-outbound queue and empties it.
// Called by the owning room's broadcast loop.
func (s *Session) DrainPending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	drained := s.pending
	s.pending = nil
	return drained
}

func (s *Session) enqueue(raw string) {
	s.mu.Lock()
	inRoom := s.currentRoom != ""
	if inRoom {
		s.pending = append(s.pending, raw)
	}
	s.mu.Unlock()
}

// SendMessage writes a frame directly to the socket, bypassing room
// broadcast and room logging. Used for private and system notices. When
// encryption is active the frame is wrapped in an authenticated envelope.
func (s *Session) SendMessage(text string) error {
	frame := text
	if s.cipher != nil {
		sealed, err := s.cipher.Seal(text)
		if err != nil {
			return fmt.Errorf("failed to seal frame: %w", err)
		}
		frame = protocol.FormatEncrypted(sealed)
	}

	if s.metrics != nil {
		s.metrics.RecordFrameSent()
	}
	return s.Conn.WriteFrame(frame)
}

func (s *Session) sendNotice(text string) {
	if err := s.SendMessage("<Server>: " + text); err != nil {
		debugLog.Printf("Session %d: notice write failed: %v", s.ID, err)
	}
}

// readFrame reads the next frame, unwrapping the encryption envelope when
// active. A frame that fails decryption is answered with the placeholder
// notice and skipped; decoding failures are local and non-fatal.
func (s *Session) readFrame() (string, error) {
	for {
		raw, err := s.Conn.ReadFrame()
		if err == errFrameTooLarge {
			// Oversized writes are dropped like any malformed frame.
			continue
		}
		if err != nil {
			return "", err
		}

		if s.cipher != nil {
			if payload, ok := strings.CutPrefix(raw, protocol.TagEncrypted); ok {
				plaintext, ok := s.cipher.OpenOrPlaceholder(strings.TrimSpace(payload))
				if !ok {
					if s.metrics != nil {
						s.metrics.RecordDecryptFailure()
					}
					s.sendNotice(crypto.DecryptFailedPlaceholder)
					continue
				}
				return plaintext, nil
			}
		}
		return raw, nil
	}
}

// run is the session's receive loop: one per session, started after
// negotiation. Any read error or orderly close ends the loop and marks the
// session dead; room and table cleanup is driven by the server's sweep.
func (s *Session) run() {
	defer s.alive.Store(false)

	for {
		raw, err := s.readFrame()
		if err != nil {
			debugLog.Printf("Session %d (%s): receive loop ended: %v", s.ID, s.Name, err)
			return
		}

		frame, err := protocol.Parse(raw)
		if err != nil {
			// Malformed frames are non-chat noise.
			debugLog.Printf("Session %d: dropped malformed frame", s.ID)
			continue
		}

		if s.metrics != nil {
			s.metrics.RecordFrameReceived(kindString(frame.Kind))
		}

		switch frame.Kind {
		case protocol.KindControl:
			if frame.Control == protocol.ControlShutdown {
				// Client announced an orderly goodbye.
				debugLog.Printf("Session %d (%s): client shutdown", s.ID, s.Name)
				return
			}
			// Salt and nickname frames are server-emitted; inbound copies
			// are noise.

		case protocol.KindQuery:
			// Queries are pushed by the server, never consumed from clients.
			debugLog.Printf("Session %d: dropped inbound query frame", s.ID)

		case protocol.KindEncrypted:
			// Envelope inside an envelope; nothing sane to do with it.
			debugLog.Printf("Session %d: dropped nested envelope", s.ID)

		case protocol.KindChat:
			if err := s.handleChat(frame); err != nil {
				debugLog.Printf("Session %d (%s): receive loop ended: %v", s.ID, s.Name, err)
				return
			}
		}
	}
}

// handleChat applies the spam policy, dispatches session-local commands, and
// queues ordinary chat for the owning room. Returns an error only when the
// connection died mid-command.
func (s *Session) handleChat(frame *protocol.Frame) error {
	if frame.Body == "" {
		return nil
	}

	switch result, remaining := s.limiter.observe(); result {
	case limitTimedOut:
		s.sendNotice(fmt.Sprintf("%s until new message can be sent", remaining.Round(time.Second)))
		return nil
	case limitTimeoutStart:
		if s.metrics != nil {
			s.metrics.RecordTimeout()
		}
		s.sendNotice(fmt.Sprintf("You have been timed out for %s.", remaining))
		return nil
	case limitWarn:
		if s.metrics != nil {
			s.metrics.RecordOffence()
		}
		s.sendNotice("Stop spamming!")
		return nil
	case limitDrop:
		if s.metrics != nil {
			s.metrics.RecordOffence()
		}
		return nil
	}

	switch protocol.ParseCommand(frame.Body) {
	case protocol.CommandHelp:
		s.showCommands()
		return nil
	case protocol.CommandJoin:
		return s.changeRoom()
	}

	// Ordinary chat (including room-level queries like \participants, which
	// the owning room intercepts while draining). Only buffered while the
	// session belongs to a room.
	s.enqueue(frame.Raw)
	return nil
}

// sessionCommands is the help text for \?.
var sessionCommands = []struct{ name, info string }{
	{`\?`, "Shows available commands"},
	{`\join`, "Join available chatroom"},
	{`\participants`, "Lists who is in the current room"},
}

func (s *Session) showCommands() {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, cmd := range sessionCommands {
		fmt.Fprintf(&b, "%s - %q\n", cmd.name, cmd.info)
	}
	if err := s.SendMessage(b.String()); err != nil {
		debugLog.Printf("Session %d: command list write failed: %v", s.ID, err)
	}
}

// changeRoom runs the blocking \join exchange: send the room list, then read
// replies until one names an existing room, then perform the move. Normal
// reception resumes when this returns.
func (s *Session) changeRoom() error {
	names := s.rooms.RoomNames()

	var b strings.Builder
	b.WriteString("Chatroom:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "- %s\n", name)
	}
	if err := s.SendMessage(b.String()); err != nil {
		return err
	}

	for {
		raw, err := s.readFrame()
		if err != nil {
			return err
		}
		frame, perr := protocol.Parse(raw)
		if perr != nil || frame.Kind != protocol.KindChat || frame.Body == "" {
			continue
		}

		target := frame.Body
		if !contains(names, target) {
			if err := s.SendMessage(fmt.Sprintf("> No %q chatroom exists!", target)); err != nil {
				return err
			}
			continue
		}

		if err := s.rooms.MoveSession(s.ID, s.CurrentRoom(), target); err != nil {
			s.sendNotice(fmt.Sprintf("could not join %q: %v", target, err))
		}
		return nil
	}
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func kindString(kind protocol.Kind) string {
	switch kind {
	case protocol.KindChat:
		return "chat"
	case protocol.KindQuery:
		return "query"
	case protocol.KindControl:
		return "control"
	case protocol.KindEncrypted:
		return "encrypted"
	default:
		return "unknown"
	}
}

// ---------------------------------------------------------------------------
// Rate limiting
// ---------------------------------------------------------------------------

type limitResult uint8

const (
	limitAccept       limitResult = iota
	limitDrop                     // under spacing threshold, silently dropped
	limitWarn                     // dropped, "stop spamming" notice due
	limitTimeoutStart             // dropped, timeout state just entered
	limitTimedOut                 // dropped, timeout state active
)

// rateLimiter implements the per-session spam policy. It is touched only by
// the session's own receive loop, so it needs no locking. The clock is
// injectable for tests.
type rateLimiter struct {
	minSpacing    time.Duration
	warnThreshold int
	maxOffences   int
	timeout       time.Duration
	now           func() time.Time

	last          time.Time
	offences      int // short-window offences
	total         int // cumulative offences
	timedOutUntil time.Time
}

func newRateLimiter(config ServerConfig) *rateLimiter {
	return &rateLimiter{
		minSpacing:    config.MinMessageSpacing,
		warnThreshold: config.SpamWarnThreshold,
		maxOffences:   config.MaxOffences,
		timeout:       config.SpamTimeout,
		now:           time.Now,
	}
}

// observe records one message arrival and returns the verdict. For
// limitTimedOut and limitTimeoutStart the returned duration is the remaining
// and total timeout length respectively; otherwise it is zero.
func (rl *rateLimiter) observe() (limitResult, time.Duration) {
	now := rl.now()

	if !rl.timedOutUntil.IsZero() {
		if now.Before(rl.timedOutUntil) {
			return limitTimedOut, rl.timedOutUntil.Sub(now)
		}
		// Normal flow resumes exactly at window expiry.
		rl.timedOutUntil = time.Time{}
	}

	prev := rl.last
	rl.last = now

	if !prev.IsZero() && now.Sub(prev) < rl.minSpacing {
		rl.offences++
		if rl.offences > rl.warnThreshold {
			rl.total++
			if rl.total > rl.maxOffences {
				rl.timedOutUntil = now.Add(rl.timeout)
				rl.offences = 0
				rl.total = 0
				return limitTimeoutStart, rl.timeout
			}
			return limitWarn, 0
		}
		return limitDrop, 0
	}

	// Accepted normally; offence counters reset.
	rl.offences = 0
	rl.total = 0
	return limitAccept, 0
}

// ---------------------------------------------------------------------------
// Session manager
// ---------------------------------------------------------------------------

// SessionManager owns the table of all live sessions.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	nextID   uint64
	metrics  *Metrics
}

// NewSessionManager creates an empty session table.
func NewSessionManager(metrics *Metrics) *SessionManager {
	return &SessionManager{
		sessions: make(map[uint64]*Session),
		nextID:   1,
		metrics:  metrics,
	}
}

// Register creates a session for a negotiated connection and adds it to the
// table. The name-uniqueness check and the insert share one critical section,
// so two simultaneous negotiations offering the same name cannot both be
// admitted. The caller starts the receive loop.
func (sm *SessionManager) Register(name string, conn *SafeConn, rooms roomDirectory, cipher *crypto.Cipher, limiter *rateLimiter) (*Session, error) {
	sm.mu.Lock()
	for _, existing := range sm.sessions {
		if existing.Name == name && existing.Live() {
			sm.mu.Unlock()
			return nil, ErrDuplicateName
		}
	}

	sessionID := sm.nextID
	sm.nextID++

	sess := &Session{
		ID:          sessionID,
		Name:        name,
		RemoteAddr:  conn.RemoteAddr().String(),
		ConnectedAt: time.Now(),
		Conn:        conn,
		rooms:       rooms,
		metrics:     sm.metrics,
		limiter:     limiter,
		cipher:      cipher,
	}
	sess.alive.Store(true)

	sm.sessions[sessionID] = sess
	count := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(count)
		sm.metrics.RecordSessionCreated()
	}
	return sess, nil
}

// Get returns a session by ID.
func (sm *SessionManager) Get(sessionID uint64) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sess, ok := sm.sessions[sessionID]
	return sess, ok
}

// All returns all registered sessions.
func (sm *SessionManager) All() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// NameInUse reports whether any live session currently holds the name.
func (sm *SessionManager) NameInUse(name string) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	for _, sess := range sm.sessions {
		if sess.Name == name && sess.Live() {
			return true
		}
	}
	return false
}

// Count returns the number of registered sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// Remove deletes a session from the table and closes its connection.
func (sm *SessionManager) Remove(sessionID uint64) {
	sm.mu.Lock()
	sess, ok := sm.sessions[sessionID]
	if !ok {
		sm.mu.Unlock()
		return
	}
	delete(sm.sessions, sessionID)
	count := len(sm.sessions)
	sm.mu.Unlock()

	sess.Conn.Close()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(count)
		sm.metrics.RecordSessionDisconnected()
	}
}

// CloseAll closes every connection and empties the table.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, sess := range sm.sessions {
		sess.Conn.Close()
	}
	sm.sessions = make(map[uint64]*Session)
}
