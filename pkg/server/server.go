// Package server implements the chatrelay server: a TCP (and WebSocket)
// relay that organizes connected users into named chatrooms, fans chat
// messages out between room members, rate-limits spammers, and optionally
// re-encrypts payloads with a password-derived per-session key.
package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mkoivu/chatrelay/pkg/crypto"
	"github.com/mkoivu/chatrelay/pkg/protocol"
)

var (
	ErrDuplicateName   = errors.New("nickname already in use")
	ErrDuplicateRoom   = errors.New("room already exists")
	ErrInvalidRoomName = errors.New("invalid room name")
	ErrRoomNotFound    = errors.New("room not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrLobbyPermanent  = errors.New("the lobby cannot be removed")
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

	loggerInit sync.Once
)

// Server is the relay: it accepts connections, negotiates nicknames, owns
// the session table and the room set, and reaps dead sessions.
type Server struct {
	config   ServerConfig
	listener net.Listener
	sessions *SessionManager
	metrics  *Metrics
	mirror   *log.Logger // operator sink for the mirrored room

	roomMu sync.RWMutex // Protects the rooms map
	rooms  map[string]*Room

	shutdown  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	startTime time.Time
}

// NewServer creates a server with the lobby and the configured seed rooms.
func NewServer(config ServerConfig) *Server {
	metrics := NewMetrics()

	s := &Server{
		config:    config,
		sessions:  NewSessionManager(metrics),
		metrics:   metrics,
		mirror:    log.New(os.Stdout, "", log.LstdFlags),
		rooms:     make(map[string]*Room),
		shutdown:  make(chan struct{}),
		startTime: time.Now(),
	}

	s.rooms[LobbyName] = newRoom(LobbyName, config.PollInterval, s.mirror, metrics)
	for _, name := range config.SeedRooms {
		if err := s.CreateRoom(name); err != nil {
			errorLog.Printf("Seed room %q skipped: %v", name, err)
		}
	}

	return s
}

// getDataDir returns the server data directory, creating it if needed.
func getDataDir() (string, error) {
	var dataDir string
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		dataDir = filepath.Join(xdg, "chatrelay")
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share", "chatrelay")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dataDir, nil
}

// InitLoggers routes the error log to stderr plus errors.log in the data
// directory. Called once by the daemon entrypoint; tests leave the defaults.
func InitLoggers() error {
	var initErr error
	loggerInit.Do(func() {
		dataDir, err := getDataDir()
		if err != nil {
			initErr = err
			return
		}

		errorLogPath := filepath.Join(dataDir, "errors.log")
		errorFile, err := os.OpenFile(errorLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			initErr = err
			return
		}

		// Startup marker, for distinguishing between runs.
		fmt.Fprintf(errorFile, "=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
		errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)
	})
	return initErr
}

// EnableDebugLogging switches the debug log from io.Discard to debug.log.
func EnableDebugLogging() {
	dataDir, err := getDataDir()
	if err != nil {
		log.Printf("Failed to get data directory: %v", err)
		return
	}

	debugLogPath := filepath.Join(dataDir, "debug.log")
	debugLogFile, err := os.OpenFile(debugLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Printf("Failed to open debug.log: %v", err)
		return
	}

	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Start binds the listener and launches the accept and sweep loops. A bind
// failure is fatal to this server instance only.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.BindAddress, strconv.Itoa(s.config.TCPPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("Relay listening on %s", listener.Addr())

	// Internal metrics server - never expose publicly.
	if s.config.MetricsPort > 0 {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", s.metrics.Handler())
			mux.HandleFunc("/health", s.HealthHandler)
			addr := fmt.Sprintf(":%d", s.config.MetricsPort)
			log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	// Public HTTP server for the WebSocket transport.
	if s.config.HTTPPort > 0 {
		go func() {
			mux := http.NewServeMux()
			mux.HandleFunc("/ws", s.HandleWebSocket)
			addr := fmt.Sprintf(":%d", s.config.HTTPPort)
			log.Printf("Public HTTP server listening on %s (/ws)", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Printf("Public HTTP server error: %v", err)
			}
		}()
	}

	s.wg.Add(1)
	go s.acceptLoop()

	s.wg.Add(1)
	go s.sweepLoop()

	return nil
}

// Addr returns the bound listener address, for callers that started with
// port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// HealthHandler reports basic liveness for the internal HTTP server.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","uptime_seconds":%d,"sessions":%d}`,
		int(time.Since(s.startTime).Seconds()), s.sessions.Count())
}

// Stop stops accepting, force-closes every live socket (which unblocks every
// receive loop), tears down all rooms, and waits for background goroutines.
// Safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		log.Println("Shutdown initiated...")
		close(s.shutdown)

		// Closing (without nilling, which acceptLoop reads concurrently)
		// unblocks the pending Accept.
		if s.listener != nil {
			s.listener.Close()
		}

		// Best-effort shutdown notice so clients can stop their receive
		// loops cleanly before the socket drops.
		for _, sess := range s.sessions.All() {
			if err := sess.SendMessage(protocol.TagShutdown); err != nil {
				debugLog.Printf("Session %d: shutdown notice failed: %v", sess.ID, err)
			}
		}
		s.sessions.CloseAll()

		s.roomMu.Lock()
		for _, room := range s.rooms {
			room.Close()
		}
		s.roomMu.Unlock()

		s.wg.Wait()
		log.Println("Shutdown complete")
	})
}

// acceptLoop accepts incoming connections. Transient accept errors are
// retried; the loop ends only on shutdown.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				errorLog.Printf("Accept error: %v", err)
				continue
			}
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		go s.negotiate(NewSafeConn(newTCPFrameConn(conn)))
	}
}

// negotiate performs nickname negotiation on a fresh connection. A duplicate
// or empty name is rejected without a Session ever existing; Register holds
// the authoritative uniqueness check. On success the session is registered,
// issued its salt (when encryption is enabled), welcomed, admitted to the
// lobby, and its receive loop started.
func (s *Server) negotiate(conn *SafeConn) {
	if err := conn.WriteFrame(protocol.NickRequest); err != nil {
		conn.Close()
		return
	}

	raw, err := conn.ReadFrame()
	if err != nil {
		debugLog.Printf("Negotiation with %s failed: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	name := strings.TrimSpace(raw)
	if name == "" || protocol.ContainsReservedTag(name) {
		conn.Close()
		return
	}
	// Fast-path rejection before any salt work; Register re-checks under the
	// table lock, which is the authoritative uniqueness gate.
	if s.sessions.NameInUse(name) {
		debugLog.Printf("Rejected duplicate nickname %q from %s", name, conn.RemoteAddr())
		conn.WriteFrame(protocol.NickTakenNotice)
		conn.Close()
		return
	}

	var cipher *crypto.Cipher
	if s.config.EncryptionEnabled {
		cipher, err = s.issueSalt(conn)
		if err != nil {
			errorLog.Printf("Salt issuance to %s failed: %v", conn.RemoteAddr(), err)
			conn.Close()
			return
		}
	}

	sess, err := s.sessions.Register(name, conn, s, cipher, newRateLimiter(s.config))
	if err != nil {
		debugLog.Printf("Rejected duplicate nickname %q from %s", name, conn.RemoteAddr())
		conn.WriteFrame(protocol.NickTakenNotice)
		conn.Close()
		return
	}
	log.Printf("Session %d: %q connected from %s", sess.ID, name, sess.RemoteAddr)

	if err := sess.SendMessage("Connected to server!\nWelcome to the lobby. You can see all the commands with \\? command"); err != nil {
		debugLog.Printf("Session %d: welcome failed: %v", sess.ID, err)
	}

	s.lobby().AddParticipant(sess)

	go sess.run()
}

// issueSalt generates the per-session salt, sends it (in the clear; it is
// the last plaintext frame), and derives the session cipher. Both ends then
// derive byte-identical keys from (shared password, salt).
func (s *Server) issueSalt(conn *SafeConn) (*crypto.Cipher, error) {
	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, err
	}
	key, err := crypto.DeriveKey(s.config.SharedPassword, salt)
	if err != nil {
		return nil, err
	}
	cipher, err := crypto.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteFrame(protocol.FormatSalt(salt)); err != nil {
		return nil, err
	}
	return cipher, nil
}

// ---------------------------------------------------------------------------
// Room management (consumed by the operator console)
// ---------------------------------------------------------------------------

func (s *Server) lobby() *Room {
	s.roomMu.RLock()
	defer s.roomMu.RUnlock()
	return s.rooms[LobbyName]
}

// Room returns the named room.
func (s *Server) Room(name string) (*Room, bool) {
	s.roomMu.RLock()
	defer s.roomMu.RUnlock()
	room, ok := s.rooms[name]
	return room, ok
}

// Rooms returns all rooms.
func (s *Server) Rooms() []*Room {
	s.roomMu.RLock()
	defer s.roomMu.RUnlock()
	rooms := make([]*Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// RoomNames returns all room names, sorted.
func (s *Server) RoomNames() []string {
	s.roomMu.RLock()
	names := make([]string, 0, len(s.rooms))
	for name := range s.rooms {
		names = append(names, name)
	}
	s.roomMu.RUnlock()

	sort.Strings(names)
	return names
}

// Sessions returns all live and not-yet-reaped sessions.
func (s *Server) Sessions() []*Session {
	return s.sessions.All()
}

// CreateRoom creates an empty active room.
func (s *Server) CreateRoom(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidRoomName
	}

	s.roomMu.Lock()
	defer s.roomMu.Unlock()
	if _, ok := s.rooms[name]; ok {
		return ErrDuplicateRoom
	}
	s.rooms[name] = newRoom(name, s.config.PollInterval, s.mirror, s.metrics)
	log.Printf("Room %q created", name)
	return nil
}

// RemoveRoom tears a room down: the broadcast loop is stopped first, then
// every member is told the room closed and returned to the lobby. Never
// silent, never the lobby.
func (s *Server) RemoveRoom(name string) error {
	if name == LobbyName {
		return ErrLobbyPermanent
	}

	s.roomMu.Lock()
	room, ok := s.rooms[name]
	if !ok {
		s.roomMu.Unlock()
		return ErrRoomNotFound
	}
	delete(s.rooms, name)
	s.roomMu.Unlock()

	room.Close()

	lobby := s.lobby()
	for _, sess := range room.Members() {
		room.RemoveParticipant(sess.ID, false)
		sess.setCurrentRoom("")
		if err := sess.SendMessage(fmt.Sprintf("<server>: Chatroom %q was closed, you have been returned to the lobby.", name)); err != nil {
			debugLog.Printf("Session %d: close notice failed: %v", sess.ID, err)
		}
		lobby.AddParticipant(sess)
	}

	log.Printf("Room %q removed", name)
	return nil
}

// MoveSession moves a session between rooms: removed from the old room (with
// a "left" notice to the remaining members) before being added to the new
// one (with a "joined" notice to everyone). An empty fromRoom skips the
// removal for sessions transiently in no room.
func (s *Server) MoveSession(sessionID uint64, fromRoom, toRoom string) error {
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}

	s.roomMu.RLock()
	to, okTo := s.rooms[toRoom]
	var from *Room
	okFrom := true
	if fromRoom != "" {
		from, okFrom = s.rooms[fromRoom]
	}
	s.roomMu.RUnlock()

	if !okTo || !okFrom {
		return ErrRoomNotFound
	}

	if from != nil {
		from.RemoveParticipant(sessionID, true)
		sess.setCurrentRoom("")
	}
	to.AddParticipant(sess)
	return nil
}

// KickSession notifies the session, then force-closes its socket. The
// receive loop dies on the closed connection and the liveness sweep performs
// the room and table removal.
func (s *Server) KickSession(sessionID uint64) error {
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}

	if err := sess.SendMessage("You have been kicked from the server!"); err != nil {
		debugLog.Printf("Session %d: kick notice failed: %v", sess.ID, err)
	}
	if err := sess.SendMessage(protocol.TagShutdown); err != nil {
		debugLog.Printf("Session %d: shutdown frame failed: %v", sess.ID, err)
	}
	sess.Conn.Close()

	log.Printf("Session %d: %q kicked", sess.ID, sess.Name)
	return nil
}

// Listen mirrors a single room's broadcast traffic to the operator sink.
// At most one room is mirrored at a time.
func (s *Server) Listen(name string) error {
	s.roomMu.RLock()
	defer s.roomMu.RUnlock()

	room, ok := s.rooms[name]
	if !ok {
		return ErrRoomNotFound
	}
	for _, r := range s.rooms {
		r.mirrored.Store(r == room)
	}
	log.Printf("Now mirroring room %q", name)
	return nil
}

// StopListening stops mirroring any room.
func (s *Server) StopListening() {
	s.roomMu.RLock()
	defer s.roomMu.RUnlock()
	for _, room := range s.rooms {
		room.mirrored.Store(false)
	}
}

// ---------------------------------------------------------------------------
// Liveness sweep
// ---------------------------------------------------------------------------

// sweepLoop periodically reaps sessions whose receive loop has stopped. The
// sweep is the sole remover of dead sessions from rooms and from the table,
// which keeps concurrent-removal races out of the sessions themselves.
func (s *Server) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.reapDeadSessions()
		}
	}
}

func (s *Server) reapDeadSessions() {
	for _, sess := range s.sessions.All() {
		if sess.Live() {
			continue
		}

		if roomName := sess.CurrentRoom(); roomName != "" {
			if room, ok := s.Room(roomName); ok {
				room.RemoveParticipant(sess.ID, true)
			}
		}
		s.sessions.Remove(sess.ID)
		log.Printf("Session %d: %q left the server", sess.ID, sess.Name)
	}
}
