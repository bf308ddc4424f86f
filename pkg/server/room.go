package server

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mkoivu/chatrelay/pkg/protocol"
)

// Room is a named broadcast domain grouping a subset of live sessions. It
// owns its membership list (back-references only; sessions are owned by the
// session table) and an append-only log of every broadcast message.
type Room struct {
	Name string

	mu      sync.RWMutex // Protects members and chatLog
	members []*Session
	chatLog []string

	mirrored atomic.Bool // traffic mirrored to the operator sink
	active   atomic.Bool
	done     chan struct{}
	poll     time.Duration
	mirror   *log.Logger
	metrics  *Metrics
}

// newRoom creates an active room and starts its broadcast-drain loop.
func newRoom(name string, poll time.Duration, mirror *log.Logger, metrics *Metrics) *Room {
	r := &Room{
		Name:    name,
		done:    make(chan struct{}),
		poll:    poll,
		mirror:  mirror,
		metrics: metrics,
	}
	r.active.Store(true)
	go r.run()
	return r
}

// Active reports whether the room has not been torn down.
func (r *Room) Active() bool {
	return r.active.Load()
}

// Close flags the room inactive and stops its broadcast loop. Must be called
// before the room is discarded.
func (r *Room) Close() {
	if r.active.CompareAndSwap(true, false) {
		close(r.done)
	}
}

// run drains each member's pending-outbound queue on a fixed interval and
// fans the messages out. Order is preserved per session per tick; relative
// order across sessions within one tick is drain order and not guaranteed.
func (r *Room) run() {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.drainOnce()
		}
	}
}

func (r *Room) drainOnce() {
	for _, sess := range r.Members() {
		for _, raw := range sess.DrainPending() {
			frame, err := protocol.Parse(raw)
			if err != nil || frame.Kind != protocol.KindChat {
				continue
			}

			// Slash-prefixed messages are room queries: answered to the
			// requester, never relayed.
			if cmd := protocol.ParseCommand(frame.Body); cmd != protocol.CommandNone {
				r.answerQuery(sess, cmd)
				continue
			}

			r.Broadcast(raw)
		}
	}
}

func (r *Room) answerQuery(sess *Session, cmd protocol.Command) {
	switch cmd {
	case protocol.CommandWho:
		if err := sess.SendMessage(protocol.FormatNames(r.MemberNames())); err != nil {
			debugLog.Printf("Room %s: names reply to %s failed: %v", r.Name, sess.Name, err)
		}
	default:
		if err := sess.SendMessage("Server: no such query exist!"); err != nil {
			debugLog.Printf("Room %s: query reply to %s failed: %v", r.Name, sess.Name, err)
		}
	}
}

// Broadcast delivers a message to every live member not excluded, appends it
// to the room log, and mirrors it to the operator sink when this room is the
// mirrored one. Messages embedding reserved control tags are dropped
// outright: chat text must never forge protocol-control frames.
func (r *Room) Broadcast(message string, excluded ...uint64) {
	if protocol.ContainsReservedTag(message) {
		return
	}

	members := r.Members()

	fanout := 0
	for _, sess := range members {
		if idIn(excluded, sess.ID) || !sess.Live() {
			continue
		}
		if err := sess.SendMessage(message); err != nil {
			debugLog.Printf("Room %s: broadcast to %s failed: %v", r.Name, sess.Name, err)
			continue
		}
		fanout++
	}

	r.mu.Lock()
	r.chatLog = append(r.chatLog, message)
	r.mu.Unlock()

	if r.mirrored.Load() {
		r.mirror.Println(message)
	}

	if r.metrics != nil {
		r.metrics.RecordBroadcast(fanout)
	}
}

// SendToOne delivers directly to a single named member without logging.
// Silently a no-op if the name is not a current member.
func (r *Room) SendToOne(name, message string) {
	for _, sess := range r.Members() {
		if sess.Name == name {
			if err := sess.SendMessage(message); err != nil {
				debugLog.Printf("Room %s: private send to %s failed: %v", r.Name, name, err)
			}
			return
		}
	}
}

// AddParticipant appends a session to the membership, announces it to the
// updated membership (the new member included), and republishes the
// member-name list to everyone. A session whose receive loop has already
// stopped is not admitted: the sweep only removes dead sessions found in the
// table, and a mid-move death would otherwise leave a permanent ghost member.
func (r *Room) AddParticipant(sess *Session) {
	if !sess.Live() {
		return
	}

	r.mu.Lock()
	r.members = append(r.members, sess)
	r.mu.Unlock()

	sess.setCurrentRoom(r.Name)

	r.Broadcast(fmt.Sprintf("%s joined the Chatroom %q!", sess.Name, r.Name))
	r.publishNames()
}

// RemoveParticipant removes the matching member and returns it. When notify
// is set, the remaining members are told the session left; the member-name
// list is republished either way.
func (r *Room) RemoveParticipant(sessionID uint64, notify bool) (*Session, bool) {
	r.mu.Lock()
	var removed *Session
	for i, sess := range r.members {
		if sess.ID == sessionID {
			removed = sess
			r.members = append(r.members[:i], r.members[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if removed == nil {
		return nil, false
	}

	if notify {
		r.Broadcast(fmt.Sprintf("%s left the Chatroom %q!", removed.Name, r.Name), removed.ID)
	}
	r.publishNames()

	return removed, true
}

// publishNames pushes the current member-name list to every member. Sent
// per-member (not broadcast): query frames carry a reserved tag.
func (r *Room) publishNames() {
	frame := protocol.FormatNames(r.MemberNames())
	for _, sess := range r.Members() {
		if err := sess.SendMessage(frame); err != nil {
			debugLog.Printf("Room %s: names push to %s failed: %v", r.Name, sess.Name, err)
		}
	}
}

// Members returns a snapshot of the membership.
func (r *Room) Members() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := make([]*Session, len(r.members))
	copy(members, r.members)
	return members
}

// MemberNames returns the current member names in membership order.
func (r *Room) MemberNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.members))
	for i, sess := range r.members {
		names[i] = sess.Name
	}
	return names
}

// HasMember reports whether the session is currently a member.
func (r *Room) HasMember(sessionID uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sess := range r.members {
		if sess.ID == sessionID {
			return true
		}
	}
	return false
}

// Log returns a copy of the room's broadcast log.
func (r *Room) Log() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	logCopy := make([]string, len(r.chatLog))
	copy(logCopy, r.chatLog)
	return logCopy
}

// ParticipantDetails returns a printable member listing for the operator
// console.
func (r *Room) ParticipantDetails() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Chatroom: %s\n", r.Name)
	for _, sess := range r.Members() {
		fmt.Fprintf(&b, "Client: %s from: %s\n", sess.Name, sess.RemoteAddr)
	}
	return b.String()
}

func idIn(ids []uint64, id uint64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
