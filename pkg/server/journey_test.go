package server

import (
	"encoding/base64"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkoivu/chatrelay/pkg/crypto"
	"github.com/mkoivu/chatrelay/pkg/protocol"
)

// These tests exercise full client journeys over real TCP sockets:
// negotiation, room moves, broadcast, rate limiting, encryption, and
// administrative actions.

const journeyTimeout = 2 * time.Second

func startTestServer(t *testing.T, mutate func(*ServerConfig)) *Server {
	t.Helper()

	config := DefaultConfig()
	config.BindAddress = "127.0.0.1"
	config.TCPPort = 0 // pick a free port
	config.HTTPPort = 0
	config.MetricsPort = 0
	config.PollInterval = 2 * time.Millisecond
	config.SweepInterval = 10 * time.Millisecond
	config.MinMessageSpacing = 0
	config.SeedRooms = nil
	if mutate != nil {
		mutate(&config)
	}

	srv := NewServer(config)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

// chatClient is a minimal test client. Because the wire protocol has no
// frame delimiter, received bytes are accumulated into a rolling buffer and
// matched by substring, which also tolerates TCP coalescing adjacent frames.
type chatClient struct {
	t    *testing.T
	conn net.Conn
	recv string
}

func dialChat(t *testing.T, srv *Server) *chatClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &chatClient{t: t, conn: conn}
}

func (c *chatClient) send(frame string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(frame))
	require.NoError(c.t, err)
}

func (c *chatClient) sendChat(sender, body string) {
	c.t.Helper()
	c.send(protocol.FormatChat(time.Now(), sender, body))
	// Space out writes so adjacent client frames don't coalesce into one
	// server-side read.
	time.Sleep(10 * time.Millisecond)
}

func (c *chatClient) readMore() bool {
	c.conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	buf := make([]byte, protocol.MaxFrameSize)
	n, err := c.conn.Read(buf)
	if n > 0 {
		c.recv += string(buf[:n])
	}
	return err == nil
}

// expect blocks until the rolling receive buffer contains substr.
func (c *chatClient) expect(substr string) {
	c.t.Helper()
	deadline := time.Now().Add(journeyTimeout)
	for time.Now().Before(deadline) {
		if strings.Contains(c.recv, substr) {
			return
		}
		c.readMore()
	}
	c.t.Fatalf("never received %q; buffer so far: %q", substr, c.recv)
}

// never asserts that substr did not show up within a settle window.
func (c *chatClient) never(substr string) {
	c.t.Helper()
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		c.readMore()
	}
	assert.NotContains(c.t, c.recv, substr)
}

// expectClosed waits for the server to drop the connection.
func (c *chatClient) expectClosed() {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(journeyTimeout))
	buf := make([]byte, protocol.MaxFrameSize)
	for {
		if _, err := c.conn.Read(buf); err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				c.t.Fatal("connection still open")
			}
			return
		}
	}
}

// handshake runs nickname negotiation and waits for the welcome.
func (c *chatClient) handshake(name string) {
	c.t.Helper()
	c.expect(protocol.NickRequest)
	c.send(name)
	c.expect("Connected to server!")
}

// joinRoom drives the \join exchange into the named room.
func (c *chatClient) joinRoom(name, room string) {
	c.t.Helper()
	c.sendChat(name, `\join`)
	c.expect("Chatroom:")
	c.sendChat(name, room)
	c.expect(name + ` joined the Chatroom "` + room + `"!`)
}

func TestJourneyConnectAndLobby(t *testing.T) {
	srv := startTestServer(t, nil)

	alice := dialChat(t, srv)
	alice.handshake("alice")
	alice.expect(`alice joined the Chatroom "lobby"!`)
	alice.expect(protocol.FormatNames([]string{"alice"}))

	bob := dialChat(t, srv)
	bob.handshake("bob")
	alice.expect(`bob joined the Chatroom "lobby"!`)
}

func TestJourneyDuplicateNickname(t *testing.T) {
	srv := startTestServer(t, nil)

	alice := dialChat(t, srv)
	alice.handshake("dup")

	intruder := dialChat(t, srv)
	intruder.expect(protocol.NickRequest)
	intruder.send("dup")
	intruder.expect(protocol.NickTakenNotice)
	intruder.expectClosed()

	// The original session is untouched.
	alice.sendChat("dup", "still here")
	alice.expect("still here")
}

func TestJourneyRoomChat(t *testing.T) {
	srv := startTestServer(t, func(config *ServerConfig) {
		config.SeedRooms = []string{"dev"}
	})

	alice := dialChat(t, srv)
	alice.handshake("alice")
	bob := dialChat(t, srv)
	bob.handshake("bob")

	alice.joinRoom("alice", "dev")
	bob.joinRoom("bob", "dev")
	alice.expect(`bob joined the Chatroom "dev"!`)

	alice.sendChat("alice", "hello bob")
	bob.expect("hello bob")
	alice.expect("hello bob") // broadcast includes the sender

	bob.sendChat("bob", `\participants`)
	bob.expect(protocol.FormatNames([]string{"alice", "bob"}))
	alice.never(`\participants`)

	room, ok := srv.Room("dev")
	require.True(t, ok)
	assert.Eventually(t, func() bool {
		for _, line := range room.Log() {
			if strings.Contains(line, "hello bob") {
				return true
			}
		}
		return false
	}, journeyTimeout, 5*time.Millisecond)
}

func TestJourneyJoinUnknownRoom(t *testing.T) {
	srv := startTestServer(t, func(config *ServerConfig) {
		config.SeedRooms = []string{"dev"}
	})

	alice := dialChat(t, srv)
	alice.handshake("alice")

	alice.sendChat("alice", `\join`)
	alice.expect("Chatroom:")
	alice.sendChat("alice", "basement")
	alice.expect(`> No "basement" chatroom exists!`)
	alice.sendChat("alice", "dev")
	alice.expect(`alice joined the Chatroom "dev"!`)
}

func TestJourneyOperatorMove(t *testing.T) {
	srv := startTestServer(t, func(config *ServerConfig) {
		config.SeedRooms = []string{"a", "b"}
	})

	alice := dialChat(t, srv)
	alice.handshake("alice")
	alice.joinRoom("alice", "a")
	bob := dialChat(t, srv)
	bob.handshake("bob")
	bob.joinRoom("bob", "a")
	carol := dialChat(t, srv)
	carol.handshake("carol")
	carol.joinRoom("carol", "b")
	alice.expect(`bob joined the Chatroom "a"!`)

	var aliceID uint64
	require.Eventually(t, func() bool {
		for _, sess := range srv.Sessions() {
			if sess.Name == "alice" {
				aliceID = sess.ID
				return true
			}
		}
		return false
	}, journeyTimeout, 5*time.Millisecond)

	require.NoError(t, srv.MoveSession(aliceID, "a", "b"))

	// The vacated room's remaining members get a "left" notice, the target
	// room's members (the mover included) a "joined" one.
	bob.expect(`alice left the Chatroom "a"!`)
	carol.expect(`alice joined the Chatroom "b"!`)
	alice.expect(`alice joined the Chatroom "b"!`)
	alice.never(`alice left the Chatroom "a"!`) // leaver excluded from its own notice

	roomA, ok := srv.Room("a")
	require.True(t, ok)
	roomB, ok := srv.Room("b")
	require.True(t, ok)
	assert.False(t, roomA.HasMember(aliceID))
	assert.True(t, roomB.HasMember(aliceID))
	assert.Equal(t, []string{"bob"}, roomA.MemberNames())
	assert.Equal(t, []string{"carol", "alice"}, roomB.MemberNames())

	assert.ErrorIs(t, srv.MoveSession(aliceID, "a", "nowhere"), ErrRoomNotFound)
}

func TestJourneyRateLimit(t *testing.T) {
	srv := startTestServer(t, func(config *ServerConfig) {
		config.MinMessageSpacing = time.Hour
		config.SpamWarnThreshold = 1
		config.MaxOffences = 1
		config.SpamTimeout = time.Minute
	})

	alice := dialChat(t, srv)
	alice.handshake("alice")

	for i := 0; i < 5; i++ {
		alice.sendChat("alice", "spam spam spam")
	}

	alice.expect("Stop spamming!")
	alice.expect("You have been timed out for 1m0s.")
	alice.expect("until new message can be sent")
}

func TestJourneyEncryptedChat(t *testing.T) {
	srv := startTestServer(t, func(config *ServerConfig) {
		config.EncryptionEnabled = true
		config.SharedPassword = "our shared secret"
	})

	alice := dialChat(t, srv)
	aliceCipher := alice.encryptedHandshake("alice", "our shared secret")
	bob := dialChat(t, srv)
	bobCipher := bob.encryptedHandshake("bob", "our shared secret")

	alice.expectEncrypted(aliceCipher, `bob joined the Chatroom "lobby"!`)

	line := protocol.FormatChat(time.Now(), "alice", "ping over crypto")
	sealed, err := aliceCipher.Seal(line)
	require.NoError(t, err)
	alice.send(protocol.FormatEncrypted(sealed))

	// Each recipient gets the same plaintext under its own session key.
	bob.expectEncrypted(bobCipher, "ping over crypto")
	alice.expectEncrypted(aliceCipher, "ping over crypto")

	// Plaintext never appears on the wire after the salt exchange.
	assert.NotContains(t, alice.recv, "ping over crypto")
	assert.NotContains(t, bob.recv, "ping over crypto")
}

// encryptedHandshake negotiates a nickname, receives the salt, and derives
// the session cipher the way a real client would.
func (c *chatClient) encryptedHandshake(name, password string) *crypto.Cipher {
	c.t.Helper()
	c.expect(protocol.NickRequest)
	c.send(name)
	c.expect(protocol.TagSalt)

	// A 16-byte salt is always 24 base64 characters.
	idx := strings.Index(c.recv, protocol.TagSalt)
	start := idx + len(protocol.TagSalt)
	saltLen := base64.StdEncoding.EncodedLen(crypto.SaltSize)
	for len(c.recv) < start+saltLen {
		c.readMore()
	}
	salt, err := protocol.ParseSalt(c.recv[start : start+saltLen])
	require.NoError(c.t, err)

	key, err := crypto.DeriveKey(password, salt)
	require.NoError(c.t, err)
	cipher, err := crypto.NewCipher(key)
	require.NoError(c.t, err)

	c.expectEncrypted(cipher, "Connected to server!")
	return cipher
}

// expectEncrypted waits until some received envelope decrypts to a plaintext
// containing substr. The rolling buffer is split on the envelope tag;
// incomplete trailing segments simply fail to decrypt until the rest
// arrives.
func (c *chatClient) expectEncrypted(cipher *crypto.Cipher, substr string) {
	c.t.Helper()
	deadline := time.Now().Add(journeyTimeout)
	for time.Now().Before(deadline) {
		for _, segment := range strings.Split(c.recv, protocol.TagEncrypted) {
			if segment == "" {
				continue
			}
			if plaintext, err := cipher.Open(segment); err == nil && strings.Contains(plaintext, substr) {
				return
			}
		}
		c.readMore()
	}
	c.t.Fatalf("never received encrypted %q", substr)
}

func TestJourneyRoomRemovalEviction(t *testing.T) {
	srv := startTestServer(t, func(config *ServerConfig) {
		config.SeedRooms = []string{"doomed"}
	})

	alice := dialChat(t, srv)
	alice.handshake("alice")
	alice.joinRoom("alice", "doomed")

	require.NoError(t, srv.RemoveRoom("doomed"))
	alice.expect(`<server>: Chatroom "doomed" was closed, you have been returned to the lobby.`)
	alice.expect(`alice joined the Chatroom "lobby"!`)

	assert.ErrorIs(t, srv.RemoveRoom("doomed"), ErrRoomNotFound)
	assert.ErrorIs(t, srv.RemoveRoom(LobbyName), ErrLobbyPermanent)
}

func TestJourneyKick(t *testing.T) {
	srv := startTestServer(t, nil)

	alice := dialChat(t, srv)
	alice.handshake("alice")

	var sessionID uint64
	require.Eventually(t, func() bool {
		sessions := srv.Sessions()
		if len(sessions) != 1 {
			return false
		}
		sessionID = sessions[0].ID
		return true
	}, journeyTimeout, 5*time.Millisecond)

	require.NoError(t, srv.KickSession(sessionID))
	alice.expect("You have been kicked from the server!")
	alice.expect(protocol.TagShutdown)
	alice.expectClosed()

	// The sweep reaps the dead session from the lobby and the table.
	lobby, ok := srv.Room(LobbyName)
	require.True(t, ok)
	assert.Eventually(t, func() bool {
		return len(srv.Sessions()) == 0 && len(lobby.Members()) == 0
	}, journeyTimeout, 5*time.Millisecond)

	assert.ErrorIs(t, srv.KickSession(sessionID), ErrSessionNotFound)
}

func TestJourneyServerShutdown(t *testing.T) {
	srv := startTestServer(t, nil)

	alice := dialChat(t, srv)
	alice.handshake("alice")

	srv.Stop()
	alice.expect(protocol.TagShutdown)
	alice.expectClosed()
}

func TestJourneyWebSocketTransport(t *testing.T) {
	srv := startTestServer(t, nil)

	httpSrv := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(httpSrv.Close)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	readFrame := func() string {
		ws.SetReadDeadline(time.Now().Add(journeyTimeout))
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		return string(data)
	}
	expectWS := func(substr string) {
		t.Helper()
		deadline := time.Now().Add(journeyTimeout)
		for time.Now().Before(deadline) {
			if frame := readFrame(); strings.Contains(frame, substr) {
				return
			}
		}
		t.Fatalf("never received %q over websocket", substr)
	}

	expectWS(protocol.NickRequest)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("wanda")))
	expectWS("Connected to server!")
	expectWS(`wanda joined the Chatroom "lobby"!`)

	// A TCP peer and a WebSocket peer share the same lobby.
	alice := dialChat(t, srv)
	alice.handshake("alice")
	expectWS(`alice joined the Chatroom "lobby"!`)

	line := protocol.FormatChat(time.Now(), "wanda", "hello from the browser")
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(line)))
	alice.expect("hello from the browser")
}

func TestJourneyRoomAdministration(t *testing.T) {
	srv := startTestServer(t, func(config *ServerConfig) {
		config.SeedRooms = []string{"dev"}
	})

	assert.Equal(t, []string{"dev", "lobby"}, srv.RoomNames())
	assert.ErrorIs(t, srv.CreateRoom("dev"), ErrDuplicateRoom)
	assert.ErrorIs(t, srv.CreateRoom("  "), ErrInvalidRoomName)

	require.NoError(t, srv.CreateRoom("ops"))
	assert.Equal(t, []string{"dev", "lobby", "ops"}, srv.RoomNames())

	assert.ErrorIs(t, srv.MoveSession(999, LobbyName, "ops"), ErrSessionNotFound)
	assert.ErrorIs(t, srv.Listen("nope"), ErrRoomNotFound)
	require.NoError(t, srv.Listen("ops"))
	srv.StopListening()
}
