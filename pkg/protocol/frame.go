// Package protocol implements the chatrelay text wire protocol: plain-text
// frames, one logical frame per socket write, classified into a tagged
// variant by a single parse step.
package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// MaxFrameSize is the maximum accepted frame size in bytes.
const MaxFrameSize = 4096

// Control tags. A frame beginning with one of these carries protocol control
// data rather than chat text.
const (
	TagShutdown  = "<ShutDown>;"
	TagSalt      = "<SALT>;"
	TagEncrypted = "<ENCRYPTED>;"
	TagQuery     = "<query>;"
)

// NickRequest is the literal frame the server sends to ask for a nickname.
// The client replies with the bare name, no framing.
const NickRequest = "NICK"

// NickTakenNotice is sent before closing the connection when the offered
// nickname is already held by a live session.
const NickTakenNotice = "NOTICE: User name already taken."

// QueryNames is the query type carrying a room's member-name list.
const QueryNames = "<names>"

// CommandPrefix starts a slash-command inside a chat body.
const CommandPrefix = `\`

var (
	ErrMalformedFrame = errors.New("frame does not match expected delimiter structure")
	ErrInvalidSalt    = errors.New("invalid salt payload")
)

// reservedTags are tags that ordinary chat text must never smuggle through a
// broadcast, since the client dispatches on them.
var reservedTags = []string{TagShutdown, TagSalt, TagQuery}

// ContainsReservedTag reports whether the message embeds any control tag the
// receiving side would interpret. Broadcast uses this as a content filter.
func ContainsReservedTag(message string) bool {
	for _, tag := range reservedTags {
		if strings.Contains(message, tag) {
			return true
		}
	}
	return false
}

// Kind identifies what a parsed frame is.
type Kind uint8

const (
	KindChat      Kind = iota // timestamped chat line
	KindQuery                 // <query>;<type>;data
	KindControl               // shutdown, salt, nickname request
	KindEncrypted             // <ENCRYPTED>; envelope, payload still wrapped
)

// Control identifies the control frame subtype.
type Control uint8

const (
	ControlNone Control = iota
	ControlShutdown
	ControlSalt
	ControlNick
)

// Command is a recognized slash-command inside a chat body. Session-level
// commands (\?, \join) are handled by the receive loop; room-level queries
// (\participants) pass through the outbound queue and are intercepted by the
// room's drain loop.
type Command uint8

const (
	CommandNone Command = iota // body does not start with the command prefix
	CommandHelp                // \?
	CommandJoin                // \join
	CommandWho                 // \participants
	CommandUnknown             // command prefix but unrecognized word
)

// ParseCommand classifies a chat body as a slash-command.
func ParseCommand(body string) Command {
	if !strings.HasPrefix(body, CommandPrefix) {
		return CommandNone
	}
	switch strings.TrimSpace(body) {
	case `\?`:
		return CommandHelp
	case `\join`:
		return CommandJoin
	case `\participants`:
		return CommandWho
	default:
		return CommandUnknown
	}
}

// Frame is the result of parsing one wire frame. Which fields are set depends
// on Kind.
type Frame struct {
	Kind Kind

	// KindChat
	Timestamp string // HH:MM:SS, as sent
	Sender    string
	Body      string
	Raw       string // the full original line, preserved for relaying

	// KindQuery
	QueryType string
	QueryData string

	// KindControl
	Control Control

	// Salt payload (KindControl/ControlSalt) or ciphertext (KindEncrypted),
	// base64 as it appeared on the wire.
	Payload string
}

// chatHeader matches the fixed chat-line header: <HH:MM:SS>[sender]
var chatHeader = regexp.MustCompile(`^<(\d{2}:\d{2}:\d{2})>\[(.+)\]$`)

// Parse classifies a raw frame. It is the single parse step at the codec
// boundary: callers pattern-match on Kind instead of substring-checking.
// Malformed input yields ErrMalformedFrame and must be treated as noise,
// never as a session-fatal condition.
func Parse(raw string) (*Frame, error) {
	if raw == "" || len(raw) > MaxFrameSize {
		return nil, ErrMalformedFrame
	}

	if raw == NickRequest {
		return &Frame{Kind: KindControl, Control: ControlNick}, nil
	}

	switch {
	case strings.HasPrefix(raw, TagEncrypted):
		return &Frame{
			Kind:    KindEncrypted,
			Payload: strings.TrimSpace(raw[len(TagEncrypted):]),
		}, nil

	case strings.HasPrefix(raw, TagSalt):
		return &Frame{
			Kind:    KindControl,
			Control: ControlSalt,
			Payload: strings.TrimSpace(raw[len(TagSalt):]),
		}, nil

	case strings.HasPrefix(raw, TagShutdown):
		return &Frame{Kind: KindControl, Control: ControlShutdown}, nil

	case strings.HasPrefix(raw, TagQuery):
		rest := raw[len(TagQuery):]
		queryType, data, ok := strings.Cut(rest, ";")
		if !ok {
			return nil, ErrMalformedFrame
		}
		return &Frame{
			Kind:      KindQuery,
			QueryType: strings.TrimSpace(queryType),
			QueryData: strings.TrimSpace(data),
		}, nil
	}

	// Chat line: <HH:MM:SS>[sender]; body. The header is separated from the
	// body by the first semicolon; the body itself may contain semicolons.
	header, body, ok := strings.Cut(raw, ";")
	if !ok {
		return nil, ErrMalformedFrame
	}
	m := chatHeader.FindStringSubmatch(header)
	if m == nil {
		return nil, ErrMalformedFrame
	}
	return &Frame{
		Kind:      KindChat,
		Timestamp: m[1],
		Sender:    m[2],
		Body:      strings.TrimSpace(body),
		Raw:       raw,
	}, nil
}

// FormatChat builds a chat line for the given sender and body.
func FormatChat(at time.Time, sender, body string) string {
	return fmt.Sprintf("<%s>[%s]; %s", at.Format("15:04:05"), sender, body)
}

// FormatQuery builds a query frame: <query>;<type>;data
func FormatQuery(queryType, data string) string {
	return TagQuery + queryType + ";" + data
}

// FormatNames builds the member-list query frame pushed by the server.
func FormatNames(names []string) string {
	return FormatQuery(QueryNames, strings.Join(names, ","))
}

// ParseNames splits the data field of a <names> query back into names.
func ParseNames(data string) []string {
	if data == "" {
		return nil
	}
	names := strings.Split(data, ",")
	for i := range names {
		names[i] = strings.TrimSpace(names[i])
	}
	return names
}

// FormatSalt builds the salt control frame sent once per session when
// payload encryption is enabled.
func FormatSalt(salt []byte) string {
	return TagSalt + base64.StdEncoding.EncodeToString(salt)
}

// ParseSalt decodes the payload of a salt control frame.
func ParseSalt(payload string) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(payload)
	if err != nil || len(salt) == 0 {
		return nil, ErrInvalidSalt
	}
	return salt, nil
}

// FormatEncrypted wraps a base64 ciphertext in the encryption envelope tag.
func FormatEncrypted(ciphertext string) string {
	return TagEncrypted + ciphertext
}
