// Package rfb defines the subset of the Remote Framebuffer protocol
// (RFC 6143) that the gateway needs to inspect relayed desktop traffic:
// the leading message-type byte of each direction and the layout of the
// cut-text (clipboard) messages.
package rfb

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// Direction identifies which way a message travels through the gateway.
type Direction int

const (
	// ClientToServer is browser -> desktop container.
	ClientToServer Direction = iota
	// ServerToClient is desktop container -> browser.
	ServerToClient
)

func (d Direction) String() string {
	switch d {
	case ClientToServer:
		return "client_to_server"
	case ServerToClient:
		return "server_to_client"
	default:
		return "unknown"
	}
}

// MessageType is the leading byte of an RFB message. The same numeric value
// means different things in each direction, so a MessageType is only
// meaningful together with a Direction.
type MessageType byte

// Client-to-server message types.
const (
	SetPixelFormat           MessageType = 0
	SetEncodings             MessageType = 2
	FramebufferUpdateRequest MessageType = 3
	KeyEvent                 MessageType = 4
	PointerEvent             MessageType = 5
	ClientCutText            MessageType = 6
)

// Server-to-client message types.
const (
	FramebufferUpdate   MessageType = 0
	SetColourMapEntries MessageType = 1
	Bell                MessageType = 2
	ServerCutText       MessageType = 3
)

// cutTextHeaderLen is type(1) + padding(3) + length(4).
const cutTextHeaderLen = 8

// serverInitHeaderLen is width(2) + height(2) + pixel format(16) + name
// length(4).
const serverInitHeaderLen = 24

// MaxHandshakeMessages is how many server messages a Gate lets through
// unfiltered while waiting for ServerInit.
const MaxHandshakeMessages = 16

// Kind is the gateway's classification of a relayed message.
type Kind int

const (
	// KindOther covers every message the gateway forwards untouched,
	// including types it does not recognise.
	KindOther Kind = iota
	// KindClipboard is a cut-text transfer.
	KindClipboard
)

// ClipboardMarker returns the message type that carries clipboard data in
// the given direction.
func ClipboardMarker(dir Direction) MessageType {
	if dir == ClientToServer {
		return ClientCutText
	}
	return ServerCutText
}

// Classify inspects the first byte of msg. Empty messages are KindOther.
func Classify(dir Direction, msg []byte) Kind {
	if len(msg) == 0 {
		return KindOther
	}
	if MessageType(msg[0]) == ClipboardMarker(dir) {
		return KindClipboard
	}
	return KindOther
}

// Filter decides which relayed messages are forwarded.
type Filter struct {
	BlockClientCutText bool
	BlockServerCutText bool
}

// BlockAll returns a filter that drops clipboard traffic both ways.
func BlockAll() Filter {
	return Filter{BlockClientCutText: true, BlockServerCutText: true}
}

// Allow reports whether msg should be forwarded in direction dir.
func (f Filter) Allow(dir Direction, msg []byte) bool {
	if Classify(dir, msg) != KindClipboard {
		return true
	}
	switch dir {
	case ClientToServer:
		return !f.BlockClientCutText
	case ServerToClient:
		return !f.BlockServerCutText
	}
	return true
}

// IsServerInit reports whether msg has the layout of a ServerInit message:
// the fixed header followed by exactly the declared desktop name.
func IsServerInit(msg []byte) bool {
	if len(msg) < serverInitHeaderLen {
		return false
	}
	nameLen := binary.BigEndian.Uint32(msg[20:24])
	return uint64(len(msg)) == serverInitHeaderLen+uint64(nameLen)
}

// Gate applies a Filter to one connection once the RFB handshake is over.
// Handshake messages have no type byte, so a framebuffer width or a
// security type list may start with a clipboard marker. Until the server
// has sent ServerInit every message passes. A server that never sends a
// recognisable ServerInit is filtered after MaxHandshakeMessages.
// A Gate is safe for use by one pump per direction.
type Gate struct {
	filter     Filter
	ready      atomic.Bool
	serverMsgs atomic.Int32
}

// NewGate returns a gate for a fresh connection.
func NewGate(f Filter) *Gate {
	return &Gate{filter: f}
}

// Allow reports whether msg should be forwarded in direction dir.
func (g *Gate) Allow(dir Direction, msg []byte) bool {
	if g.ready.Load() {
		return g.filter.Allow(dir, msg)
	}
	if dir == ServerToClient {
		if IsServerInit(msg) || g.serverMsgs.Add(1) >= MaxHandshakeMessages {
			g.ready.Store(true)
		}
	}
	return true
}

// Ready reports whether the handshake is over and filtering applies.
func (g *Gate) Ready() bool {
	return g.ready.Load()
}

// CutTextLength returns the declared text length of a cut-text message.
func CutTextLength(msg []byte) (uint32, error) {
	if len(msg) < cutTextHeaderLen {
		return 0, fmt.Errorf("cut text message too short: %d bytes", len(msg))
	}
	return binary.BigEndian.Uint32(msg[4:8]), nil
}

// EncodeCutText builds a cut-text message for the given direction.
func EncodeCutText(dir Direction, text []byte) []byte {
	msg := make([]byte, cutTextHeaderLen+len(text))
	msg[0] = byte(ClipboardMarker(dir))
	binary.BigEndian.PutUint32(msg[4:8], uint32(len(text)))
	copy(msg[cutTextHeaderLen:], text)
	return msg
}
