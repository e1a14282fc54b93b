package rfb

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		dir  Direction
		msg  []byte
		want Kind
	}{
		{"client cut text", ClientToServer, []byte{6, 0, 0, 0, 0, 0, 0, 0}, KindClipboard},
		{"client key event", ClientToServer, []byte{4, 1, 0, 0, 0, 0, 0, 0x61}, KindOther},
		{"client byte 3 is update request", ClientToServer, []byte{3, 0, 0, 0}, KindOther},
		{"server cut text", ServerToClient, []byte{3, 0, 0, 0, 0, 0, 0, 0}, KindClipboard},
		{"server byte 6 is not clipboard", ServerToClient, []byte{6}, KindOther},
		{"server framebuffer update", ServerToClient, []byte{0, 0, 0, 1}, KindOther},
		{"unknown type", ClientToServer, []byte{250, 1, 2}, KindOther},
		{"empty", ServerToClient, nil, KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.dir, tt.msg); got != tt.want {
				t.Errorf("Classify(%v, %v) = %v, want %v", tt.dir, tt.msg, got, tt.want)
			}
		})
	}
}

func TestFilterAllow(t *testing.T) {
	clientCut := EncodeCutText(ClientToServer, []byte("secret"))
	serverCut := EncodeCutText(ServerToClient, []byte("answer"))
	pointer := []byte{byte(PointerEvent), 0, 0, 10, 0, 20}

	tests := []struct {
		name   string
		filter Filter
		dir    Direction
		msg    []byte
		want   bool
	}{
		{"block all drops client cut", BlockAll(), ClientToServer, clientCut, false},
		{"block all drops server cut", BlockAll(), ServerToClient, serverCut, false},
		{"block all forwards pointer", BlockAll(), ClientToServer, pointer, true},
		{"only upload blocked", Filter{BlockClientCutText: true}, ServerToClient, serverCut, true},
		{"only download blocked", Filter{BlockServerCutText: true}, ClientToServer, clientCut, true},
		{"nothing blocked", Filter{}, ClientToServer, clientCut, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Allow(tt.dir, tt.msg); got != tt.want {
				t.Errorf("Allow() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCutTextEncoding(t *testing.T) {
	text := []byte("hello clipboard")
	msg := EncodeCutText(ServerToClient, text)

	if MessageType(msg[0]) != ServerCutText {
		t.Fatalf("type = %d, want %d", msg[0], ServerCutText)
	}

	n, err := CutTextLength(msg)
	if err != nil {
		t.Fatalf("CutTextLength: %v", err)
	}
	if int(n) != len(text) {
		t.Errorf("length = %d, want %d", n, len(text))
	}
	if !bytes.Equal(msg[8:], text) {
		t.Errorf("payload = %q, want %q", msg[8:], text)
	}

	if _, err := CutTextLength([]byte{6, 0}); err == nil {
		t.Error("expected error for truncated message")
	}
}

func serverInit(width, height uint16, name string) []byte {
	msg := make([]byte, serverInitHeaderLen+len(name))
	binary.BigEndian.PutUint16(msg[0:2], width)
	binary.BigEndian.PutUint16(msg[2:4], height)
	msg[4] = 32
	binary.BigEndian.PutUint32(msg[20:24], uint32(len(name)))
	copy(msg[serverInitHeaderLen:], name)
	return msg
}

func TestIsServerInit(t *testing.T) {
	tests := []struct {
		name string
		msg  []byte
		want bool
	}{
		{"800x600", serverInit(800, 600, "desk"), true},
		{"empty name", serverInit(1024, 768, ""), true},
		{"truncated name", serverInit(800, 600, "desk")[:26], false},
		{"trailing bytes", append(serverInit(800, 600, "desk"), 0), false},
		{"width prefix only", []byte{0x03, 0x20, 0x02, 0x58}, false},
		{"protocol version", []byte("RFB 003.008\n"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsServerInit(tt.msg); got != tt.want {
				t.Errorf("IsServerInit() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGateForwardsHandshake(t *testing.T) {
	g := NewGate(BlockAll())

	handshake := []struct {
		dir Direction
		msg []byte
	}{
		{ServerToClient, []byte("RFB 003.008\n")},
		{ClientToServer, []byte("RFB 003.008\n")},
		// Three security types: the count byte matches ServerCutText.
		{ServerToClient, []byte{3, 1, 2, 16}},
		// Security type 6 matches ClientCutText.
		{ClientToServer, []byte{6}},
		{ServerToClient, []byte{0, 0, 0, 0}},
		{ClientToServer, []byte{1}},
		// Width 800 starts with ServerCutText.
		{ServerToClient, serverInit(800, 600, "desk")},
	}
	for i, step := range handshake {
		if !g.Allow(step.dir, step.msg) {
			t.Fatalf("handshake message %d (%v) was dropped", i, step.dir)
		}
	}
	if !g.Ready() {
		t.Fatal("gate should be ready after ServerInit")
	}

	if g.Allow(ServerToClient, EncodeCutText(ServerToClient, []byte("answer"))) {
		t.Error("server cut text should be dropped after the handshake")
	}
	if g.Allow(ClientToServer, EncodeCutText(ClientToServer, []byte("paste"))) {
		t.Error("client cut text should be dropped after the handshake")
	}
	if !g.Allow(ServerToClient, []byte{byte(FramebufferUpdate), 0, 0, 1}) {
		t.Error("framebuffer update should pass")
	}
}

func TestGateFiltersAfterHandshakeLimit(t *testing.T) {
	g := NewGate(BlockAll())
	for i := 0; i < MaxHandshakeMessages; i++ {
		g.Allow(ServerToClient, []byte{0, 0, 0, 0})
	}
	if !g.Ready() {
		t.Fatal("gate should give up waiting for ServerInit")
	}
	if g.Allow(ServerToClient, EncodeCutText(ServerToClient, []byte("x"))) {
		t.Error("server cut text should be dropped")
	}
}

func TestDirectionString(t *testing.T) {
	if ClientToServer.String() != "client_to_server" {
		t.Errorf("got %q", ClientToServer.String())
	}
	if ServerToClient.String() != "server_to_client" {
		t.Errorf("got %q", ServerToClient.String())
	}
}
