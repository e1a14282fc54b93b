// Package relay bridges a browser WebSocket to a desktop's remote-desktop
// WebSocket and drops clipboard messages on the way.
package relay

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"labgate/internal/audit"
	"labgate/internal/lifecycle"
	"labgate/internal/metrics"
	"labgate/internal/profile"
	"labgate/internal/registry"
	"labgate/pkg/rfb"
)

const (
	dialTimeout      = 10 * time.Second
	closeGracePeriod = time.Second
)

// TargetFunc builds the upstream WebSocket URL for a session.
type TargetFunc func(key string, p *profile.Profile) string

// DefaultTarget dials the desktop by its session key on the desktop
// network.
func DefaultTarget(key string, p *profile.Profile) string {
	return "ws://" + net.JoinHostPort(key, strconv.Itoa(p.Port)) + p.WebsocketPath
}

// Config holds configuration for creating a new Relay.
type Config struct {
	Registry *registry.Registry
	Profiles lifecycle.ProfileSource
	Audit    audit.Recorder
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Target   TargetFunc
	// CheckOrigin overrides the upgrader's origin check.
	CheckOrigin func(r *http.Request) bool
}

// Relay upgrades browser connections and pumps messages to the desktop.
type Relay struct {
	registry *registry.Registry
	profiles lifecycle.ProfileSource
	audit    audit.Recorder
	metrics  *metrics.Metrics
	logger   *zap.Logger
	target   TargetFunc
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
}

// New creates a relay.
func New(cfg Config) *Relay {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Profiles == nil {
		cfg.Profiles = profile.NewHolder(nil)
	}
	if cfg.Target == nil {
		cfg.Target = DefaultTarget
	}
	return &Relay{
		registry: cfg.Registry,
		profiles: cfg.Profiles,
		audit:    cfg.Audit,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.Named("relay"),
		target:   cfg.Target,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			Subprotocols:    []string{"binary"},
			CheckOrigin:     cfg.CheckOrigin,
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: dialTimeout,
			ReadBufferSize:   32 * 1024,
			WriteBufferSize:  32 * 1024,
		},
	}
}

// counters tracks one direction of a connection.
type counters struct {
	forwarded    atomic.Int64
	dropped      atomic.Int64
	droppedBytes atomic.Int64
}

// Serve relays the request for session key. Unknown keys get a 404 before
// any upgrade.
func (r *Relay) Serve(w http.ResponseWriter, req *http.Request, key string) {
	handle, ok := r.registry.Lookup(key)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	browser, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		r.logger.Debug("websocket upgrade failed", zap.String("key", key), zap.Error(err))
		return
	}

	p := r.profiles.Current()
	connID := uuid.NewString()
	logger := r.logger.With(zap.String("key", key), zap.String("conn_id", connID))

	ctx, cancel := context.WithTimeout(req.Context(), dialTimeout)
	header := http.Header{}
	if protos := websocket.Subprotocols(req); len(protos) > 0 {
		header.Set("Sec-WebSocket-Protocol", protos[0])
	}
	desktop, resp, err := r.dialer.DialContext(ctx, r.target(key, p), header)
	cancel()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		logger.Warn("desktop dial failed", zap.Error(err))
		browser.Close()
		return
	}

	if r.metrics != nil {
		r.metrics.RelayConnections.Inc()
		defer r.metrics.RelayConnections.Dec()
	}
	r.log(logger, audit.Entry{Event: audit.EventRelayOpened, SessionKey: key, Kind: string(handle.Kind), BackingID: handle.BackingID, ContainerID: handle.ContainerID})
	logger.Info("relay opened")

	gate := rfb.NewGate(p.Filter())
	var up, down counters
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			deadline := time.Now().Add(closeGracePeriod)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			browser.WriteControl(websocket.CloseMessage, msg, deadline)
			desktop.WriteControl(websocket.CloseMessage, msg, deadline)
			browser.Close()
			desktop.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer closeBoth()
		r.pump(browser, desktop, rfb.ClientToServer, gate, &up)
	}()
	go func() {
		defer wg.Done()
		defer closeBoth()
		r.pump(desktop, browser, rfb.ServerToClient, gate, &down)
	}()
	wg.Wait()

	forwarded := map[string]int64{
		rfb.ClientToServer.String(): up.forwarded.Load(),
		rfb.ServerToClient.String(): down.forwarded.Load(),
	}
	dropped := map[string]int64{
		rfb.ClientToServer.String(): up.dropped.Load(),
		rfb.ServerToClient.String(): down.dropped.Load(),
	}
	droppedBytes := map[string]int64{
		rfb.ClientToServer.String(): up.droppedBytes.Load(),
		rfb.ServerToClient.String(): down.droppedBytes.Load(),
	}
	r.log(logger, audit.Entry{Event: audit.EventRelayClosed, SessionKey: key, Kind: string(handle.Kind), BackingID: handle.BackingID, ContainerID: handle.ContainerID, Forwarded: forwarded, Dropped: dropped, DroppedBytes: droppedBytes})
	logger.Info("relay closed",
		zap.Any("forwarded", forwarded),
		zap.Any("dropped", dropped),
		zap.Any("dropped_bytes", droppedBytes))
}

// pump copies messages from src to dst until either side fails. Messages
// the gate rejects are dropped; everything else keeps its type and bytes.
func (r *Relay) pump(src, dst *websocket.Conn, dir rfb.Direction, gate *rfb.Gate, c *counters) {
	for {
		messageType, msg, err := src.ReadMessage()
		if err != nil {
			return
		}
		if !gate.Allow(dir, msg) {
			c.dropped.Add(1)
			if n, err := rfb.CutTextLength(msg); err == nil {
				c.droppedBytes.Add(int64(n))
			}
			if r.metrics != nil {
				r.metrics.ClipboardDropped.WithLabelValues(dir.String()).Inc()
			}
			continue
		}
		if err := dst.WriteMessage(messageType, msg); err != nil {
			return
		}
		c.forwarded.Add(1)
	}
}

func (r *Relay) log(logger *zap.Logger, entry audit.Entry) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Log(entry); err != nil {
		logger.Warn("audit log failed", zap.String("event", entry.Event), zap.Error(err))
	}
}
