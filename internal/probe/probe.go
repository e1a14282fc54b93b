// Package probe checks whether a desktop's remote-desktop endpoint accepts
// connections yet.
package probe

import (
	"context"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds a single readiness dial.
const DefaultTimeout = 2 * time.Second

// PortSource yields the remote-desktop port of the current profile.
type PortSource func() int

// Prober dials {key}:{port} on the desktop network.
type Prober struct {
	port    PortSource
	timeout time.Duration
	dialer  func(ctx context.Context, network, address string) (net.Conn, error)
	logger  *zap.Logger
}

// New creates a prober. A zero timeout uses DefaultTimeout.
func New(port PortSource, timeout time.Duration, logger *zap.Logger) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &net.Dialer{}
	return &Prober{
		port:    port,
		timeout: timeout,
		dialer:  d.DialContext,
		logger:  logger.Named("probe"),
	}
}

// IsReady reports whether a TCP connection to the session's desktop
// succeeds. Every failure is folded into false.
func (p *Prober) IsReady(ctx context.Context, key string) bool {
	if key == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	addr := net.JoinHostPort(key, strconv.Itoa(p.port()))
	conn, err := p.dialer(ctx, "tcp", addr)
	if err != nil {
		p.logger.Debug("desktop not ready", zap.String("addr", addr), zap.Error(err))
		return false
	}
	conn.Close()
	return true
}
