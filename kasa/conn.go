package kasa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"
)

// Port is the Kasa local control port.
const Port = 9999

const (
	DefaultDialTimeout = 100 * time.Millisecond
	DefaultReadTimeout = 400 * time.Millisecond
	DefaultJitter      = 250 * time.Millisecond
)

var (
	// ErrNotConnected is returned when no connection exists yet.
	ErrNotConnected = errors.New("kasa: not connected")
	// ErrCooldown is returned when an exchange failed and the last reconnect
	// attempt is more recent than the error cooldown.
	ErrCooldown = errors.New("kasa: waiting out error cooldown")
)

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// ConnConfig configures a Conn.
type ConnConfig struct {
	// Address is host:port.
	Address       string
	DialTimeout   time.Duration
	ReadTimeout   time.Duration
	ErrorCooldown time.Duration
	// Jitter is the upper bound of a random delay before every exchange.
	Jitter time.Duration
	Logger *slog.Logger
	Now    func() time.Time
}

// Conn is a persistent connection to one device. After a failure it
// reconnects at most once per exchange, and not at all while the previous
// reconnect attempt is within the error cooldown.
type Conn struct {
	cfg  ConnConfig
	dial dialFunc

	mu          sync.Mutex
	conn        net.Conn
	connectTime time.Time
}

// NewConn returns an unconnected Conn. The first exchange connects.
func NewConn(cfg ConnConfig) *Conn {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	d := &net.Dialer{}
	return &Conn{cfg: cfg, dial: d.DialContext}
}

// Exchange sends payload and returns the decoded reply.
func (c *Conn) Exchange(ctx context.Context, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.Jitter > 0 {
		delay := rand.N(c.cfg.Jitter)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.cfg.Logger.Debug("Message sent", "message", string(payload))

	err := ErrNotConnected
	if c.conn != nil {
		reply, rtErr := c.roundTrip(ctx, payload)
		if rtErr == nil {
			return reply, nil
		}
		err = rtErr
	}

	now := c.cfg.Now().Truncate(time.Second)
	if c.connectTime.Add(c.cfg.ErrorCooldown).After(now) {
		c.cfg.Logger.Debug("Connection error. Waiting...", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrCooldown, err)
	}

	c.cfg.Logger.Info("Connection error. Retrying...", "error", err)
	c.closeLocked()
	c.connectTime = now

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, err := c.dial(dialCtx, "tcp", c.cfg.Address)
	cancel()
	if err != nil {
		c.cfg.Logger.Info("Connection error was not resolved. Returning error.", "error", err)
		return nil, fmt.Errorf("failed to connect to %s: %w", c.cfg.Address, err)
	}
	c.conn = conn

	reply, err := c.roundTrip(ctx, payload)
	if err != nil {
		c.cfg.Logger.Info("Connection error was not resolved. Returning error.", "error", err)
		return nil, err
	}
	return reply, nil
}

func (c *Conn) roundTrip(ctx context.Context, payload []byte) ([]byte, error) {
	deadline := time.Now().Add(c.cfg.ReadTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}
	if _, err := c.conn.Write(Encode(payload)); err != nil {
		return nil, fmt.Errorf("failed to write: %w", err)
	}
	reply, err := ReadMessage(c.conn)
	if err != nil {
		return nil, err
	}
	c.cfg.Logger.Debug("Message received", "message", string(reply))
	return reply, nil
}

// Close drops the connection. The next exchange reconnects.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Conn) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
