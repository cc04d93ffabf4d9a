// Package kasa speaks the TP-Link Kasa local protocol and provides a relay
// driver for Kasa plugs and dimmers.
package kasa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/kradalby/iotd/eventlog"
	"github.com/kradalby/iotd/relay"
)

// Config describes one Kasa plug.
type Config struct {
	ID      string
	Name    string
	Address string
	// Port defaults to 9999.
	Port            int
	UpdateFrequency time.Duration
	Cooldown        time.Duration
	ErrorCooldown   time.Duration
	// PowerMonitoring adds the emeter query to every request.
	PowerMonitoring bool
	Jitter          time.Duration
	DialTimeout     time.Duration
	ReadTimeout     time.Duration

	Logger   *slog.Logger
	Store    eventlog.Store
	Now      func() time.Time
	OnSync   func(name string, took time.Duration)
	OnChange func(relay.Snapshot)
}

// DisplayName returns the module name of a plug.
func DisplayName(name, addr string) string {
	return fmt.Sprintf("KASA [ %s @ %s ]", name, addr)
}

// Transport adapts a Conn to relay.Transport.
type Transport struct {
	conn   *Conn
	emeter bool
	logger *slog.Logger
}

// NewTransport returns a transport using conn.
func NewTransport(conn *Conn, emeter bool, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{conn: conn, emeter: emeter, logger: logger}
}

func (t *Transport) Exchange(ctx context.Context, cmd relay.Command) relay.Reading {
	if cmd.Last {
		if err := t.conn.Close(); err != nil {
			t.logger.Debug("Failed to close connection", "error", err)
		}
		return relay.ErrorReading()
	}

	if cmd.Brightness != 0 {
		if _, err := t.conn.Exchange(ctx, BrightnessCommand(cmd.Brightness)); err != nil {
			t.logger.Debug("Failed to set brightness", "brightness", cmd.Brightness, "error", err)
		}
	}

	reply, err := t.conn.Exchange(ctx, Command(cmd.Target, t.emeter))
	if err != nil {
		if !errors.Is(err, ErrCooldown) {
			t.logger.Debug("Exchange failed", "error", err)
		}
		return relay.ErrorReading()
	}
	return ParseReply(reply)
}

func (t *Transport) Close() error {
	return t.conn.Close()
}

// New returns a disabled relay device for a Kasa plug.
func New(cfg Config) *relay.Device {
	if cfg.Port == 0 {
		cfg.Port = Port
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	name := DisplayName(cfg.Name, cfg.Address)
	logger := cfg.Logger.With("module", name)

	conn := NewConn(ConnConfig{
		Address:       net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)),
		DialTimeout:   cfg.DialTimeout,
		ReadTimeout:   cfg.ReadTimeout,
		ErrorCooldown: cfg.ErrorCooldown,
		Jitter:        cfg.Jitter,
		Logger:        logger,
		Now:           cfg.Now,
	})

	return relay.New(relay.Config{
		ID:              cfg.ID,
		DisplayName:     name,
		UpdateFrequency: cfg.UpdateFrequency,
		Cooldown:        cfg.Cooldown,
		ErrorCooldown:   cfg.ErrorCooldown,
		Logger:          cfg.Logger,
		Store:           cfg.Store,
		Now:             cfg.Now,
		OnSync:          cfg.OnSync,
		OnChange:        cfg.OnChange,
	}, NewTransport(conn, cfg.PowerMonitoring, logger))
}
