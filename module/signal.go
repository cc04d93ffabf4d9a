package module

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Signal is a manual module woken by an OS signal. Each cycle notifies its
// listeners, so other modules can refresh on e.g. SIGUSR1.
type Signal struct {
	*Module
	sig os.Signal
}

// NewSignal returns the module for sig. It must be registered with a
// SignalHub to receive deliveries.
func NewSignal(sig os.Signal, cfg Config) *Signal {
	s := &Signal{sig: sig}
	cfg.Automatic = false
	s.Module = New(signalName(sig), s, cfg)
	return s
}

func (s *Signal) Sync(last bool) {
	if !last {
		s.NotifyListeners()
	}
}

// Signal returns the OS signal this module is bound to.
func (s *Signal) Signal() os.Signal { return s.sig }

func signalName(sig os.Signal) string {
	if ss, ok := sig.(syscall.Signal); ok {
		return fmt.Sprintf("SIGNAL_HANDLER (%d)", int(ss))
	}
	return fmt.Sprintf("SIGNAL_HANDLER (%s)", sig)
}

// SignalHub routes OS signals to Signal modules. Each signal has at most one
// module.
type SignalHub struct {
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[os.Signal]*Signal
	ch       chan os.Signal
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewSignalHub returns an idle hub.
func NewSignalHub(logger *slog.Logger) *SignalHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalHub{
		logger:   logger,
		handlers: make(map[os.Signal]*Signal),
	}
}

// Register binds s to its signal. A second module for the same signal is
// rejected and logged.
func (h *SignalHub) Register(s *Signal) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.handlers[s.sig]; ok {
		h.logger.Error("Multiple handlers with the same signal", "module", s.Name(), "signal", s.sig.String())
		return false
	}
	h.handlers[s.sig] = s
	if h.ch != nil {
		signal.Notify(h.ch, s.sig)
	}
	return true
}

// Unregister removes the module bound to s.
func (h *SignalHub) Unregister(s *Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.handlers[s.sig]; ok && cur == s {
		delete(h.handlers, s.sig)
	}
}

// Deliver wakes the module bound to sig, if any.
func (h *SignalHub) Deliver(sig os.Signal) {
	h.mu.Lock()
	s, ok := h.handlers[sig]
	h.mu.Unlock()
	if !ok {
		return
	}
	h.logger.Debug("Signal received", "signal", sig.String())
	s.SyncNow()
}

// Start subscribes to every registered signal and delivers them until ctx is
// done or Stop is called.
func (h *SignalHub) Start(ctx context.Context) {
	h.mu.Lock()
	if h.ch != nil {
		h.mu.Unlock()
		return
	}
	ctx, h.cancel = context.WithCancel(ctx)
	h.ch = make(chan os.Signal, 4)
	sigs := make([]os.Signal, 0, len(h.handlers))
	for sig := range h.handlers {
		sigs = append(sigs, sig)
	}
	if len(sigs) > 0 {
		signal.Notify(h.ch, sigs...)
	}
	ch := h.ch
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case sig := <-ch:
				h.Deliver(sig)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop unsubscribes from OS signals and waits for the delivery goroutine.
func (h *SignalHub) Stop() {
	h.mu.Lock()
	if h.ch == nil {
		h.mu.Unlock()
		return
	}
	signal.Stop(h.ch)
	h.cancel()
	h.ch = nil
	h.mu.Unlock()
	h.wg.Wait()
}
