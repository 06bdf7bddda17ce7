// Package acceptor runs the TU TCP listener: one goroutine accepting
// connections and handing each off to the worker package. Close stops the
// listener; cmd/pbx sequences it with the admin HTTP server's shutdown and
// the registry's quiescence barrier.
package acceptor

import (
	"log/slog"
	"net"

	"github.com/flowpbx/pbxcore/internal/metrics"
	"github.com/flowpbx/pbxcore/internal/registry"
	"github.com/flowpbx/pbxcore/internal/tu"
	"github.com/flowpbx/pbxcore/internal/worker"
)

// Acceptor owns the TU listener and dispatches every accepted connection
// to its own worker goroutine.
type Acceptor struct {
	listener net.Listener
	reg      *registry.Registry
	observer tu.CallObserver
	counters *metrics.Counters
	log      *slog.Logger
}

// Listen binds the TU TCP listener on addr (":<port>").
func Listen(addr string, reg *registry.Registry, observer tu.CallObserver, counters *metrics.Counters, log *slog.Logger) (*Acceptor, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Acceptor{listener: ln, reg: reg, observer: observer, counters: counters, log: log}, nil
}

// Addr returns the bound listener address. Useful in tests that bind to
// ":0" and need the assigned port.
func (a *Acceptor) Addr() net.Addr {
	return a.listener.Addr()
}

// Run accepts connections until the listener is closed (normally via
// Close, as part of shutdown), dispatching each to its own worker
// goroutine. It returns nil when the listener closes cleanly during
// shutdown.
func (a *Acceptor) Run() error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if a.reg.ShuttingDown() {
				return nil
			}
			return err
		}
		go worker.Run(conn, a.reg, a.observer, a.counters, registry.AutoAssign, a.log)
	}
}

// Close stops accepting new connections. It does not touch already
// established worker connections; the registry's own Shutdown forces
// those closed.
func (a *Acceptor) Close() error {
	return a.listener.Close()
}
