package acceptor

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/flowpbx/pbxcore/internal/registry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startAcceptor(t *testing.T, reg *registry.Registry) *Acceptor {
	t.Helper()
	a, err := Listen("127.0.0.1:0", reg, nil, nil, discardLogger())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go a.Run()
	t.Cleanup(func() { a.Close() })
	return a
}

func TestAcceptorAcceptsAndRegistersConnections(t *testing.T) {
	reg := registry.New(4)
	a := startAcceptor(t, reg)

	conn, err := net.Dial("tcp", a.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "ON_HOOK 0\n" {
		t.Fatalf("notify = %q, want ON_HOOK 0", line)
	}
}

func TestAcceptorHandlesMultipleConnectionsConcurrently(t *testing.T) {
	reg := registry.New(4)
	a := startAcceptor(t, reg)

	var conns []net.Conn
	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", a.Addr().String())
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		defer conn.Close()
		conns = append(conns, conn)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && reg.Count() < 3 {
		time.Sleep(10 * time.Millisecond)
	}
	if reg.Count() != 3 {
		t.Fatalf("count = %d, want 3", reg.Count())
	}
}

func TestAcceptorCloseStopsAcceptLoop(t *testing.T) {
	reg := registry.New(4)
	a, err := Listen("127.0.0.1:0", reg, nil, nil, discardLogger())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.Run() }()

	reg.Shutdown()
	a.Close()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned error %v, want nil on shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}
