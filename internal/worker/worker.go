// Package worker implements the per-connection loop: it parses the
// line-oriented TU wire protocol off a net.Conn and drives a registry.Registry
// and tu.TU accordingly. Each accepted connection runs in its own goroutine;
// workers never coordinate with one another directly.
package worker

import (
	"bufio"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/flowpbx/pbxcore/internal/metrics"
	"github.com/flowpbx/pbxcore/internal/registry"
	"github.com/flowpbx/pbxcore/internal/tu"
)

// maxLineBytes bounds a single command line, guarding against an
// unterminated stream consuming unbounded memory in bufio.Scanner.
const maxLineBytes = 4096

// Run owns conn for its entire lifetime: it constructs a TU around it,
// registers with reg at ext (registry.AutoAssign for "any free extension"),
// services commands until end-of-stream, a read error, or the TU reports
// itself destroyed, then hangs up and unregisters. A notification write
// error on one command is logged and the loop keeps reading. Run returns once the connection is fully torn down;
// callers invoke it as `go worker.Run(...)` per accepted connection.
func Run(conn net.Conn, reg *registry.Registry, observer tu.CallObserver, counters *metrics.Counters, ext int, logger *slog.Logger) {
	defer conn.Close()

	t := tu.New(conn, observer)
	defer t.Unref("worker exit")

	assigned, err := reg.Register(t, ext)
	if err != nil {
		logger.Warn("registration failed", "remote_addr", conn.RemoteAddr().String(), "error", err)
		return
	}
	log := logger.With("extension", assigned, "remote_addr", conn.RemoteAddr().String())
	log.Info("client registered")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 1024), maxLineBytes)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if err := dispatch(t, reg, counters, line); err != nil {
			log.Debug("command error", "line", line, "error", err)
			if err == tu.ErrDestroyed {
				break
			}
		}
	}
	if err := scanner.Err(); err != nil {
		log.Debug("connection read error", "error", err)
	}

	_ = t.Hangup()
	if err := reg.Unregister(t); err != nil {
		log.Debug("unregister failed", "error", err)
	}
	log.Info("client disconnected")
}

// dispatch parses one command line per the wire grammar (pickup, hangup,
// dial <ext>, chat <message>) and invokes the corresponding TU or registry
// operation. Unrecognized keywords are ignored: no state change and no
// notification, unlike out-of-sequence known commands, which still notify.
func dispatch(t *tu.TU, reg *registry.Registry, counters *metrics.Counters, line string) error {
	keyword, rest := splitCommand(line)
	switch keyword {
	case "pickup":
		if counters != nil {
			counters.IncPickup()
		}
		return t.Pickup()
	case "hangup":
		if counters != nil {
			counters.IncHangup()
		}
		return t.Hangup()
	case "dial":
		if counters != nil {
			counters.IncDial()
		}
		ext, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil {
			ext = -1
		}
		return reg.Dial(t, ext)
	case "chat":
		if counters != nil {
			counters.IncChat()
		}
		return t.Chat(rest)
	default:
		return nil
	}
}

// splitCommand separates the leading keyword from the remainder of a
// command line. rest is everything after the first space with the leading
// run of spaces removed; spacing inside and at the end of rest is kept, so
// a chat message keeps its interior spacing and an empty message is "".
func splitCommand(line string) (keyword, rest string) {
	i := strings.IndexByte(line, ' ')
	if i < 0 {
		return line, ""
	}
	keyword = line[:i]
	rest = strings.TrimLeft(line[i+1:], " ")
	return keyword, rest
}
