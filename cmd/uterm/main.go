// Command uterm is the host side of a half-duplex terminal bridge: it runs a
// local shell behind a PTY and multiplexes that session, SLIP-framed, over a
// UNIX domain socket or an RS-232 line to a remote polling terminal
// (spec.md §1, §6).
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/yottatsa/uterm/lib/bridge"
	"github.com/yottatsa/uterm/lib/bridge/logging"
	"github.com/yottatsa/uterm/lib/bridge/protocol"
	"github.com/yottatsa/uterm/lib/bridge/transport"
	"github.com/yottatsa/uterm/lib/ptyio"
)

func main() {
	var (
		device   string
		terminal string
		reset    bool
		debug    bool
	)
	flag.StringVar(&device, "device", "", "socket or tty path to bridge over (required)")
	flag.StringVar(&device, "D", "", "shorthand for --device")
	flag.StringVar(&terminal, "terminal", "vt52", "TERM value for the child shell")
	flag.BoolVar(&reset, "reset", false, "send SIG_INT to the remote and exit without forking a shell")
	flag.BoolVar(&reset, "R", false, "shorthand for --reset")
	flag.BoolVar(&debug, "debug", false, "verbose logging")
	flag.Parse()

	if device == "" {
		flag.Usage()
		os.Exit(1)
	}

	logging.SetDebug(debug)
	logging.SetPrefix(uuid.New().String()[:8])

	conn, err := dial(device)
	if err != nil {
		logging.Error("failed to establish transport on %s: %v", device, err)
		os.Exit(1)
	}

	if reset {
		if err := protocol.NewController(conn).SigInt(); err != nil {
			logging.Error("failed to send reset: %v", err)
			_ = conn.Close()
			os.Exit(1)
		}
		_ = conn.Close()
		return
	}

	ptyFile, err := forkShell(terminal)
	if err != nil {
		logging.Error("failed to fork shell: %v", err)
		_ = conn.Close()
		os.Exit(1)
	}

	pty, err := ptyio.Attach(ptyFile)
	if err != nil {
		logging.Error("failed to attach pty: %v", err)
		os.Exit(1)
	}

	br := bridge.New(conn, pty)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if br.HandleSignal() {
				logging.Error("second interrupt received, aborting")
				os.Exit(1)
			}
			logging.Warn("interrupt received, shutting down gracefully")
		}
	}()

	if err := br.Serve(); err != nil {
		logging.Error("bridge exited: %v", err)
		os.Exit(1)
	}
}

// dial classifies the device path per spec.md §6: an existing socket inode
// is unlinked and listened on, an existing character device is opened as a
// half-duplex serial line, and a nonexistent path is created and listened on
// as a new socket.
func dial(device string) (transport.Transport, error) {
	fi, err := os.Stat(device)
	isSerial := err == nil && fi.Mode()&os.ModeCharDevice != 0

	return lo.Ternary(isSerial,
		func() (transport.Transport, error) { return transport.OpenSerial(device) },
		func() (transport.Transport, error) { return transport.ListenUnix(device) },
	)()
}

// forkShell forks a PTY and execs /bin/sh in the child with TERM set, per
// spec.md §6's PTY contract. The master end is returned to the caller; it is
// never touched by the child.
func forkShell(terminal string) (*os.File, error) {
	cmd := exec.Command("/bin/sh")
	cmd.Env = append(os.Environ(), fmt.Sprintf("TERM=%s", terminal))
	return pty.Start(cmd)
}
