// Package bridge implements the event-driven state machine of spec.md §4.5:
// it interleaves nonblocking PTY I/O, outbound SEND_PTY chunking, inbound
// GET_KEYS polling, and a watchdog/recovery cycle, all from a single
// goroutine, cooperatively, per spec.md §5.
package bridge

import (
	"errors"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/yottatsa/uterm/lib/bridge/logging"
	"github.com/yottatsa/uterm/lib/bridge/protocol"
	"github.com/yottatsa/uterm/lib/bridge/queue"
	"github.com/yottatsa/uterm/lib/bridge/transport"
	"github.com/yottatsa/uterm/lib/ptyio"
)

// IOTimeout is the watchdog deadline armed around every request (spec.md §4.5).
const IOTimeout = 5 * time.Second

// pollTimeoutMs bounds the PTY readiness poll so the loop periodically
// re-checks the enabled flag even when nothing is happening.
const pollTimeoutMs = 100

var errWatchdogTimeout = errors.New("bridge: watchdog timeout")

// Bridge owns the transport, the attached PTY, and the two byte queues
// described in spec.md §3, and drives the loop in spec.md §4.5. The
// enabled/graceful flags are the only state touched from outside the loop
// goroutine (by signal handling), hence atomic.Bool rather than plain bool.
type Bridge struct {
	ctrl *protocol.Controller
	conn transport.Transport
	pty  *ptyio.PTY

	outbound queue.Bytes
	inbound  queue.Bytes

	enabled  atomic.Bool
	graceful atomic.Bool

	ioTimeout time.Duration
}

// New creates a Bridge over an already-connected Transport and an already-
// attached PTY.
func New(conn transport.Transport, pty *ptyio.PTY) *Bridge {
	return &Bridge{
		ctrl:      protocol.NewController(conn),
		conn:      conn,
		pty:       pty,
		ioTimeout: IOTimeout,
	}
}

// HandleSignal processes one external interrupt (spec.md §4.5, §5). The
// first occurrence while graceful clears graceful and disables the loop, so
// it exits after its current iteration and sends a final SIG_INT. The
// second occurrence reports fatal=true: the caller must terminate
// immediately without that courtesy SIG_INT.
func (b *Bridge) HandleSignal() (fatal bool) {
	if b.graceful.Load() {
		b.graceful.Store(false)
		b.enabled.Store(false)
		return false
	}
	return true
}

// Serve runs the bridge to completion: startup probe, the iteration loop,
// and shutdown. It returns nil on a graceful shutdown (spec.md §6 exit code
// 0) and a non-nil error for any fatal condition (non-zero exit).
func (b *Bridge) Serve() error {
	banner, err := b.ctrl.GetCaps()
	if err != nil {
		return b.fatal(err)
	}
	logging.Info("remote: %s", banner)

	b.ctrl.SetTimeout(b.ioTimeout)
	b.enabled.Store(true)
	b.graceful.Store(true)

	for b.enabled.Load() {
		if err := b.iterate(); err != nil {
			if errors.Is(err, errWatchdogTimeout) {
				if err := b.recover(); err != nil {
					return b.fatal(err)
				}
				continue
			}
			return b.fatal(err)
		}
	}

	return b.shutdown()
}

// recover implements the one-shot watchdog recovery window of spec.md §4.5:
// a timeout while graceful is true clears graceful and issues a fresh
// GET_CAPS probe; success restores graceful. A timeout while graceful is
// already false (a second consecutive silence) is fatal. The probe goes
// through the same Controller, still carrying the armed watchdog deadline, so
// a recovery attempt that itself stalls past IOTimeout surfaces as the same
// transport.ErrTimeout and is reported as fatal below.
func (b *Bridge) recover() error {
	if !b.graceful.Load() {
		return errors.New("watchdog expired with no recovery window remaining")
	}
	b.graceful.Store(false)
	logging.Warn("watchdog timeout, attempting recovery")

	banner, err := b.ctrl.GetCaps()
	if err != nil {
		return err
	}
	logging.Info("recovered, remote: %s", banner)
	b.graceful.Store(true)
	return nil
}

// iterate runs one pass of the loop body (spec.md §4.5 steps 1-4).
func (b *Bridge) iterate() error {
	if err := b.pollPTY(); err != nil {
		return err
	}

	keys, err := b.ctrl.GetKeys()
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			return errWatchdogTimeout
		}
		return err
	}
	if len(keys) > 0 {
		b.inbound.PushBack(keys)
		// Prioritize keystroke injection before more output is produced:
		// restart the iteration instead of draining the outbound queue now.
		return nil
	}

	for b.outbound.Len() > 0 {
		n := b.outbound.Len()
		if n > protocol.BUFSIZE {
			n = protocol.BUFSIZE
		}
		chunk := append([]byte(nil), b.outbound.Front(n)...)
		if err := b.ctrl.SendPTY(chunk); err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				return errWatchdogTimeout
			}
			return err
		}
		// A successful ack both clears the chunk and resets the watchdog.
		b.outbound.DropFront(n)
	}
	return nil
}

// pollPTY polls PTY readiness and dispatches any readable/writable event to
// the PTY component (spec.md §4.4). Write readiness is only requested while
// the inbound queue actually has keystrokes pending.
func (b *Bridge) pollPTY() error {
	events := int16(unix.POLLIN)
	if b.inbound.Len() > 0 {
		events |= unix.POLLOUT
	}
	pfds := []unix.PollFd{{Fd: int32(b.pty.Fd()), Events: events}}

	_, err := unix.Poll(pfds, pollTimeoutMs)
	if err != nil {
		if err == syscall.EINTR {
			return nil
		}
		return err
	}

	revents := pfds[0].Revents
	if revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
		if err := b.pty.ReadReady(&b.outbound); err != nil {
			return err
		}
	}
	if revents&unix.POLLOUT != 0 {
		if err := b.pty.WriteReady(&b.inbound); err != nil {
			return err
		}
	}
	return nil
}

// fatal sends a best-effort SIG_INT, closes the transport, and returns err
// for the caller to report as a nonzero exit (spec.md §7).
func (b *Bridge) fatal(err error) error {
	logging.Error("fatal: %v", err)
	_ = b.ctrl.SigInt()
	_ = b.conn.Close()
	return err
}

// shutdown sends the courtesy SIG_INT on a graceful exit (spec.md §4.5).
func (b *Bridge) shutdown() error {
	logging.Info("shutting down")
	if err := b.ctrl.SigInt(); err != nil {
		logging.Warn("best-effort SIG_INT on shutdown failed: %v", err)
	}
	return nil
}
