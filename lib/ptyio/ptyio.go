// Package ptyio attaches a forked PTY master file descriptor to the bridge's
// outbound/inbound byte queues: nonblocking reads of shell output, retried
// writes of keystrokes, and window size setup (spec.md §4.4).
package ptyio

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/yottatsa/uterm/lib/bridge/queue"
)

// Rows/Cols are the window size the spec requires: a deliberately small
// geometry chosen to match the remote renderer (spec.md §4.4).
const (
	Rows = 24
	Cols = 51

	// readChunk is the maximum number of bytes read from the PTY per
	// readable event (spec.md §4.4).
	readChunk = 2048
)

// PTY owns the master file descriptor and the queue plumbing around it.
type PTY struct {
	f  *os.File
	fd int
}

// Attach places fd in nonblocking mode and sets its window size to
// Rows x Cols. It does not itself register with any readiness poller; the
// Bridge owns the unix.Poll call and dispatches to ReadReady/WriteReady.
func Attach(f *os.File) (*PTY, error) {
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, err
	}
	if err := setWinsize(fd, Rows, Cols); err != nil {
		return nil, err
	}
	return &PTY{f: f, fd: fd}, nil
}

// Fd returns the raw file descriptor, for use with unix.Poll.
func (p *PTY) Fd() int {
	return p.fd
}

func setWinsize(fd int, rows, cols int) error {
	ws := &unix.Winsize{Row: uint16(rows), Col: uint16(cols)}
	return unix.IoctlSetWinsize(fd, unix.TIOCSWINSZ, ws)
}

// ReadReady is called when the poller reports the PTY fd readable. It reads
// up to readChunk bytes and appends whatever was read to the outbound queue.
// Returning an error (other than would-block, which cannot reach here behind
// a successful poll) means the PTY is gone — e.g. the child shell exited —
// and is fatal to the bridge per spec.md §4.4.
func (p *PTY) ReadReady(out *queue.Bytes) error {
	buf := make([]byte, readChunk)
	n, err := p.f.Read(buf)
	if n > 0 {
		out.PushBack(buf[:n])
	}
	if err != nil {
		if errno, ok := err.(*os.PathError); ok {
			err = errno.Err
		}
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			return nil
		}
		return err
	}
	return nil
}

// WriteReady is called when the poller reports the PTY fd writable and the
// inbound keystroke queue is non-empty. It writes as much of the queue as
// the kernel will currently accept and drops exactly that many bytes from
// the head of the queue.
//
// The original Python source treated any short write as an invariant
// violation and aborted the bridge; spec.md §9 flags that as a bug not to
// copy. Here a short write just leaves the unwritten remainder queued for
// the next writable event — the bridge makes forward progress instead of
// dying on a kernel buffer that happened to be momentarily full.
func (p *PTY) WriteReady(in *queue.Bytes) error {
	if in.Len() == 0 {
		return nil
	}
	pending := in.Front(in.Len())
	n, err := p.f.Write(pending)
	if n > 0 {
		in.DropFront(n)
	}
	if err != nil {
		if errno, ok := err.(*os.PathError); ok {
			err = errno.Err
		}
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			return nil
		}
		return err
	}
	return nil
}
