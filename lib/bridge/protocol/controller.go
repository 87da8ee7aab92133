package protocol

import (
	"bytes"
	"time"

	"github.com/yottatsa/uterm/lib/bridge/logging"
	"github.com/yottatsa/uterm/lib/bridge/transport"
)

// Command tags: each is two identical bytes (spec.md §3).
var (
	GetCaps = []byte{0x00, 0x00}
	GetKeys = []byte{0x01, 0x01}
	SendPTY = []byte{0x02, 0x02}
	SigInt  = []byte{0x03, 0x03}
)

// BUFSIZE is the maximum SEND_PTY payload per call (spec.md §3).
const BUFSIZE = 92

// Controller drives the host-initiated request/response protocol over a
// SLIP-framed Transport. Every method sends exactly one request frame and,
// except SigInt, reads exactly one response frame before returning, per
// spec.md §4.3's strict pairing requirement.
type Controller struct {
	t   transport.Transport
	enc *Encoder
	dec *Decoder

	timeout time.Duration
}

// NewController wraps a Transport with the SLIP framer and command set.
func NewController(t transport.Transport) *Controller {
	return &Controller{
		t:   t,
		enc: NewEncoder(t),
		dec: NewDecoder(t),
	}
}

// SetTimeout arms (d > 0) or disarms (d == 0) the bridge's watchdog deadline
// (spec.md §4.5) around every subsequent request. The deadline is pushed down
// to the underlying Transport via SetDeadline, so a stalled request is cut
// off inside the blocking Send/Recv call it was already waiting on and
// surfaces as transport.ErrTimeout -- no second goroutine ever touches the
// connection, preserving the strict one-request-in-flight pairing of
// spec.md §4.3/§5.
func (c *Controller) SetTimeout(d time.Duration) {
	c.timeout = d
}

// request sends a tag+payload frame and returns the one response frame.
func (c *Controller) request(tag, payload []byte) ([]byte, error) {
	if c.timeout > 0 {
		if err := c.t.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, err
		}
		defer c.t.SetDeadline(time.Time{})
	}

	frame := make([]byte, 0, len(tag)+len(payload))
	frame = append(frame, tag...)
	frame = append(frame, payload...)
	if err := c.enc.Encode(frame); err != nil {
		return nil, err
	}
	return c.dec.Decode()
}

// GetCaps probes the remote and returns its decoded, NUL-trimmed banner.
func (c *Controller) GetCaps() (string, error) {
	resp, err := c.request(GetCaps, nil)
	if err != nil {
		return "", err
	}
	banner := resp
	if bytes.HasPrefix(resp, GetCaps) {
		banner = resp[len(GetCaps):]
	}
	return string(bytes.Trim(banner, "\x00")), nil
}

// GetKeys polls the remote for pending keystrokes. If the response frame's
// tag does not match GET_KEYS, this is a non-fatal protocol mismatch
// (spec.md §7 kind 4): the batch is treated as empty, no error is returned.
func (c *Controller) GetKeys() ([]byte, error) {
	resp, err := c.request(GetKeys, nil)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(resp, GetKeys) {
		logging.Debug("GET_KEYS: unexpected response tag % x, treating as empty", tagOf(resp))
		return nil, nil
	}
	return resp[len(GetKeys):], nil
}

// SendPTY delivers up to BUFSIZE bytes of shell output. The response is read
// to completion but its content is ignored (it's an ack and, on serial
// transports, a turnaround marker) — validated only at debug level, per
// spec.md §9's instruction to preserve that permissive behavior.
func (c *Controller) SendPTY(data []byte) error {
	if len(data) > BUFSIZE {
		data = data[:BUFSIZE]
	}
	resp, err := c.request(SendPTY, data)
	if err != nil {
		return err
	}
	if !bytes.HasPrefix(resp, SendPTY) {
		logging.Debug("SEND_PTY: response tag % x does not echo SEND_PTY (ignored)", tagOf(resp))
	}
	return nil
}

// SigInt instructs the remote to reset its state. No response is expected;
// the connection is being torn down. The encode error (if any) is returned
// as best-effort information only — callers treat this as unconditional.
func (c *Controller) SigInt() error {
	frame := make([]byte, 0, len(SigInt))
	frame = append(frame, SigInt...)
	return c.enc.Encode(frame)
}

func tagOf(frame []byte) []byte {
	if len(frame) < 2 {
		return frame
	}
	return frame[:2]
}
