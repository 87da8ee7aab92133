// Package protocol implements the SLIP (RFC 1055) framer and the fixed
// GET_CAPS/GET_KEYS/SEND_PTY/SIG_INT command set that rides on top of it.
package protocol

import (
	"bytes"

	"github.com/yottatsa/uterm/lib/bridge/logging"
	"github.com/yottatsa/uterm/lib/bridge/transport"
)

// SLIP special character codes, rfc1055.
const (
	END     byte = 0xC0
	ESC     byte = 0xDB
	ESCEND  byte = 0xDD
	ESCESC  byte = 0xDE
)

// Encoder writes SLIP-framed packets to a Transport.
type Encoder struct {
	t transport.Transport
}

// NewEncoder wraps a Transport for SLIP-framed sends.
func NewEncoder(t transport.Transport) *Encoder {
	return &Encoder{t: t}
}

// Encode writes one SLIP frame carrying payload data.
//
// Substitution order matters: ESC is escaped first, then END is escaped in
// the result of that substitution, so the ESC byte introduced to escape END
// is never itself re-escaped.
func (e *Encoder) Encode(data []byte) error {
	logging.Debug(">>> % x", data)

	escaped := bytes.ReplaceAll(data, []byte{ESC}, []byte{ESC, ESCESC})
	escaped = bytes.ReplaceAll(escaped, []byte{END}, []byte{ESC, ESCEND})

	frame := make([]byte, 0, len(escaped)+2)
	frame = append(frame, END)
	frame = append(frame, escaped...)
	frame = append(frame, END)

	return e.t.Send(frame)
}

// Decoder reads SLIP-framed packets from a Transport.
type Decoder struct {
	t transport.Transport
}

// NewDecoder wraps a Transport for SLIP-framed receives.
func NewDecoder(t transport.Transport) *Decoder {
	return &Decoder{t: t}
}

// Decode reads one complete SLIP frame and returns its payload (the bytes
// between the delimiting ENDs, unescaped). Leading/duplicate ENDs are
// tolerated. A Recv error is returned as is; a zero-length Recv with no error
// (peer closed) is fatal and surfaced as transport.ErrClosed.
func (d *Decoder) Decode() ([]byte, error) {
	var received bytes.Buffer
	for {
		b, err := d.t.Recv(1)
		if err != nil {
			return nil, err
		}
		if len(b) == 0 {
			return nil, transport.ErrClosed
		}
		c := b[0]
		switch {
		case c == END:
			if received.Len() != 0 {
				data := received.Bytes()
				logging.Debug("<<< % x", data)
				return data, nil
			}
			// empty accumulator: tolerate leading/duplicate END
		case c == ESC:
			eb, err := d.t.Recv(1)
			if err != nil {
				return nil, err
			}
			if len(eb) == 0 {
				return nil, transport.ErrClosed
			}
			switch eb[0] {
			case ESCESC:
				received.WriteByte(ESC)
			case ESCEND:
				received.WriteByte(END)
			default:
				// permissive: any other escaped byte is appended verbatim
				received.WriteByte(eb[0])
			}
		default:
			received.WriteByte(c)
		}
	}
}
