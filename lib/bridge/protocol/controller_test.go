package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yottatsa/uterm/lib/bridge/transport"
)

// scripted is a Transport whose incoming side is pre-loaded with one or more
// already SLIP-framed response frames, served in order, and whose outgoing
// side just records every frame sent for later assertions.
type scripted struct {
	in   []byte
	pos  int
	sent [][]byte
}

func framed(tag []byte, payload []byte) []byte {
	e := &Encoder{t: &recorder{}}
	body := append(append([]byte(nil), tag...), payload...)
	_ = e.Encode(body)
	return e.t.(*recorder).buf
}

// recorder is a bare Transport used only by framed() to build raw SLIP bytes.
type recorder struct{ buf []byte }

func (r *recorder) Send(data []byte) error      { r.buf = append(r.buf, data...); return nil }
func (r *recorder) Recv(int) ([]byte, error)    { return nil, transport.ErrClosed }
func (r *recorder) SetDeadline(time.Time) error { return nil }
func (r *recorder) Close() error                { return nil }

func newScripted(frames ...[]byte) *scripted {
	s := &scripted{}
	for _, f := range frames {
		s.in = append(s.in, f...)
	}
	return s
}

func (s *scripted) Send(data []byte) error {
	s.sent = append(s.sent, append([]byte(nil), data...))
	return nil
}

func (s *scripted) Recv(n int) ([]byte, error) {
	if s.pos >= len(s.in) {
		return nil, transport.ErrClosed
	}
	end := s.pos + n
	if end > len(s.in) {
		end = len(s.in)
	}
	b := s.in[s.pos:end]
	s.pos = end
	return b, nil
}

func (s *scripted) SetDeadline(time.Time) error { return nil }
func (s *scripted) Close() error                { return nil }

// Scenario 1: banner probe, NUL-padded on both ends.
func TestControllerGetCaps(t *testing.T) {
	resp := framed(GetCaps, []byte("\x00\x00vt52 uterm\x00"))
	tr := newScripted(resp)
	banner, err := NewController(tr).GetCaps()
	require.NoError(t, err)
	assert.Equal(t, "vt52 uterm", banner)
}

// Scenario 2: empty key poll.
func TestControllerGetKeysEmpty(t *testing.T) {
	resp := framed(GetKeys, nil)
	tr := newScripted(resp)
	keys, err := NewController(tr).GetKeys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

// Scenario 3: key poll with a payload.
func TestControllerGetKeysWithPayload(t *testing.T) {
	resp := framed(GetKeys, []byte("ls\n"))
	tr := newScripted(resp)
	keys, err := NewController(tr).GetKeys()
	require.NoError(t, err)
	assert.Equal(t, []byte("ls\n"), keys)
}

// A mismatched response tag on GET_KEYS is non-fatal: treated as empty.
func TestControllerGetKeysTagMismatchIsNonFatal(t *testing.T) {
	resp := framed(SendPTY, []byte("stray"))
	tr := newScripted(resp)
	keys, err := NewController(tr).GetKeys()
	require.NoError(t, err)
	assert.Nil(t, keys)
}

// Scenario 4: screen output chunked to BUFSIZE.
func TestControllerSendPTYTruncatesToBufsize(t *testing.T) {
	oversized := make([]byte, BUFSIZE+10)
	for i := range oversized {
		oversized[i] = 'x'
	}
	resp := framed(SendPTY, nil)
	tr := newScripted(resp)
	require.NoError(t, NewController(tr).SendPTY(oversized))

	require.Len(t, tr.sent, 1)
	decoded, err := NewDecoder(&scripted{in: tr.sent[0]}).Decode()
	require.NoError(t, err)
	assert.Len(t, decoded, len(SendPTY)+BUFSIZE)
}

// Scenario 5: a payload containing SLIP special bytes survives the round
// trip through the real Encoder/Decoder pair sitting inside the Controller.
func TestControllerEscapeRoundTrip(t *testing.T) {
	payload := []byte{0xC0, 0xDB, 'a', 0xC0}
	resp := framed(SendPTY, payload)
	tr := newScripted(resp)

	// Controller.SendPTY doesn't return the ack payload, so decode the
	// request frame this call produces and confirm it escaped correctly.
	require.NoError(t, NewController(tr).SendPTY(payload))
	decoded, err := NewDecoder(&scripted{in: tr.sent[0]}).Decode()
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte(nil), SendPTY...), payload...), decoded)
}

// Scenario 6: watchdog recovery re-probes with GET_CAPS and succeeds. The
// straightforward success path is just GetCaps over a scripted response
// (TestControllerGetCaps already covers that); what's specific to recovery is
// the watchdog deadline itself, so this exercises that: a request whose
// response never arrives within SetTimeout's window surfaces
// transport.ErrTimeout, the error bridge.recover() is built to detect,
// instead of hanging -- with the deadline enforced by the blocking Recv call
// itself, not by a second goroutine racing it.
func TestControllerRequestTimesOutViaTransportDeadline(t *testing.T) {
	tr := &stallingTransport{}
	ctrl := NewController(tr)
	ctrl.SetTimeout(5 * time.Millisecond)

	start := time.Now()
	_, err := ctrl.GetCaps()
	elapsed := time.Since(start)

	require.ErrorIs(t, err, transport.ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 5*time.Millisecond)
	assert.NotNil(t, tr.armed, "Controller must call SetDeadline before blocking on Recv")
}

// A recovery probe that completes within the deadline succeeds normally and
// restores the exact GetCaps behavior already covered by
// TestControllerGetCaps; SetTimeout must not change well-behaved request
// handling.
func TestControllerRequestWithinDeadlineSucceeds(t *testing.T) {
	resp := framed(GetCaps, []byte("vt52 uterm"))
	tr := newScripted(resp)
	ctrl := NewController(tr)
	ctrl.SetTimeout(5 * time.Second)

	banner, err := ctrl.GetCaps()
	require.NoError(t, err)
	assert.Equal(t, "vt52 uterm", banner)
}

// stallingTransport's Recv blocks until the deadline set via SetDeadline has
// passed and then returns transport.ErrTimeout itself, modeling how a real
// net.Conn or serial line cuts off the blocking call it was already inside --
// the mechanism that replaces racing a helper goroutine against time.After.
// armed keeps the last non-zero deadline, since the Controller disarms the
// deadline (SetDeadline with the zero Time) once the request returns.
type stallingTransport struct {
	deadline *time.Time
	armed    *time.Time
}

func (s *stallingTransport) Send([]byte) error { return nil }

func (s *stallingTransport) Recv(int) ([]byte, error) {
	if s.deadline != nil {
		time.Sleep(time.Until(*s.deadline) + time.Millisecond)
	}
	return nil, transport.ErrTimeout
}

func (s *stallingTransport) SetDeadline(t time.Time) error {
	if t.IsZero() {
		s.deadline = nil
		return nil
	}
	s.deadline = &t
	s.armed = &t
	return nil
}

func (s *stallingTransport) Close() error { return nil }

func TestControllerSigIntSendsOnlyOneFrame(t *testing.T) {
	tr := newScripted()
	require.NoError(t, NewController(tr).SigInt())
	require.Len(t, tr.sent, 1)
	decoded, err := NewDecoder(&scripted{in: tr.sent[0]}).Decode()
	require.NoError(t, err)
	assert.Equal(t, SigInt, decoded)
}
