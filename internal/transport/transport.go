// Package transport drives one request/response exchange at a time over
// the ECM's byte stream. The wire protocol has no request identifiers,
// so a second in-flight request would corrupt response matching; the
// transport serializes all callers behind one mutex.
package transport

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ecmlink/ecmlink/internal/pdu"
)

// DefaultTimeout bounds each stage of a response read.
const DefaultTimeout = 1 * time.Second

// maxFrame is the largest possible frame: 6 header bytes, 255 payload
// bytes and the checksum.
const maxFrame = 6 + 255 + 1

// NotAcknowledgedError reports that the ECM explicitly refused a request.
// It is a module-level refusal, not a transport fault; the connection
// remains usable.
type NotAcknowledgedError struct {
	Indicator byte
}

func (e *NotAcknowledgedError) Error() string {
	return fmt.Sprintf("transport: request not acknowledged by ECM (error code %d)", e.Indicator)
}

// Transport sends PDUs and receives their correlated responses.
type Transport struct {
	mu      sync.Mutex
	rw      io.ReadWriter
	timeout time.Duration
	rbuf    [maxFrame]byte
}

// New wraps an open bidirectional byte stream. The stream's Read must
// return pending bytes without blocking indefinitely (see ReadExact).
func New(rw io.ReadWriter) *Transport {
	return &Transport{rw: rw, timeout: DefaultTimeout}
}

// SetTimeout overrides the per-stage response read timeout.
func (t *Transport) SetTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d > 0 {
		t.timeout = d
	}
}

// Request writes one PDU and reads exactly one response. A response that
// does not acknowledge the request fails with *NotAcknowledgedError.
func (t *Transport) Request(p *pdu.PDU) (*pdu.PDU, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.rw.Write(p.Bytes()); err != nil {
		return nil, fmt.Errorf("transport: write: %w", err)
	}
	resp, err := t.receive()
	if err != nil {
		return nil, err
	}
	if !resp.IsACK() {
		return nil, &NotAcknowledgedError{Indicator: resp.ErrorIndicator()}
	}
	return resp, nil
}

// receive performs the two-stage read: a fixed 6-byte header window to
// learn the declared payload length, then exactly length+1 more bytes.
func (t *Transport) receive() (*pdu.PDU, error) {
	buf := t.rbuf[:]
	if _, err := ReadExact(t.rw, buf[:6], t.timeout); err != nil {
		return nil, err
	}
	if buf[0] != pdu.SOH || buf[4] != pdu.EOH || buf[5] != pdu.SOT {
		return nil, fmt.Errorf("%w: % X", pdu.ErrInvalidHeader, buf[:6])
	}
	dlen := int(buf[3])
	if _, err := ReadExact(t.rw, buf[6:6+dlen+1], t.timeout); err != nil {
		return nil, err
	}
	resp, err := pdu.Parse(buf[:6+dlen+1])
	if err != nil {
		return nil, err
	}
	return resp, nil
}
