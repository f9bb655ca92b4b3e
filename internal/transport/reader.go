package transport

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrTimeout is returned when a read could not be satisfied within its
// timeout budget. The bytes read so far are left in the buffer.
var ErrTimeout = errors.New("transport: read timeout")

// pollInterval is how long the reader sleeps when the stream has no
// pending bytes. The timeout budget is decremented per sleep.
const pollInterval = 10 * time.Millisecond

// ReadExact fills buf from r within the given timeout budget.
//
// The stream is expected to behave like a serial port with a short read
// timeout: Read returns whatever bytes are currently pending, or (0, nil)
// when there are none. ReadExact drains everything available per wake-up
// and sleeps in fixed pollInterval steps otherwise. An end-of-stream or
// I/O error is fatal and distinct from ErrTimeout.
func ReadExact(r io.Reader, buf []byte, timeout time.Duration) (int, error) {
	read := 0
	budget := timeout
	for read < len(buf) {
		n, err := r.Read(buf[read:])
		read += n
		if err != nil {
			if err == io.EOF {
				return read, fmt.Errorf("transport: stream closed after %d/%d bytes: %w",
					read, len(buf), io.ErrUnexpectedEOF)
			}
			return read, fmt.Errorf("transport: read after %d/%d bytes: %w", read, len(buf), err)
		}
		if n == 0 && read < len(buf) {
			if budget <= 0 {
				return read, fmt.Errorf("%w: read %d of %d bytes", ErrTimeout, read, len(buf))
			}
			time.Sleep(pollInterval)
			budget -= pollInterval
		}
	}
	return read, nil
}
