// Copyright (c) 2023-2024 Canonical Ltd
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// HeaderSize is the size of the little-endian length prefix.
	HeaderSize = 4
	// MaxResponseSize is the largest response body a Framer accepts.
	MaxResponseSize = 8192
)

// Framer exchanges length-prefixed frames over a single stream connection.
// Only one exchange can be in flight at a time.
type Framer struct {
	conn      net.Conn
	dialer    *net.Dialer
	addr      string
	timeout   time.Duration
	maxSize   uint32
	mu        sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

// Option allows to set additional Framer options
type Option func(*Framer)

// WithTimeout sets a deadline applied to every Exchange in addition to the
// deadline of the context passed to it. Zero disables it (default).
func WithTimeout(d time.Duration) Option {
	return func(f *Framer) {
		f.timeout = d
	}
}

// WithMaxResponseSize overrides the response ceiling
// (default: MaxResponseSize)
func WithMaxResponseSize(n uint32) Option {
	return func(f *Framer) {
		f.maxSize = n
	}
}

// WithDialer sets a custom dialer used by Dial
func WithDialer(d *net.Dialer) Option {
	return func(f *Framer) {
		f.dialer = d
	}
}

func newFramer(opts ...Option) *Framer {
	f := &Framer{
		dialer:  &net.Dialer{},
		maxSize: MaxResponseSize,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Dial connects to the device listening on addr (host:port) and returns a
// Framer owning the new connection.
func Dial(ctx context.Context, addr string, opts ...Option) (*Framer, error) {
	f := newFramer(opts...)

	conn, err := f.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Addr: addr, Err: err}
	}

	f.conn = conn
	f.addr = addr

	return f, nil
}

// NewFramer returns a Framer on top of an already established connection.
func NewFramer(conn net.Conn, opts ...Option) *Framer {
	f := newFramer(opts...)
	f.conn = conn

	if addr := conn.RemoteAddr(); addr != nil {
		f.addr = addr.String()
	}

	return f
}

// Addr returns the remote address of the connection.
func (f *Framer) Addr() string {
	return f.addr
}

// Closed reports whether the Framer was closed, explicitly or after a
// failed exchange.
func (f *Framer) Closed() bool {
	return f.closed.Load()
}

// Send writes the header and the payload verbatim. It blocks until the
// write completes and never retries.
func (f *Framer) Send(payload []byte) error {
	if f.closed.Load() {
		return ErrClosed
	}

	if uint64(len(payload)) > math.MaxUint32 {
		return ErrPayloadTooLarge
	}

	// Header and payload go out in a single write, so a peer never observes
	// a header without at least the start of its body.
	frame := make([]byte, HeaderSize, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame, uint32(len(payload)))
	frame = append(frame, payload...)

	if _, err := f.conn.Write(frame); err != nil {
		return f.ioError("write", err)
	}

	return nil
}

// Receive reads one frame and returns its body. It never returns fewer or
// more bytes than the header declares.
func (f *Framer) Receive() ([]byte, error) {
	if f.closed.Load() {
		return nil, ErrClosed
	}

	var header [HeaderSize]byte

	n, err := io.ReadFull(f.conn, header[:])
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &ProtocolError{
				Reason: ReasonTruncated,
				Err:    fmt.Errorf("got %d of %d header bytes", n, HeaderSize),
			}
		}

		return nil, f.ioError("read", err)
	}

	size := binary.LittleEndian.Uint32(header[:])
	if size > f.maxSize {
		return nil, &ProtocolError{
			Reason: ReasonOversized,
			Err:    fmt.Errorf("declared length %d exceeds %d", size, f.maxSize),
		}
	}

	body := make([]byte, size)

	n, err = io.ReadFull(f.conn, body)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &ProtocolError{
				Reason: ReasonTruncated,
				Err:    fmt.Errorf("got %d of %d bytes", n, size),
			}
		}

		return nil, f.ioError("read", err)
	}

	return body, nil
}

// Exchange sends payload and waits for the matching response. Any failure
// closes the Framer, because the stream may be left in the middle of a
// frame and responses carry nothing to resynchronise on.
func (f *Framer) Exchange(ctx context.Context, payload []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed.Load() {
		return nil, ErrClosed
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := f.conn.SetDeadline(f.deadline(ctx)); err != nil {
		f.fail()
		return nil, &ConnectionError{Op: "set deadline", Addr: f.addr, Err: err}
	}

	// Unblock pending I/O as soon as the context is done. A callback that
	// already started must finish before the next Exchange sets its own
	// deadline.
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)

		//nolint:errcheck // the pending read or write reports the failure
		_ = f.conn.SetDeadline(time.Unix(1, 0))
	})

	defer func() {
		if !stop() {
			<-fired
		}
	}()

	resp, err := f.exchange(payload)
	if err != nil {
		f.fail()

		if ctxErr := ctx.Err(); ctxErr != nil && isTimeout(err) {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, &ProtocolError{Reason: ReasonTimeout, Err: ctxErr}
			}

			return nil, &ProtocolError{Reason: ReasonCanceled, Err: ctxErr}
		}

		return nil, err
	}

	return resp, nil
}

func (f *Framer) exchange(payload []byte) ([]byte, error) {
	if err := f.Send(payload); err != nil {
		return nil, err
	}

	return f.Receive()
}

// Close shuts down both directions of the connection and releases it.
// It is safe to call more than once and never reports an error.
func (f *Framer) Close() error {
	f.closeOnce.Do(func() {
		f.closed.Store(true)

		if f.conn == nil {
			return
		}

		if c, ok := f.conn.(interface{ CloseWrite() error }); ok {
			//nolint:errcheck // best effort
			_ = c.CloseWrite()
		}

		if c, ok := f.conn.(interface{ CloseRead() error }); ok {
			//nolint:errcheck // best effort
			_ = c.CloseRead()
		}

		if err := f.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Debug().Err(err).Str("addr", f.addr).Msg("Closing connection")
		}
	})

	return nil
}

func (f *Framer) fail() {
	//nolint:errcheck // Close never fails
	_ = f.Close()
}

func (f *Framer) deadline(ctx context.Context) time.Time {
	var deadline time.Time

	if f.timeout > 0 {
		deadline = time.Now().Add(f.timeout)
	}

	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}

	return deadline
}

func (f *Framer) ioError(op string, err error) error {
	if isTimeout(err) {
		return &ProtocolError{Reason: ReasonTimeout, Err: err}
	}

	return &ConnectionError{Op: op, Addr: f.addr, Err: err}
}

func isTimeout(err error) bool {
	var nerr net.Error

	return errors.As(err, &nerr) && nerr.Timeout()
}
