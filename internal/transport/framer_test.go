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
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// header returns a raw little-endian length prefix.
func header(n uint32) []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b, n)

	return b
}

func TestSendReceive(t *testing.T) {
	testcases := map[string]struct {
		in []byte
	}{
		"empty": {
			in: []byte{},
		},
		"one byte": {
			in: []byte("{"),
		},
		"block aligned": {
			in: bytes.Repeat([]byte("a"), 16),
		},
		"device info request": {
			in: []byte(`{"cmd":"get.device.info","param":null}`),
		},
		"ceiling": {
			in: bytes.Repeat([]byte("x"), MaxResponseSize),
		},
	}

	for name, tc := range testcases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			client, server := net.Pipe()
			defer client.Close()
			defer server.Close()

			sender := NewFramer(client)
			errc := make(chan error, 1)

			go func() {
				errc <- sender.Send(tc.in)
			}()

			// Read the header by hand first to check what is on the wire.
			raw := make([]byte, HeaderSize)
			_, err := io.ReadFull(server, raw)
			require.NoError(t, err)
			assert.Equal(t, uint32(len(tc.in)), binary.LittleEndian.Uint32(raw))

			body := make([]byte, len(tc.in))
			_, err = io.ReadFull(server, body)
			require.NoError(t, err)
			assert.Equal(t, tc.in, body)
			require.NoError(t, <-errc)
		})
	}
}

func TestReceiveRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 15, 16, 17, 1000, MaxResponseSize} {
		client, server := net.Pipe()

		payload := bytes.Repeat([]byte{'z'}, size)

		go func() {
			//nolint:errcheck // checked by the receiving side
			_ = NewFramer(server).Send(payload)
		}()

		got, err := NewFramer(client).Receive()
		require.NoError(t, err)
		assert.Equal(t, payload, got)

		client.Close()
		server.Close()
	}
}

func TestReceiveOversized(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		//nolint:errcheck // pipe is closed by the test
		server.Write(header(MaxResponseSize + 1))
	}()

	// A receiver that tried to read the body would block here, the deadline
	// turns that into a timeout instead of a hanging test.
	require.NoError(t, client.SetDeadline(time.Now().Add(2*time.Second)))

	_, err := NewFramer(client).Receive()

	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ReasonOversized, perr.Reason)
}

func TestReceiveTruncated(t *testing.T) {
	testcases := map[string]struct {
		in []byte
	}{
		"body": {
			in: append(header(10), []byte("abc")...),
		},
		"header": {
			in: []byte{0x0a, 0x00},
		},
	}

	for name, tc := range testcases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			client, server := net.Pipe()
			defer client.Close()

			go func() {
				//nolint:errcheck // closing below is what the test is about
				server.Write(tc.in)
				server.Close()
			}()

			got, err := NewFramer(client).Receive()
			assert.Nil(t, got)
			assert.True(t, IsProtocolError(err, ReasonTruncated))
			assert.ErrorContains(t, err, "truncated")
		})
	}
}

func TestReceiveEOFBetweenFrames(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	server.Close()

	_, err := NewFramer(client).Receive()

	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, io.EOF)
}

func TestExchange(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		peer := NewFramer(server)

		req, err := peer.Receive()
		if err != nil {
			return
		}

		//nolint:errcheck // checked by the exchanging side
		peer.Send(append([]byte("echo:"), req...))
	}()

	resp, err := NewFramer(client).Exchange(context.Background(), []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, []byte("echo:ping"), resp)
}

// echo answers every request on conn until it is closed.
func echo(conn net.Conn) {
	peer := NewFramer(conn)

	for {
		req, err := peer.Receive()
		if err != nil {
			return
		}

		if err := peer.Send(req); err != nil {
			return
		}
	}
}

func TestExchangeCanceledWhileReturning(t *testing.T) {
	for i := 0; i < 200; i++ {
		client, server := net.Pipe()

		go echo(server)

		f := NewFramer(client)

		ctx, cancel := context.WithCancel(context.Background())
		go cancel()

		if _, err := f.Exchange(ctx, []byte("first")); err != nil {
			assert.ErrorIs(t, err, context.Canceled)
		} else {
			// A cancellation racing with a successful exchange must not
			// leave a deadline behind for the next one.
			resp, err := f.Exchange(context.Background(), []byte("second"))
			require.NoError(t, err, "iteration %d", i)
			assert.Equal(t, []byte("second"), resp)
		}

		cancel()
		client.Close()
		server.Close()
	}
}

func TestExchangeTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	go func() {
		// swallow the request and never answer
		//nolint:errcheck // test peer
		NewFramer(server).Receive()
	}()

	f := NewFramer(client, WithTimeout(50*time.Millisecond))

	_, err := f.Exchange(context.Background(), []byte("ping"))
	assert.True(t, IsProtocolError(err, ReasonTimeout))
	assert.True(t, f.Closed())

	_, err = f.Exchange(context.Background(), []byte("ping"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestExchangeContext(t *testing.T) {
	testcases := map[string]struct {
		ctx    func() (context.Context, context.CancelFunc)
		reason string
		err    error
	}{
		"deadline": {
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.Background(), 50*time.Millisecond)
			},
			reason: ReasonTimeout,
		},
		"canceled": {
			ctx: func() (context.Context, context.CancelFunc) {
				ctx, cancel := context.WithCancel(context.Background())
				time.AfterFunc(50*time.Millisecond, cancel)

				return ctx, cancel
			},
			reason: ReasonCanceled,
			err:    context.Canceled,
		},
	}

	for name, tc := range testcases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			client, server := net.Pipe()
			defer server.Close()

			go func() {
				//nolint:errcheck // test peer
				NewFramer(server).Receive()
			}()

			ctx, cancel := tc.ctx()
			defer cancel()

			f := NewFramer(client)

			_, err := f.Exchange(ctx, []byte("ping"))
			assert.True(t, IsProtocolError(err, tc.reason), "got %v", err)

			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
			}

			assert.True(t, f.Closed())
		})
	}
}

func TestProtocolErrorMessage(t *testing.T) {
	testcases := map[string]struct {
		err  *ProtocolError
		want string
	}{
		"reason only": {
			err:  &ProtocolError{Reason: ReasonTruncated},
			want: "protocol error: truncated response",
		},
		"with cause": {
			err:  &ProtocolError{Reason: ReasonOversized, Err: errors.New("declared length 9000 exceeds 8192")},
			want: "protocol error: oversized response: declared length 9000 exceeds 8192",
		},
		"cause repeats the reason": {
			err: &ProtocolError{
				Reason: ReasonMalformed,
				Err:    fmt.Errorf("%w: no salt", errors.New("malformed response")),
			},
			want: "protocol error: malformed response: no salt",
		},
	}

	for name, tc := range testcases {
		t.Run(name, func(t *testing.T) {
			assert.EqualError(t, tc.err, tc.want)
		})
	}
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = Dial(context.Background(), addr)

	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "dial", cerr.Op)
	assert.Equal(t, addr, cerr.Addr)
}

func TestDialExchangeTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}

		defer conn.Close()

		peer := NewFramer(conn)

		req, err := peer.Receive()
		if err != nil {
			return
		}

		//nolint:errcheck // checked by the exchanging side
		peer.Send(bytes.ToUpper(req))
	}()

	f, err := Dial(context.Background(), ln.Addr().String(), WithTimeout(time.Second))
	require.NoError(t, err)

	defer f.Close()

	resp, err := f.Exchange(context.Background(), []byte(`{"cmd":"get.device.info"}`))
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"CMD":"GET.DEVICE.INFO"}`), resp)
}

func TestCloseIdempotent(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	f := NewFramer(client)

	assert.NoError(t, f.Close())
	assert.NoError(t, f.Close())
	assert.True(t, f.Closed())

	// closing the underlying conn behind our back is tolerated too
	assert.NoError(t, client.Close())

	err := f.Send([]byte("late"))
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestMaxResponseSizeOption(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		//nolint:errcheck // checked by the receiving side
		NewFramer(server).Send([]byte("0123456789"))
	}()

	require.NoError(t, client.SetDeadline(time.Now().Add(2*time.Second)))

	_, err := NewFramer(client, WithMaxResponseSize(8)).Receive()
	assert.True(t, IsProtocolError(err, ReasonOversized))
}
