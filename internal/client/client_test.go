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

package client

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/longr59/whatsminer-api-3/internal/codec"
	"github.com/longr59/whatsminer-api-3/internal/testing/fakeminer"
	"github.com/longr59/whatsminer-api-3/internal/transport"
)

type ClientTestSuite struct {
	suite.Suite
	miner  *fakeminer.Miner
	client *Client
}

// TestClientTestSuite runs the Client against an in-process fake device.
func TestClientTestSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}

// SetupTest starts a fresh device and connects a new Client to it.
func (s *ClientTestSuite) SetupTest() {
	s.miner = fakeminer.New(s.T())
	s.client = New(s.miner.Addr(), "super", "super",
		WithExchangeTimeout(2*time.Second))

	s.Require().NoError(s.client.Connect(context.Background()))
}

func (s *ClientTestSuite) TearDownTest() {
	s.NoError(s.client.Close())
}

func writeFrame(conn net.Conn, body []byte) {
	header := make([]byte, transport.HeaderSize)
	binary.LittleEndian.PutUint32(header, uint32(len(body)))

	//nolint:errcheck // the peer decides what happens next
	conn.Write(append(header, body...))
}

func (s *ClientTestSuite) TestHandshake() {
	info, err := s.client.Handshake(context.Background())
	s.Require().NoError(err)

	s.Equal("ab12cd34", info.Salt)
	s.Equal("ab12cd34", s.client.Salt())
	s.Equal("HTM1000001", info.Miner.MinerSN)

	requests := s.miner.Requests()
	s.Require().Len(requests, 1)
	s.Equal(codec.CmdGetDeviceInfo, requests[0].Envelope.Cmd)
	s.False(requests[0].Envelope.Authenticated())
}

func (s *ClientTestSuite) TestSetWithoutSalt() {
	_, err := s.client.Set(context.Background(), "set.miner.service", "restart")
	s.ErrorIs(err, ErrNoSalt)

	_, err = s.client.SetEncrypted(context.Background(), "set.miner.pools", []byte("[]"))
	s.ErrorIs(err, ErrNoSalt)

	s.Empty(s.miner.Requests(), "nothing must reach the device")
}

func (s *ClientTestSuite) TestSetAuthenticated() {
	_, err := s.client.Handshake(context.Background())
	s.Require().NoError(err)

	resp, err := s.client.Set(context.Background(), "set.miner.service", "restart")
	s.Require().NoError(err)
	s.True(resp.OK())
	s.Equal("ok", resp.Message())

	requests := s.miner.Requests()
	s.Require().Len(requests, 2)

	env := requests[1].Envelope
	s.Equal("set.miner.service", env.Cmd)
	s.Equal("super", env.Account)
	s.Len(env.Token, codec.TokenLength)
	s.JSONEq(`"restart"`, string(requests[1].Param))
}

func (s *ClientTestSuite) TestSetEncrypted() {
	_, err := s.client.Handshake(context.Background())
	s.Require().NoError(err)

	plaintext := []byte(`{"account": "super", "old": "super", "new": "hunter2"}`)

	_, err = s.client.SetEncrypted(context.Background(), "set.user.change_passwd", plaintext)
	s.Require().NoError(err)

	requests := s.miner.Requests()
	s.Require().Len(requests, 2)
	s.Equal(plaintext, requests[1].Plaintext)
	s.NotContains(string(requests[1].Param), "hunter2")
}

func (s *ClientTestSuite) TestDeviceErrorKeepsConnection() {
	s.miner.Handle("set.miner.fastboot", func(fakeminer.Request) (int, any) {
		return -3, "invalid param"
	})

	_, err := s.client.Handshake(context.Background())
	s.Require().NoError(err)

	resp, err := s.client.Set(context.Background(), "set.miner.fastboot", "maybe")

	var derr *DeviceError
	s.Require().ErrorAs(err, &derr)
	s.Equal(-3, derr.Code)
	s.Equal("invalid param", derr.Msg)
	s.Equal("set.miner.fastboot", derr.Cmd)
	s.Require().NotNil(resp)
	s.Equal(-3, resp.Code)
	s.False(Reconnectable(err))

	_, err = s.client.Get(context.Background(), "get.miner.status", "summary")
	s.NoError(err)
	s.Equal(1, s.miner.Connections())
}

// TestSaltRotation checks that a rotated salt only invalidates tokens until
// the next handshake.
func (s *ClientTestSuite) TestSaltRotation() {
	_, err := s.client.Handshake(context.Background())
	s.Require().NoError(err)

	s.miner.SetSalt("ef567890")

	_, err = s.client.Set(context.Background(), "set.system.reboot", nil)

	var derr *DeviceError
	s.Require().ErrorAs(err, &derr)
	s.Equal(fakeminer.CodeInvalidToken, derr.Code)

	_, err = s.client.Handshake(context.Background())
	s.Require().NoError(err)
	s.Equal("ef567890", s.client.Salt())

	_, err = s.client.Set(context.Background(), "set.system.reboot", nil)
	s.NoError(err)
}

func (s *ClientTestSuite) TestWrongPassword() {
	c := New(s.miner.Addr(), "super", "wrong")
	s.Require().NoError(c.Connect(context.Background()))

	defer c.Close()

	_, err := c.Handshake(context.Background())
	s.Require().NoError(err)

	_, err = c.Set(context.Background(), "set.miner.service", "stop")

	var derr *DeviceError
	s.Require().ErrorAs(err, &derr)
	s.Equal(fakeminer.CodeInvalidToken, derr.Code)
}

func (s *ClientTestSuite) TestMalformedResponse() {
	s.miner.HandleRaw("get.miner.status", func(conn net.Conn) {
		writeFrame(conn, []byte("summary=ok"))
	})

	_, err := s.client.Get(context.Background(), "get.miner.status", "summary")
	s.True(transport.IsProtocolError(err, transport.ReasonMalformed), err)
	s.ErrorIs(err, codec.ErrMalformedResponse)
	s.True(Reconnectable(err))

	_, err = s.client.Get(context.Background(), codec.CmdGetDeviceInfo, nil)
	s.ErrorIs(err, ErrNotConnected)

	s.Require().NoError(s.client.Connect(context.Background()))
	s.Empty(s.client.Salt(), "salt belongs to the previous connection")

	_, err = s.client.Handshake(context.Background())
	s.NoError(err)
	s.Equal(2, s.miner.Connections())
}

func (s *ClientTestSuite) TestHandshakeWithoutSalt() {
	s.miner.Handle(codec.CmdGetDeviceInfo, func(fakeminer.Request) (int, any) {
		return 0, map[string]any{"miner": map[string]any{"type": "M50S"}}
	})

	_, err := s.client.Handshake(context.Background())
	s.True(transport.IsProtocolError(err, transport.ReasonMalformed), err)
	s.ErrorIs(err, codec.ErrMalformedResponse)
	s.EqualError(err, "protocol error: malformed response: no salt in get.device.info")
	s.True(Reconnectable(err))
	s.Empty(s.client.Salt())

	_, err = s.client.Get(context.Background(), codec.CmdGetDeviceInfo, nil)
	s.ErrorIs(err, ErrNotConnected)

	s.miner.Handle(codec.CmdGetDeviceInfo, nil)
	s.Require().NoError(s.client.Connect(context.Background()))
	s.Equal(2, s.miner.Connections())

	_, err = s.client.Handshake(context.Background())
	s.NoError(err)
	s.NotEmpty(s.client.Salt())
}

func (s *ClientTestSuite) TestFramingViolations() {
	testcases := map[string]struct {
		raw    fakeminer.RawHandler
		reason string
	}{
		"oversized": {
			raw: func(conn net.Conn) {
				header := make([]byte, transport.HeaderSize)
				binary.LittleEndian.PutUint32(header, transport.MaxResponseSize+1)
				//nolint:errcheck // test
				conn.Write(header)
				//nolint:errcheck // test
				io.Copy(io.Discard, conn)
			},
			reason: transport.ReasonOversized,
		},
		"truncated": {
			raw: func(conn net.Conn) {
				header := make([]byte, transport.HeaderSize)
				binary.LittleEndian.PutUint32(header, 10)
				//nolint:errcheck // test
				conn.Write(append(header, '{', '"', 'c'))
			},
			reason: transport.ReasonTruncated,
		},
		"silent": {
			raw: func(conn net.Conn) {
				//nolint:errcheck // test
				io.Copy(io.Discard, conn)
			},
			reason: transport.ReasonTimeout,
		},
	}

	for name, tc := range testcases {
		s.Run(name, func() {
			miner := fakeminer.New(s.T())
			miner.HandleRaw("get.miner.status", tc.raw)

			c := New(miner.Addr(), "super", "super", WithExchangeTimeout(200*time.Millisecond))
			s.Require().NoError(c.Connect(context.Background()))

			defer c.Close()

			_, err := c.Get(context.Background(), "get.miner.status", "summary")
			s.True(transport.IsProtocolError(err, tc.reason), "%s: %v", name, err)

			_, err = c.Get(context.Background(), "get.miner.status", "summary")
			s.ErrorIs(err, ErrNotConnected)
		})
	}
}

func (s *ClientTestSuite) TestContextCanceled() {
	s.miner.HandleRaw("get.miner.status", func(conn net.Conn) {
		//nolint:errcheck // test
		io.Copy(io.Discard, conn)
	})

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := s.client.Get(ctx, "get.miner.status", "summary")
	s.True(transport.IsProtocolError(err, transport.ReasonCanceled), err)
	s.ErrorIs(err, context.Canceled)
}

func (s *ClientTestSuite) TestConnectIdempotent() {
	s.NoError(s.client.Connect(context.Background()))
	s.Equal(1, s.miner.Connections())
}

func (s *ClientTestSuite) TestStats() {
	_, err := s.client.Handshake(context.Background())
	s.Require().NoError(err)

	_, err = s.client.Set(context.Background(), "set.miner.service", "restart")
	s.Require().NoError(err)

	stats := s.client.Stats()
	s.Equal(int64(2), stats.OK)
	s.Positive(stats.BytesSent)
	s.Positive(stats.BytesReceived)
}

func TestMaxResponseSize(t *testing.T) {
	miner := fakeminer.New(t)

	testcases := map[string]struct {
		size uint32
		fail bool
	}{
		"default":   {size: 0},
		"too small": {size: 16, fail: true},
	}

	for name, tc := range testcases {
		t.Run(name, func(t *testing.T) {
			c := New(miner.Addr(), "super", "super", WithMaxResponseSize(tc.size))
			require.NoError(t, c.Connect(context.Background()))

			defer c.Close()

			_, err := c.Handshake(context.Background())
			if !tc.fail {
				assert.NoError(t, err)
				return
			}

			assert.True(t, transport.IsProtocolError(err, transport.ReasonOversized))
			assert.True(t, Reconnectable(err))
		})
	}
}

func TestNotConnected(t *testing.T) {
	c := New("127.0.0.1:1", "super", "super")

	_, err := c.Get(context.Background(), codec.CmdGetDeviceInfo, nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = c.Handshake(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := New(addr, "super", "super", WithDialTimeout(time.Second))

	err = c.Connect(context.Background())

	var cerr *transport.ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "dial", cerr.Op)
	assert.True(t, Reconnectable(err))
}

func TestEndpoint(t *testing.T) {
	testcases := map[string]struct {
		host string
		port int
		out  string
	}{
		"default port": {
			host: "10.0.0.5",
			out:  "10.0.0.5:4433",
		},
		"custom port": {
			host: "miner.local",
			port: 14433,
			out:  "miner.local:14433",
		},
		"ipv6": {
			host: "fd00::5",
			out:  "[fd00::5]:4433",
		},
	}

	for name, tc := range testcases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.out, Endpoint(tc.host, tc.port))
		})
	}
}

func TestClock(t *testing.T) {
	miner := fakeminer.New(t)

	c := New(miner.Addr(), "super", "super", WithClock(func() time.Time {
		return time.Unix(1700000000, 0)
	}))
	require.NoError(t, c.Connect(context.Background()))

	defer c.Close()

	_, err := c.Handshake(context.Background())
	require.NoError(t, err)

	_, err = c.Set(context.Background(), "set.miner.service", "restart")
	require.NoError(t, err)

	requests := miner.Requests()
	require.Len(t, requests, 2)
	assert.Equal(t, int64(1700000000), requests[1].Envelope.TS)
	assert.Equal(t, "07k4sZ5A", requests[1].Envelope.Token)
}

func TestMeter(t *testing.T) {
	miner := fakeminer.New(t)
	miner.Handle("set.miner.fastboot", func(fakeminer.Request) (int, any) {
		return -3, "invalid param"
	})

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	c := New(miner.Addr(), "super", "super", WithMeter(provider.Meter("test")))
	require.NoError(t, c.Connect(context.Background()))

	defer c.Close()

	_, err := c.Handshake(context.Background())
	require.NoError(t, err)

	_, err = c.Set(context.Background(), "set.miner.fastboot", "maybe")
	require.Error(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	results := make(map[string]int64)
	names := make([]string, 0)

	for _, m := range rm.ScopeMetrics[0].Metrics {
		names = append(names, m.Name)

		if m.Name != "minerapi.exchanges" {
			continue
		}

		sum, ok := m.Data.(metricdata.Sum[int64])
		require.True(t, ok)

		for _, dp := range sum.DataPoints {
			v, _ := dp.Attributes.Value("result")
			results[v.AsString()] = dp.Value
		}
	}

	assert.ElementsMatch(t, []string{
		"minerapi.exchanges", "minerapi.bytes", "minerapi.exchange.duration",
	}, names)
	assert.Equal(t, int64(1), results[resultOK])
	assert.Equal(t, int64(1), results[resultDeviceError])
}
