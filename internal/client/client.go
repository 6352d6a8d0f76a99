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

// Package client provides a session with a single Whatsminer device: it
// owns one connection, performs the salt handshake and issues commands
// built by the codec package.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/longr59/whatsminer-api-3/internal/codec"
	"github.com/longr59/whatsminer-api-3/internal/transport"
)

const (
	// DefaultPort is the TCP port of the API v3 service.
	DefaultPort = 4433

	defaultDialTimeout     = 10 * time.Second
	defaultExchangeTimeout = 10 * time.Second
)

// DialFunc establishes the framed connection of a Client.
type DialFunc func(ctx context.Context, addr string, opts ...transport.Option) (*transport.Framer, error)

// BuildFunc builds an envelope with the codec of the session.
type BuildFunc func(c *codec.Codec) (codec.Envelope, error)

// Client is a session with one device. Exchanges are serialised, there is
// never more than one request in flight per connection.
type Client struct {
	dial            DialFunc
	framer          *transport.Framer
	codec           *codec.Codec
	tracer          trace.Tracer
	instruments     *instruments
	logger          zerolog.Logger
	stats           exchangeStats
	id              string
	addr            string
	codecOpts       []codec.Option
	dialTimeout     time.Duration
	exchangeTimeout time.Duration
	maxSize         uint32
	mu              sync.Mutex
}

// Option allows to set additional Client options
type Option func(*Client)

// WithDialTimeout sets the upper bound for establishing the connection
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.dialTimeout = d
	}
}

// WithExchangeTimeout sets the upper bound for a single request/response
// exchange. It is applied on top of any context deadline.
func WithExchangeTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.exchangeTimeout = d
	}
}

// WithMaxResponseSize sets the largest response body accepted. Zero keeps
// the default (transport.MaxResponseSize).
func WithMaxResponseSize(n uint32) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

// WithClock sets the clock used for envelope timestamps
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.codecOpts = append(c.codecOpts, codec.WithClock(now))
	}
}

// WithLogger sets the logger, session fields are added to it
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTracer sets the tracer used to create a span per exchange
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) {
		c.tracer = tracer
	}
}

// WithDialFunc replaces transport.Dial
func WithDialFunc(fn DialFunc) Option {
	return func(c *Client) {
		c.dial = fn
	}
}

// Endpoint joins host and port. Port 0 means DefaultPort.
func Endpoint(host string, port int) string {
	if port == 0 {
		port = DefaultPort
	}

	return net.JoinHostPort(host, strconv.Itoa(port))
}

// New returns a Client for the device at addr (host:port). No connection
// is made until Connect.
func New(addr, account, password string, opts ...Option) *Client {
	c := &Client{
		id:              uuid.NewString(),
		addr:            addr,
		dial:            transport.Dial,
		tracer:          tracenoop.NewTracerProvider().Tracer(""),
		logger:          log.Logger,
		dialTimeout:     defaultDialTimeout,
		exchangeTimeout: defaultExchangeTimeout,
		maxSize:         transport.MaxResponseSize,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.codec = codec.New(account, password, c.codecOpts...)
	c.logger = c.logger.With().Str("session", c.id).Str("addr", addr).Logger()

	return c
}

// ID returns the session identifier used in logs and spans.
func (c *Client) ID() string {
	return c.id
}

// Addr returns the device endpoint.
func (c *Client) Addr() string {
	return c.addr
}

// Stats returns a snapshot of the exchange counters.
func (c *Client) Stats() Stats {
	return c.stats.snapshot()
}

// Salt returns the salt obtained by the last successful Handshake.
func (c *Client) Salt() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.codec.Salt()
}

// Connect opens the connection. It is a no-op while a connection is open.
// A closed connection is replaced by a new one, the salt is cleared since
// it belongs to the previous session.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.framer != nil && !c.framer.Closed() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	framer, err := c.dial(ctx, c.addr,
		transport.WithTimeout(c.exchangeTimeout),
		transport.WithMaxResponseSize(c.maxSize),
	)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Connect failed")
		return err
	}

	c.framer = framer
	c.codec.SetSalt("")

	c.logger.Debug().Msg("Connected")

	return nil
}

// Close releases the connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.framer == nil {
		return nil
	}

	err := c.framer.Close()
	c.framer = nil
	c.codec.SetSalt("")

	c.logger.Debug().Msg("Closed")

	return err
}

// Handshake sends get.device.info and stores the salt from the response.
// It can be run again at any time to refresh the salt.
func (c *Client) Handshake(ctx context.Context) (*codec.DeviceInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.do(ctx, c.codec.BuildPlain(codec.CmdGetDeviceInfo, nil))
	if err != nil {
		return nil, err
	}

	info, err := codec.DecodeDeviceInfo(resp)
	if err == nil && info.Salt == "" {
		err = fmt.Errorf("%w: no salt in %s", codec.ErrMalformedResponse, codec.CmdGetDeviceInfo)
	}

	if err != nil {
		//nolint:errcheck // Close always returns nil
		c.framer.Close()

		return nil, &transport.ProtocolError{Reason: transport.ReasonMalformed, Err: err}
	}

	c.codec.SetSalt(info.Salt)
	c.logger.Debug().Str("type", info.Miner.Type).Msg("Handshake completed")

	return info, nil
}

// Get issues an unauthenticated command.
func (c *Client) Get(ctx context.Context, cmd string, param any) (*codec.Response, error) {
	return c.Exec(ctx, func(cd *codec.Codec) (codec.Envelope, error) {
		return cd.BuildPlain(cmd, param), nil
	})
}

// Set issues an authenticated command with a plain parameter.
func (c *Client) Set(ctx context.Context, cmd string, param any) (*codec.Response, error) {
	return c.Exec(ctx, func(cd *codec.Codec) (codec.Envelope, error) {
		return cd.BuildAuthenticatedPlain(cmd, param), nil
	})
}

// SetEncrypted issues an authenticated command whose parameter is the
// encrypted plaintext.
func (c *Client) SetEncrypted(ctx context.Context, cmd string, plaintext []byte) (*codec.Response, error) {
	return c.Exec(ctx, func(cd *codec.Codec) (codec.Envelope, error) {
		return cd.BuildAuthenticatedEncrypted(cmd, plaintext)
	})
}

// Exec builds an envelope with the session codec and sends it. Building
// and sending happen under the same lock so the envelope timestamp is as
// close as possible to the exchange.
func (c *Client) Exec(ctx context.Context, build BuildFunc) (*codec.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.framer == nil || c.framer.Closed() {
		return nil, ErrNotConnected
	}

	env, err := build(c.codec)
	if err != nil {
		return nil, err
	}

	return c.do(ctx, env)
}

// Do sends a prebuilt envelope.
func (c *Client) Do(ctx context.Context, env codec.Envelope) (*codec.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.do(ctx, env)
}

// do performs one exchange. A non-zero code yields *DeviceError along with
// the response. A response that cannot be decoded closes the connection
// since the stream cannot be trusted anymore.
func (c *Client) do(ctx context.Context, env codec.Envelope) (resp *codec.Response, err error) {
	if c.framer == nil || c.framer.Closed() {
		return nil, ErrNotConnected
	}

	if env.Authenticated() && !c.codec.HasSalt() {
		return nil, ErrNoSalt
	}

	ctx, span := c.tracer.Start(ctx, env.Cmd,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("minerapi.session", c.id),
			attribute.String("minerapi.addr", c.addr),
			attribute.Bool("minerapi.authenticated", env.Authenticated()),
			attribute.Bool("minerapi.encrypted", env.Encrypted),
		),
	)

	start := time.Now()

	var sent, received int

	defer func() {
		result := resultOf(err)
		c.stats.record(result, sent, received)

		if c.instruments != nil {
			c.instruments.record(ctx, result, sent, received, time.Since(start).Seconds())
		}

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, result)
		}

		span.End()

		c.logger.Debug().Err(err).
			Stringer("request", env).
			Int("sent", sent).
			Int("received", received).
			Dur("duration", time.Since(start)).
			Msg("Exchange")
	}()

	req, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", env.Cmd, err)
	}

	sent = transport.HeaderSize + len(req)

	data, err := c.framer.Exchange(ctx, req)
	if err != nil {
		return nil, err
	}

	received = transport.HeaderSize + len(data)

	resp, err = codec.DecodeResponse(data)
	if err != nil {
		//nolint:errcheck // Close always returns nil
		c.framer.Close()

		return nil, &transport.ProtocolError{Reason: transport.ReasonMalformed, Err: err}
	}

	if !resp.OK() {
		return resp, &DeviceError{Cmd: env.Cmd, Code: resp.Code, Msg: resp.Message()}
	}

	return resp, nil
}
