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

// Package fakeminer provides an in-process device speaking the API v3 wire
// format, for use in tests.
package fakeminer

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/longr59/whatsminer-api-3/internal/codec"
	"github.com/longr59/whatsminer-api-3/internal/transport"
)

// Device error codes returned by the fake.
const (
	CodeInvalidCommand = -1
	CodeInvalidToken   = -4
	CodeDecryptFailed  = -5
)

// Request is a request as seen by the fake device.
type Request struct {
	Envelope codec.Envelope
	// Plaintext is the decrypted param of encrypted commands.
	Plaintext []byte
	// Param is the decoded param of other commands.
	Param json.RawMessage
}

// Handler produces the code and msg of a response.
type Handler func(Request) (int, any)

// RawHandler takes over the connection for one request. It is used to
// produce responses that violate the framing.
type RawHandler func(conn net.Conn)

// Miner is a fake device listening on 127.0.0.1.
type Miner struct {
	ln        net.Listener
	handlers  map[string]Handler
	raw       map[string]RawHandler
	encrypted map[string]bool
	info      codec.MinerInfo
	account   string
	password  string
	salt      string
	requests  []Request
	active    map[net.Conn]struct{}
	conns     int
	mu        sync.Mutex
	wg        sync.WaitGroup
}

// Option allows to set additional Miner options
type Option func(*Miner)

// WithCredentials sets the account and password accepted by the device
// (default: super/super)
func WithCredentials(account, password string) Option {
	return func(m *Miner) {
		m.account = account
		m.password = password
	}
}

// WithSalt sets the salt handed out by get.device.info
func WithSalt(salt string) Option {
	return func(m *Miner) {
		m.salt = salt
	}
}

// WithMinerInfo sets the miner section of get.device.info
func WithMinerInfo(info codec.MinerInfo) Option {
	return func(m *Miner) {
		m.info = info
	}
}

// WithEncrypted marks commands whose param is ciphertext
func WithEncrypted(cmds ...string) Option {
	return func(m *Miner) {
		for _, cmd := range cmds {
			m.encrypted[cmd] = true
		}
	}
}

// New starts a fake device. It is stopped when the test finishes.
func New(t testing.TB, opts ...Option) *Miner {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	m := &Miner{
		ln:       ln,
		handlers: make(map[string]Handler),
		raw:      make(map[string]RawHandler),
		active:   make(map[net.Conn]struct{}),
		encrypted: map[string]bool{
			"set.miner.pools":        true,
			"set.user.change_passwd": true,
		},
		account:  "super",
		password: "super",
		salt:     "ab12cd34",
		info: codec.MinerInfo{
			Type:    "M50S",
			MinerSN: "HTM1000001",
			PCBSN0:  "PCB0",
			PCBSN1:  "PCB1",
			PCBSN2:  "PCB2",
		},
	}

	for _, opt := range opts {
		opt(m)
	}

	m.wg.Add(1)

	go m.serve()

	t.Cleanup(m.Close)

	return m
}

// Addr returns the host:port the device listens on.
func (m *Miner) Addr() string {
	return m.ln.Addr().String()
}

// Close stops the device, drops open connections and waits for their
// handlers to return.
func (m *Miner) Close() {
	//nolint:errcheck // closing twice is fine here
	m.ln.Close()

	m.mu.Lock()
	for conn := range m.active {
		//nolint:errcheck // best effort
		conn.Close()
	}
	m.mu.Unlock()

	m.wg.Wait()
}

// Handle registers a handler for cmd. Commands without handler succeed
// with msg "ok".
func (m *Miner) Handle(cmd string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlers[cmd] = h
}

// HandleRaw registers a raw handler for cmd.
func (m *Miner) HandleRaw(cmd string, h RawHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.raw[cmd] = h
}

// SetSalt changes the salt, tokens built with the previous one are rejected.
func (m *Miner) SetSalt(salt string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.salt = salt
}

// Requests returns the requests received so far.
func (m *Miner) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]Request(nil), m.requests...)
}

// Connections returns the number of connections accepted so far.
func (m *Miner) Connections() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.conns
}

func (m *Miner) serve() {
	defer m.wg.Done()

	for {
		conn, err := m.ln.Accept()
		if err != nil {
			return
		}

		m.mu.Lock()
		m.conns++
		m.active[conn] = struct{}{}
		m.mu.Unlock()

		m.wg.Add(1)

		go func() {
			defer m.wg.Done()
			m.handle(conn)

			m.mu.Lock()
			delete(m.active, conn)
			m.mu.Unlock()
		}()
	}
}

func (m *Miner) handle(conn net.Conn) {
	framer := transport.NewFramer(conn)
	//nolint:errcheck // Close always returns nil
	defer framer.Close()

	for {
		data, err := framer.Receive()
		if err != nil {
			return
		}

		var env codec.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return
		}

		m.mu.Lock()
		raw := m.raw[env.Cmd]
		m.mu.Unlock()

		if raw != nil {
			raw(conn)
			return
		}

		resp, err := json.Marshal(m.respond(env))
		if err != nil {
			return
		}

		if err := framer.Send(resp); err != nil {
			return
		}
	}
}

type response struct {
	Msg  any    `json:"msg"`
	Desc string `json:"desc"`
	Code int    `json:"code"`
}

func (m *Miner) respond(env codec.Envelope) response {
	req, resp, ok := m.verify(env)
	if !ok {
		return resp
	}

	m.mu.Lock()
	h := m.handlers[env.Cmd]
	m.mu.Unlock()

	if h != nil {
		code, msg := h(req)
		return response{Code: code, Msg: msg, Desc: env.Cmd}
	}

	return resp
}

// verify checks the token of authenticated requests, decrypts encrypted
// params and records the request. It returns the default response.
func (m *Miner) verify(env codec.Envelope) (Request, response, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req := Request{Envelope: env}

	if raw, ok := env.Param.(json.RawMessage); ok {
		req.Param = raw
	}

	if env.Authenticated() {
		verifier := codec.New(m.account, m.password, codec.WithSalt(m.salt))

		if env.Account != m.account || verifier.DeriveToken(env.Cmd, env.TS) != env.Token {
			m.requests = append(m.requests, req)
			return req, response{Code: CodeInvalidToken, Msg: "invalid token", Desc: env.Cmd}, false
		}

		if m.encrypted[env.Cmd] {
			plaintext, err := m.decrypt(verifier, env, req.Param)
			if err != nil {
				m.requests = append(m.requests, req)
				return req, response{Code: CodeDecryptFailed, Msg: err.Error(), Desc: env.Cmd}, false
			}

			req.Plaintext = plaintext
		}
	}

	m.requests = append(m.requests, req)

	if env.Cmd == codec.CmdGetDeviceInfo {
		return req, response{
			Code: 0,
			Desc: env.Cmd,
			Msg: map[string]any{
				"salt":  m.salt,
				"miner": m.info,
			},
		}, true
	}

	return req, response{Code: 0, Msg: "ok", Desc: env.Cmd}, true
}

func (m *Miner) decrypt(verifier *codec.Codec, env codec.Envelope, param json.RawMessage) ([]byte, error) {
	var ciphertext string
	if err := json.Unmarshal(param, &ciphertext); err != nil {
		return nil, errors.New("param is not a string")
	}

	return verifier.DecryptParam(ciphertext, env.Cmd, env.TS)
}
