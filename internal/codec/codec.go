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

package codec

import (
	"crypto/aes"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

const (
	// TokenLength is the number of base64 characters kept as a token.
	TokenLength = 8
	// KeySize is the size of the derived key material (AES-256).
	KeySize = sha256.Size
)

// Codec builds envelopes for one account on one device. It holds the salt
// of the current session and is not safe for concurrent use, callers are
// expected to serialise access the same way they serialise exchanges.
type Codec struct {
	now      func() time.Time
	account  string
	password string
	salt     string
}

// Option allows to set additional Codec options
type Option func(*Codec)

// WithClock sets the clock used for the ts field (default: time.Now)
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// WithSalt sets the initial salt (default: empty, not authenticated)
func WithSalt(salt string) Option {
	return func(c *Codec) {
		c.salt = salt
	}
}

// New returns a Codec for the given account credentials.
func New(account, password string, opts ...Option) *Codec {
	c := &Codec{
		now:      time.Now,
		account:  account,
		password: password,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Account returns the account name put into authenticated envelopes.
func (c *Codec) Account() string {
	return c.account
}

// SetSalt replaces the current salt. An empty salt is accepted and moves
// the codec back to producing tokens the device will reject.
func (c *Codec) SetSalt(salt string) {
	c.salt = salt
}

// Salt returns the current salt.
func (c *Codec) Salt() string {
	return c.salt
}

// HasSalt reports whether a salt has been set.
func (c *Codec) HasSalt() bool {
	return c.salt != ""
}

// BuildPlain returns an unauthenticated envelope.
func (c *Codec) BuildPlain(cmd string, param any) Envelope {
	return Envelope{Cmd: cmd, Param: param}
}

// DeriveKeyMaterial returns SHA256(cmd + password + salt + ts).
// The order of the inputs is part of the protocol.
func (c *Codec) DeriveKeyMaterial(cmd string, ts int64) [KeySize]byte {
	src := cmd + c.password + c.salt + strconv.FormatInt(ts, 10)

	return sha256.Sum256([]byte(src))
}

// DeriveToken returns the first TokenLength characters of the base64
// encoded key material.
func (c *Codec) DeriveToken(cmd string, ts int64) string {
	key := c.DeriveKeyMaterial(cmd, ts)

	return base64.StdEncoding.EncodeToString(key[:])[:TokenLength]
}

// BuildAuthenticatedPlain returns an authenticated envelope carrying param
// unmodified. Structured parameters are expected to be JSON encoded by the
// caller already.
func (c *Codec) BuildAuthenticatedPlain(cmd string, param any) Envelope {
	ts := c.now().Unix()

	return Envelope{
		Cmd:     cmd,
		Param:   param,
		TS:      ts,
		Token:   c.DeriveToken(cmd, ts),
		Account: c.account,
	}
}

// BuildAuthenticatedEncrypted returns an authenticated envelope whose param
// is the encrypted plaintext.
func (c *Codec) BuildAuthenticatedEncrypted(cmd string, plaintext []byte) (Envelope, error) {
	ts := c.now().Unix()

	param, err := c.EncryptParam(plaintext, cmd, ts)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{
		Cmd:       cmd,
		Param:     param,
		TS:        ts,
		Token:     c.DeriveToken(cmd, ts),
		Account:   c.account,
		Encrypted: true,
	}, nil
}

// EncryptParam pads plaintext and encrypts it with AES-256-ECB keyed by the
// key material of (cmd, ts). The result is base64 encoded.
func (c *Codec) EncryptParam(plaintext []byte, cmd string, ts int64) (string, error) {
	key := c.DeriveKeyMaterial(cmd, ts)

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", fmt.Errorf("failed setting up cipher: %w", err)
	}

	data := pad(plaintext, block.BlockSize())
	newECBEncrypter(block).CryptBlocks(data, data)

	return base64.StdEncoding.EncodeToString(data), nil
}

// DecryptParam reverses EncryptParam.
func (c *Codec) DecryptParam(ciphertext string, cmd string, ts int64) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	key := c.DeriveKeyMaterial(cmd, ts)

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed setting up cipher: %w", err)
	}

	if len(data) == 0 || len(data)%block.BlockSize() != 0 {
		return nil, ErrInvalidPadding
	}

	newECBDecrypter(block).CryptBlocks(data, data)

	return unpad(data, block.BlockSize())
}
