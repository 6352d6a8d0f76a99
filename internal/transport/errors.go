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
	"errors"
	"fmt"
	"strings"
)

const (
	ReasonOversized = "oversized response"
	ReasonTruncated = "truncated response"
	ReasonMalformed = "malformed response"
	ReasonTimeout   = "deadline exceeded"
	ReasonCanceled  = "exchange canceled"
)

var (
	// ErrClosed is returned when a Framer is used after Close, including
	// the implicit close that follows a failed exchange.
	ErrClosed = errors.New("connection is closed")
	// ErrPayloadTooLarge is returned by Send for payloads whose length
	// cannot be represented by the 4 byte header.
	ErrPayloadTooLarge = errors.New("payload exceeds frame size limit")
)

// ConnectionError reports a failure at the transport level: refused or
// reset connections, DNS failures and unexpected EOF between frames.
type ConnectionError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a framing violation. The exchange it happened in
// cannot be recovered and the connection must not be reused.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "protocol error: " + e.Reason
	}

	msg := e.Err.Error()
	if strings.HasPrefix(msg, e.Reason) {
		return "protocol error: " + msg
	}

	return fmt.Sprintf("protocol error: %s: %s", e.Reason, msg)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsProtocolError reports whether err carries a ProtocolError with the
// given reason. An empty reason matches any ProtocolError.
func IsProtocolError(err error, reason string) bool {
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		return false
	}

	return reason == "" || perr.Reason == reason
}
