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
	"errors"
	"fmt"

	"github.com/longr59/whatsminer-api-3/internal/transport"
)

var (
	// ErrNotConnected is returned when a command is issued before Connect
	// or after the connection was closed.
	ErrNotConnected = errors.New("not connected")
	// ErrNoSalt is returned for authenticated commands issued before a
	// successful Handshake. The device would reject their token.
	ErrNoSalt = errors.New("no session salt, handshake required")
)

// DeviceError is a well-formed response with a non-zero code. It is an
// expected outcome (bad credentials, invalid parameter, ...) and does not
// affect the connection.
type DeviceError struct {
	Cmd  string
	Msg  string
	Code int
}

func (e *DeviceError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s rejected by device: code %d", e.Cmd, e.Code)
	}

	return fmt.Sprintf("%s rejected by device: code %d: %s", e.Cmd, e.Code, e.Msg)
}

// Reconnectable reports whether err means the connection is gone and a new
// session is required, as opposed to a device error where adjusting the
// request is the way forward.
func Reconnectable(err error) bool {
	var (
		cerr *transport.ConnectionError
		perr *transport.ProtocolError
	)

	return errors.As(err, &cerr) || errors.As(err, &perr) ||
		errors.Is(err, ErrNotConnected) || errors.Is(err, transport.ErrClosed)
}

const (
	resultOK              = "ok"
	resultDeviceError     = "device_error"
	resultProtocolError   = "protocol_error"
	resultConnectionError = "connection_error"
	resultError           = "error"
)

func resultOf(err error) string {
	var (
		derr *DeviceError
		perr *transport.ProtocolError
		cerr *transport.ConnectionError
	)

	switch {
	case err == nil:
		return resultOK
	case errors.As(err, &derr):
		return resultDeviceError
	case errors.As(err, &perr):
		return resultProtocolError
	case errors.As(err, &cerr):
		return resultConnectionError
	default:
		return resultError
	}
}
