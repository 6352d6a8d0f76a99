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

// Package command is the catalog of device commands. Each constructor
// validates its arguments and returns a Command, which is turned into an
// envelope with the codec of a session right before it is sent:
//
//	cmd, err := command.SetMinerService(command.ServiceRestart)
//	if err != nil {
//		return err
//	}
//
//	resp, err := c.Exec(ctx, cmd.Build)
package command

import (
	"errors"
	"fmt"

	"github.com/longr59/whatsminer-api-3/internal/codec"
)

// ErrInvalidArgument is returned for arguments outside the values the
// device accepts.
var ErrInvalidArgument = errors.New("invalid argument")

// Kind is the request shape of a command.
type Kind int

const (
	// Query is an unauthenticated request.
	Query Kind = iota
	// Authenticated carries ts, token and account with a plain param.
	Authenticated
	// Encrypted carries ts, token and account with an encrypted param.
	Encrypted
)

func (k Kind) String() string {
	switch k {
	case Query:
		return "query"
	case Authenticated:
		return "authenticated"
	case Encrypted:
		return "encrypted"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Command is a request that is not bound to a session yet.
type Command struct {
	// Param is sent as is for Query and Authenticated commands.
	Param any
	Name  string
	// Plaintext is encrypted for Encrypted commands.
	Plaintext []byte
	Kind      Kind
}

// Build returns the envelope of the command.
func (c Command) Build(cd *codec.Codec) (codec.Envelope, error) {
	switch c.Kind {
	case Query:
		return cd.BuildPlain(c.Name, c.Param), nil
	case Authenticated:
		return cd.BuildAuthenticatedPlain(c.Name, c.Param), nil
	case Encrypted:
		return cd.BuildAuthenticatedEncrypted(c.Name, c.Plaintext)
	default:
		return codec.Envelope{}, fmt.Errorf("unknown kind of %s: %s", c.Name, c.Kind)
	}
}

func (c Command) String() string {
	return fmt.Sprintf("%s (%s)", c.Name, c.Kind)
}

func oneOf(name, value string, allowed ...string) error {
	for _, v := range allowed {
		if v == value {
			return nil
		}
	}

	return fmt.Errorf("%w: %s %q, expected one of %q", ErrInvalidArgument, name, value, allowed)
}

func query(name string, param any) Command {
	return Command{Name: name, Param: param, Kind: Query}
}

func authenticated(name string, param any) Command {
	return Command{Name: name, Param: param, Kind: Authenticated}
}

// authenticatedObject encodes fields as a JSON object and sends the text
// as a string param.
func authenticatedObject(name string, fields ...field) (Command, error) {
	data, err := dumps(fields...)
	if err != nil {
		return Command{}, fmt.Errorf("failed to encode %s param: %w", name, err)
	}

	return authenticated(name, string(data)), nil
}

// Raw returns a command of any kind. For Encrypted commands param must be
// the plaintext, either a string or a []byte.
func Raw(name string, kind Kind, param any) (Command, error) {
	if name == "" {
		return Command{}, fmt.Errorf("%w: empty command", ErrInvalidArgument)
	}

	if kind != Encrypted {
		return Command{Name: name, Param: param, Kind: kind}, nil
	}

	switch p := param.(type) {
	case string:
		return Command{Name: name, Plaintext: []byte(p), Kind: kind}, nil
	case []byte:
		return Command{Name: name, Plaintext: p, Kind: kind}, nil
	default:
		return Command{}, fmt.Errorf("%w: encrypted param of %s must be text, got %T",
			ErrInvalidArgument, name, param)
	}
}
