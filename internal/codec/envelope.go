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
	"encoding/json"
	"fmt"
)

// Envelope is one protocol request. Param is sent as given: nil becomes
// null, a string becomes a JSON string and json.RawMessage is embedded as
// is. For encrypted envelopes Param holds the base64 ciphertext only.
type Envelope struct {
	Param     any
	Cmd       string
	Token     string
	Account   string
	TS        int64
	Encrypted bool
}

// Authenticated reports whether the envelope carries a token.
func (e Envelope) Authenticated() bool {
	return e.Token != ""
}

// String does not print the token nor the parameter.
func (e Envelope) String() string {
	if e.Authenticated() {
		return fmt.Sprintf("%s (account=%s ts=%d)", e.Cmd, e.Account, e.TS)
	}

	return e.Cmd
}

// MarshalJSON implements the json.Marshaler interface for Envelope.
// Fields are emitted in the order of the request shapes of the protocol.
func (e Envelope) MarshalJSON() ([]byte, error) {
	switch {
	case !e.Authenticated():
		return json.Marshal(struct {
			Cmd   string `json:"cmd"`
			Param any    `json:"param"`
		}{
			Cmd:   e.Cmd,
			Param: e.Param,
		})
	case e.Encrypted:
		return json.Marshal(struct {
			Cmd     string `json:"cmd"`
			TS      int64  `json:"ts"`
			Token   string `json:"token"`
			Account string `json:"account"`
			Param   any    `json:"param"`
		}{
			Cmd:     e.Cmd,
			TS:      e.TS,
			Token:   e.Token,
			Account: e.Account,
			Param:   e.Param,
		})
	default:
		return json.Marshal(struct {
			Cmd     string `json:"cmd"`
			Param   any    `json:"param"`
			TS      int64  `json:"ts"`
			Token   string `json:"token"`
			Account string `json:"account"`
		}{
			Cmd:     e.Cmd,
			Param:   e.Param,
			TS:      e.TS,
			Token:   e.Token,
			Account: e.Account,
		})
	}
}

// UnmarshalJSON implements the json.Unmarshaler interface for Envelope.
// Param is kept as json.RawMessage since whether it is ciphertext is only
// known from the command.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var t struct {
		Cmd     string          `json:"cmd"`
		Param   json.RawMessage `json:"param"`
		TS      int64           `json:"ts"`
		Token   string          `json:"token"`
		Account string          `json:"account"`
	}

	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}

	if t.Cmd == "" {
		return fmt.Errorf("missing cmd")
	}

	e.Cmd = t.Cmd
	e.TS = t.TS
	e.Token = t.Token
	e.Account = t.Account
	e.Encrypted = false
	e.Param = nil

	if len(t.Param) > 0 && string(t.Param) != "null" {
		e.Param = t.Param
	}

	return nil
}
