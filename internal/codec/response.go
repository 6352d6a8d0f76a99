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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// CmdGetDeviceInfo is the unauthenticated command whose response carries
// the session salt.
const CmdGetDeviceInfo = "get.device.info"

// ErrMalformedResponse is returned for response bodies that are not a UTF-8
// JSON object with a code.
var ErrMalformedResponse = errors.New("malformed response")

// Response is a decoded device response. Code 0 means success, anything
// else is an error reported by the device, with Msg usually holding a text.
type Response struct {
	Msg  json.RawMessage `json:"msg,omitempty"`
	Desc string          `json:"desc,omitempty"`
	When int64           `json:"when,omitempty"`
	Code int             `json:"code"`
}

// DecodeResponse parses a response frame body.
func DecodeResponse(data []byte) (*Response, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: invalid UTF-8", ErrMalformedResponse)
	}

	var t struct {
		Code *int            `json:"code"`
		Msg  json.RawMessage `json:"msg"`
		Desc string          `json:"desc"`
		When int64           `json:"when"`
	}

	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}

	if t.Code == nil {
		return nil, fmt.Errorf("%w: missing code", ErrMalformedResponse)
	}

	return &Response{
		Code: *t.Code,
		Msg:  t.Msg,
		Desc: t.Desc,
		When: t.When,
	}, nil
}

// OK reports whether the device accepted the command.
func (r *Response) OK() bool {
	return r.Code == 0
}

// Message returns msg as text: the string itself when msg is a JSON string,
// the raw JSON otherwise.
func (r *Response) Message() string {
	var s string
	if err := json.Unmarshal(r.Msg, &s); err == nil {
		return s
	}

	return string(bytes.TrimSpace(r.Msg))
}

// Decode unmarshals msg into v.
func (r *Response) Decode(v any) error {
	if len(r.Msg) == 0 {
		return fmt.Errorf("%w: empty msg", ErrMalformedResponse)
	}

	if err := json.Unmarshal(r.Msg, v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}

	return nil
}

// DeviceInfo is the part of the get.device.info response used by this
// module. Raw keeps the whole msg object for callers interested in more.
type DeviceInfo struct {
	Raw   json.RawMessage `json:"-"`
	Salt  string          `json:"salt"`
	Miner MinerInfo       `json:"miner"`
}

// MinerInfo holds identification data of the miner and its hash boards.
type MinerInfo struct {
	Type    string `json:"type"`
	MinerSN string `json:"miner-sn"`
	PCBSN0  string `json:"pcbsn0"`
	PCBSN1  string `json:"pcbsn1"`
	PCBSN2  string `json:"pcbsn2"`
	PCBSN3  string `json:"pcbsn3"`
}

// DecodeDeviceInfo extracts DeviceInfo from a successful get.device.info
// response.
func DecodeDeviceInfo(r *Response) (*DeviceInfo, error) {
	info := &DeviceInfo{}
	if err := r.Decode(info); err != nil {
		return nil, err
	}

	info.Raw = r.Msg

	return info, nil
}
