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

package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf16"
)

// field is one member of an object written by dumps, in order.
type field struct {
	value any
	key   string
}

// dumps writes fields as a JSON object with ", " and ": " separators and
// non-ASCII escaped as \uXXXX, the layout of the vendor tooling.
func dumps(fields ...field) ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.WriteByte('{')

	for i, f := range fields {
		if i > 0 {
			buf.WriteString(", ")
		}

		if err := dumpValue(buf, f.key); err != nil {
			return nil, err
		}

		buf.WriteString(": ")

		if err := dumpValue(buf, f.value); err != nil {
			return nil, fmt.Errorf("%s: %w", f.key, err)
		}
	}

	buf.WriteByte('}')

	return buf.Bytes(), nil
}

// dumpList writes objects as a JSON array with ", " separators.
func dumpList(objects ...[]field) ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.WriteByte('[')

	for i, fields := range objects {
		if i > 0 {
			buf.WriteString(", ")
		}

		data, err := dumps(fields...)
		if err != nil {
			return nil, err
		}

		buf.Write(data)
	}

	buf.WriteByte(']')

	return buf.Bytes(), nil
}

func dumpValue(buf *bytes.Buffer, v any) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)

	start := buf.Len()

	if err := enc.Encode(v); err != nil {
		return err
	}

	// Encode terminates with a newline
	buf.Truncate(buf.Len() - 1)

	escaped := escapeNonASCII(buf.Bytes()[start:])
	buf.Truncate(start)
	buf.Write(escaped)

	return nil
}

func escapeNonASCII(b []byte) []byte {
	if isASCII(b) {
		return bytes.Clone(b)
	}

	out := make([]byte, 0, len(b)+16)

	for _, r := range string(b) {
		if r < 0x80 {
			out = append(out, byte(r))
			continue
		}

		for _, u := range utf16.Encode([]rune{r}) {
			out = fmt.Appendf(out, `\u%04x`, u)
		}
	}

	return out
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= 0x80 {
			return false
		}
	}

	return true
}
