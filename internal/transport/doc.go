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

// Package transport implements the framing layer of the Whatsminer API v3.
// It knows nothing about the JSON carried inside frames, nor about tokens
// or encryption. A Framer owns one stream connection to one device and
// exchanges exactly one request frame for one response frame at a time.
//
// Every frame, in both directions, has the following structure:
// Length  [4]byte (uint32, little-endian)
// Payload [n]byte (UTF-8 JSON, exactly Length bytes)
//
// There is no request identifier on the wire, responses are matched to
// requests purely by order. Responses declaring a length above
// MaxResponseSize are rejected before any byte of the body is read.
package transport
