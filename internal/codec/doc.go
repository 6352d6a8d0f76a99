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

// This package builds Whatsminer API v3 request envelopes and computes their
// authentication material. It has no knowledge of sockets.
//
// Three kinds of envelopes exist:
// Plain                      {"cmd", "param"}
// Authenticated, plain param {"cmd", "param", "ts", "token", "account"}
// Authenticated, encrypted   {"cmd", "ts", "token", "account", "param"}
//
// Authenticated envelopes derive their key material from the command, the
// account password, the session salt and the timestamp, concatenated in that
// order and hashed with SHA-256:
//
//	key   = SHA256(cmd + password + salt + decimal(ts))
//	token = base64(key)[:8]
//
// Sensitive parameters are encrypted with AES-256 in ECB mode using key
// directly, after padding with p bytes of value p, p = 16 - len%16. A block
// aligned plaintext gets a full block of padding. ECB and this padding are
// what devices expect and must not be replaced with a chained mode.
//
// The salt is issued by the device in the response to the unauthenticated
// get.device.info command and is held by the Codec for the rest of the
// session.
package codec
