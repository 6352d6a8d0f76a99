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
	"crypto/cipher"
	"errors"
)

// ErrInvalidPadding is returned when decrypted data does not end with a
// valid padding block.
var ErrInvalidPadding = errors.New("invalid padding")

// ecb implements cipher.BlockMode for Electronic Codebook mode: every block
// is processed independently, without chaining and without an IV.
// crypto/cipher has no ECB implementation.
type ecb struct {
	blockSize int
	crypt     func(dst, src []byte)
}

func newECBEncrypter(b cipher.Block) cipher.BlockMode {
	return &ecb{blockSize: b.BlockSize(), crypt: b.Encrypt}
}

func newECBDecrypter(b cipher.Block) cipher.BlockMode {
	return &ecb{blockSize: b.BlockSize(), crypt: b.Decrypt}
}

func (x *ecb) BlockSize() int {
	return x.blockSize
}

func (x *ecb) CryptBlocks(dst, src []byte) {
	if len(src)%x.blockSize != 0 {
		panic("codec: input not full blocks")
	}

	if len(dst) < len(src) {
		panic("codec: output smaller than input")
	}

	for len(src) > 0 {
		x.crypt(dst[:x.blockSize], src[:x.blockSize])
		src = src[x.blockSize:]
		dst = dst[x.blockSize:]
	}
}

// pad appends p bytes of value p, p = size - len(b)%size. p is never zero,
// a block aligned input gets a full block.
func pad(b []byte, size int) []byte {
	p := size - len(b)%size

	out := make([]byte, len(b), len(b)+p)
	copy(out, b)

	return append(out, bytes.Repeat([]byte{byte(p)}, p)...)
}

// unpad strips exactly p bytes, p being the value of the last byte.
func unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, ErrInvalidPadding
	}

	p := int(b[len(b)-1])
	if p == 0 || p > size {
		return nil, ErrInvalidPadding
	}

	for _, v := range b[len(b)-p:] {
		if int(v) != p {
			return nil, ErrInvalidPadding
		}
	}

	return b[:len(b)-p], nil
}
