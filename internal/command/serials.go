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
	"context"
	"net"

	"github.com/longr59/whatsminer-api-3/internal/codec"
)

// Serials are the serial numbers of a miner and its hash boards. Missing
// values are empty.
type Serials struct {
	IP      string `json:"ip"`
	MinerSN string `json:"miner_sn"`
	PCBSN0  string `json:"pcb_sn_0"`
	PCBSN1  string `json:"pcb_sn_1"`
	PCBSN2  string `json:"pcb_sn_2"`
	PCBSN3  string `json:"pcb_sn_3"`
}

// ParseSerials extracts Serials from device info.
func ParseSerials(ip string, info *codec.DeviceInfo) Serials {
	s := Serials{IP: ip}
	if info == nil {
		return s
	}

	s.MinerSN = info.Miner.MinerSN
	s.PCBSN0 = info.Miner.PCBSN0
	s.PCBSN1 = info.Miner.PCBSN1
	s.PCBSN2 = info.Miner.PCBSN2
	s.PCBSN3 = info.Miner.PCBSN3

	return s
}

// Session is the part of a client session needed to read serials.
type Session interface {
	Addr() string
	Connect(ctx context.Context) error
	Handshake(ctx context.Context) (*codec.DeviceInfo, error)
}

// ReadSerials connects if needed, runs the handshake and returns the
// serial numbers found in its response.
func ReadSerials(ctx context.Context, s Session) (Serials, error) {
	if err := s.Connect(ctx); err != nil {
		return Serials{}, err
	}

	info, err := s.Handshake(ctx)
	if err != nil {
		return Serials{}, err
	}

	host, _, err := net.SplitHostPort(s.Addr())
	if err != nil {
		host = s.Addr()
	}

	return ParseSerials(host, info), nil
}
