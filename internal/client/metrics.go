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
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type exchangeStats struct {
	ok              atomic.Int64
	deviceError     atomic.Int64
	protocolError   atomic.Int64
	connectionError atomic.Int64
	otherError      atomic.Int64
	bytesSent       atomic.Int64
	bytesReceived   atomic.Int64
}

// Stats is a snapshot of the exchange counters of a Client.
type Stats struct {
	OK              int64
	DeviceErrors    int64
	ProtocolErrors  int64
	ConnectionError int64
	OtherErrors     int64
	BytesSent       int64
	BytesReceived   int64
}

func (s *exchangeStats) record(result string, sent, received int) {
	switch result {
	case resultOK:
		s.ok.Add(1)
	case resultDeviceError:
		s.deviceError.Add(1)
	case resultProtocolError:
		s.protocolError.Add(1)
	case resultConnectionError:
		s.connectionError.Add(1)
	default:
		s.otherError.Add(1)
	}

	s.bytesSent.Add(int64(sent))
	s.bytesReceived.Add(int64(received))
}

func (s *exchangeStats) snapshot() Stats {
	return Stats{
		OK:              s.ok.Load(),
		DeviceErrors:    s.deviceError.Load(),
		ProtocolErrors:  s.protocolError.Load(),
		ConnectionError: s.connectionError.Load(),
		OtherErrors:     s.otherError.Load(),
		BytesSent:       s.bytesSent.Load(),
		BytesReceived:   s.bytesReceived.Load(),
	}
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}

	return v
}

// instruments are the otel instruments a Client records exchanges with.
// Many sessions may share one meter.
type instruments struct {
	exchanges metric.Int64Counter
	bytes     metric.Int64Counter
	duration  metric.Float64Histogram
}

var (
	sentAttr     = metric.WithAttributes(attribute.String("direction", "sent"))
	receivedAttr = metric.WithAttributes(attribute.String("direction", "received"))
)

func (i *instruments) record(ctx context.Context, result string, sent, received int, seconds float64) {
	resultAttr := metric.WithAttributes(attribute.String("result", result))

	i.exchanges.Add(ctx, 1, resultAttr)
	i.bytes.Add(ctx, int64(sent), sentAttr)
	i.bytes.Add(ctx, int64(received), receivedAttr)
	i.duration.Record(ctx, seconds, resultAttr)
}

// WithMeter records exchange metrics of the Client with meter.
func WithMeter(meter metric.Meter) Option {
	return func(c *Client) {
		c.instruments = &instruments{
			exchanges: must(meter.Int64Counter("minerapi.exchanges",
				metric.WithUnit("{count}"),
				metric.WithDescription("Request/response exchanges by result"),
			)),
			bytes: must(meter.Int64Counter("minerapi.bytes",
				metric.WithUnit("By"),
				metric.WithDescription("Bytes on the wire including frame headers"),
			)),
			duration: must(meter.Float64Histogram("minerapi.exchange.duration",
				metric.WithUnit("s"),
			)),
		}
	}
}
