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

package config

import (
	"fmt"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/longr59/whatsminer-api-3/internal/transport"
)

func TestByteSize(t *testing.T) {
	format := `defaults:
  max_response_size: %s`

	testcases := map[string]struct {
		out ByteSize
	}{
		"4096": {
			out: ByteSize{Bytes: 4096, Raw: "4096"},
		},
		"8KiB": {
			out: ByteSize{Bytes: 8192, Raw: "8KiB"},
		},
		"2kB": {
			out: ByteSize{Bytes: 2000, Raw: "2kB"},
		},
	}

	for name, tc := range testcases {
		name, tc := name, tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var conf Config
			require.NoError(t, yaml.Unmarshal(fmt.Appendf(nil, format, name), &conf))
			require.Equal(t, tc.out, conf.Defaults.MaxResponseSize)
		})
	}
}

func TestByteSizeOverflow(t *testing.T) {
	conf := Default()
	err := yaml.Unmarshal([]byte("defaults:\n  max_response_size: 5GiB"), conf)
	assert.ErrorContains(t, err, "size 5GiB does not fit in 32 bits")
	assert.Equal(t, uint32(transport.MaxResponseSize), conf.Defaults.MaxResponseSize.Bytes)
}

func TestByteSizeString(t *testing.T) {
	assert.Equal(t, "8.2kB", ByteSize{Bytes: 8192}.String())
}

func TestGenerate(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := "/etc/minerctl/config.yaml"

	cfg, err := Generate(fs, path, Options{
		Account: "user1",
		Hosts:   []string{"10.0.0.5", "10.0.0.6"},
	})
	require.NoError(t, err)

	loaded, err := Load(fs, path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	assert.Equal(t, DefaultPort, cfg.Defaults.Port)
	assert.Equal(t, "user1", cfg.Defaults.Account)
	assert.Equal(t, 10*time.Second, cfg.Defaults.DialTimeout)
	assert.Equal(t, uint32(8192), cfg.Defaults.MaxResponseSize.Bytes)
	assert.Equal(t, []Device{{Host: "10.0.0.5"}, {Host: "10.0.0.6"}}, cfg.Devices)
	assert.Equal(t, 8, cfg.Fleet.Parallel)
	assert.Equal(t, InfoLevel, cfg.Observability.Logging.Level)
	assert.False(t, cfg.Observability.Metrics.Enabled)
	assert.False(t, cfg.Observability.Tracing.Enabled)

	info, err := fs.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, "-rw-------", info.Mode().Perm().String())
}

func TestGenerateNoHosts(t *testing.T) {
	fs := afero.NewMemMapFs()

	cfg, err := Generate(fs, "config.yaml", Options{Parallel: 2})
	require.NoError(t, err)

	assert.Empty(t, cfg.Devices)
	assert.Equal(t, "super", cfg.Defaults.Account)
	assert.Equal(t, 2, cfg.Fleet.Parallel)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(afero.NewMemMapFs(), "missing.yaml")
	assert.Error(t, err)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`devices:
  - host: 192.168.1.20
`))
	require.NoError(t, err)

	expected := Default()
	expected.Devices = []Device{{Host: "192.168.1.20"}}

	assert.Equal(t, expected, cfg)
}

func TestParseInvalid(t *testing.T) {
	testcases := map[string]struct {
		in string
	}{
		"port": {
			in: "defaults:\n  port: 70000",
		},
		"timeout": {
			in: "defaults:\n  exchange_timeout: 0s",
		},
		"bad duration": {
			in: "defaults:\n  dial_timeout: soon",
		},
		"response size above ceiling": {
			in: "defaults:\n  max_response_size: 16KiB",
		},
		"parallel": {
			in: "fleet:\n  parallel: 0",
		},
		"log level": {
			in: "observability:\n  logging:\n    level: verbose",
		},
		"device without host": {
			in: "devices:\n  - name: rack-01",
		},
		"device port": {
			in: "devices:\n  - host: 10.0.0.1\n    port: -1",
		},
	}

	for name, tc := range testcases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, err := Parse([]byte(tc.in))
			assert.Error(t, err)
		})
	}
}

func TestTargets(t *testing.T) {
	cfg, err := Parse([]byte(`defaults:
  account: super
  password: s3cret
  exchange_timeout: 3s
devices:
  - host: 10.0.0.5
  - name: rack-02
    host: fd00::6
    port: 14433
    account: user1
    password: other
`))
	require.NoError(t, err)

	assert.Equal(t, []Target{
		{
			Name:            "10.0.0.5",
			Addr:            "10.0.0.5:4433",
			Account:         "super",
			Password:        "s3cret",
			DialTimeout:     10 * time.Second,
			ExchangeTimeout: 3 * time.Second,
			MaxResponseSize: 8192,
		},
		{
			Name:            "rack-02",
			Addr:            "[fd00::6]:14433",
			Account:         "user1",
			Password:        "other",
			DialTimeout:     10 * time.Second,
			ExchangeTimeout: 3 * time.Second,
			MaxResponseSize: 8192,
		},
	}, cfg.Targets())
}
