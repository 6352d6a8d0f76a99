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
	"fmt"
	"net"
	"strconv"

	"github.com/longr59/whatsminer-api-3/internal/codec"
)

// Command names.
const (
	CmdGetDeviceInfo    = codec.CmdGetDeviceInfo
	CmdGetMinerStatus   = "get.miner.status"
	CmdGetMinerSetting  = "get.miner.setting"
	CmdGetFanSetting    = "get.fan.setting"
	CmdGetLogDownload   = "get.log.download"
	CmdGetSystemSetting = "get.system.setting"

	CmdSetFanPowerOffCool     = "set.fan.poweroff_cool"
	CmdSetFanTempOffset       = "set.fan.temp_offset"
	CmdSetFanZeroSpeed        = "set.fan.zero_speed"
	CmdSetLogUpload           = "set.log.upload"
	CmdSetMinerCoinType       = "set.miner.cointype"
	CmdSetMinerFastBoot       = "set.miner.fastboot"
	CmdSetMinerHeatMode       = "set.miner.heat_mode"
	CmdSetMinerPools          = "set.miner.pools"
	CmdSetMinerPower          = "set.miner.power"
	CmdSetMinerPowerPercent   = "set.miner.power_percent"
	CmdSetMinerPowerLimit     = "set.miner.power_limit"
	CmdSetMinerPowerMode      = "set.miner.power_mode"
	CmdSetMinerReport         = "set.miner.report"
	CmdSetMinerRestoreSetting = "set.miner.restore_setting"
	CmdSetMinerService        = "set.miner.service"
	CmdSetMinerTargetFreq     = "set.miner.target_freq"
	CmdSetMinerUpfreqSpeed    = "set.miner.upfreq_speed"
	CmdSetSystemHostname      = "set.system.hostname"
	CmdSetSystemFactoryReset  = "set.system.factory_reset"
	CmdSetSystemReboot        = "set.system.reboot"
	CmdSetSystemTimezone      = "set.system.timezone"
	CmdSetUserChangePasswd    = "set.user.change_passwd"
)

// Accepted values of enumerated arguments.
const (
	FastBootEnable  = "enable"
	FastBootDisable = "disable"

	HeatModeHeating   = "heating"
	HeatModeNormal    = "normal"
	HeatModeAntiIcing = "anti-icing"

	PowerModeLow    = "low"
	PowerModeNormal = "normal"
	PowerModeHigh   = "high"

	ServiceStart   = "start"
	ServiceStop    = "stop"
	ServiceRestart = "restart"
)

// Accounts known to the device.
var Accounts = []string{"super", "user1", "user2", "user3"}

// MaxPools is the number of pool slots of a device.
const MaxPools = 3

// GetDeviceInfo returns the command that also hands out the session salt.
func GetDeviceInfo() Command {
	return query(CmdGetDeviceInfo, nil)
}

// GetMinerStatus queries a status section, e.g. "summary" or "pools".
func GetMinerStatus(param string) Command {
	return query(CmdGetMinerStatus, param)
}

func GetMinerSetting() Command {
	return query(CmdGetMinerSetting, nil)
}

func GetFanSetting() Command {
	return query(CmdGetFanSetting, nil)
}

func GetLogDownload() Command {
	return query(CmdGetLogDownload, nil)
}

func GetSystemSetting() Command {
	return query(CmdGetSystemSetting, nil)
}

func SetFanPowerOffCool(param any) Command {
	return authenticated(CmdSetFanPowerOffCool, param)
}

func SetFanTempOffset(param any) Command {
	return authenticated(CmdSetFanTempOffset, param)
}

func SetFanZeroSpeed(param any) Command {
	return authenticated(CmdSetFanZeroSpeed, param)
}

// SetLogUpload makes the device send its logs over UDP to ip:port.
func SetLogUpload(ip string, port int) (Command, error) {
	if net.ParseIP(ip) == nil {
		return Command{}, fmt.Errorf("%w: log server %q is not an IP address", ErrInvalidArgument, ip)
	}

	if port <= 0 || port > 65535 {
		return Command{}, fmt.Errorf("%w: log server port %d", ErrInvalidArgument, port)
	}

	return authenticatedObject(CmdSetLogUpload,
		field{key: "ip", value: ip},
		field{key: "port", value: strconv.Itoa(port)},
		field{key: "proto", value: "udp"},
	)
}

func SetMinerCoinType(cointype string) (Command, error) {
	if cointype == "" {
		return Command{}, fmt.Errorf("%w: empty coin type", ErrInvalidArgument)
	}

	return authenticatedObject(CmdSetMinerCoinType, field{key: "cointype", value: cointype})
}

func SetMinerFastBoot(mode string) (Command, error) {
	if err := oneOf("fastboot", mode, FastBootEnable, FastBootDisable); err != nil {
		return Command{}, err
	}

	return authenticated(CmdSetMinerFastBoot, mode), nil
}

func SetMinerHeatMode(mode string) (Command, error) {
	if err := oneOf("heat mode", mode, HeatModeHeating, HeatModeNormal, HeatModeAntiIcing); err != nil {
		return Command{}, err
	}

	return authenticated(CmdSetMinerHeatMode, mode), nil
}

func SetMinerPower(param any) Command {
	return authenticated(CmdSetMinerPower, param)
}

// SetMinerPowerPercent sets the power of the given mode to percent of its
// nominal value. The device expects the percentage as text.
func SetMinerPowerPercent(mode string, percent int) (Command, error) {
	if percent < 0 || percent > 100 {
		return Command{}, fmt.Errorf("%w: power percent %d", ErrInvalidArgument, percent)
	}

	return authenticatedObject(CmdSetMinerPowerPercent,
		field{key: "percent", value: strconv.Itoa(percent)},
		field{key: "mode", value: mode},
	)
}

func SetMinerPowerLimit(param any) Command {
	return authenticated(CmdSetMinerPowerLimit, param)
}

func SetMinerPowerMode(mode string) (Command, error) {
	if err := oneOf("power mode", mode, PowerModeLow, PowerModeNormal, PowerModeHigh); err != nil {
		return Command{}, err
	}

	return authenticated(CmdSetMinerPowerMode, mode), nil
}

// SetMinerReport sets the interval in seconds of the device status reports.
func SetMinerReport(gap int) (Command, error) {
	if gap < 0 {
		return Command{}, fmt.Errorf("%w: report gap %d", ErrInvalidArgument, gap)
	}

	return authenticatedObject(CmdSetMinerReport, field{key: "gap", value: gap})
}

func SetMinerRestoreSetting() Command {
	return authenticated(CmdSetMinerRestoreSetting, nil)
}

func SetMinerService(action string) (Command, error) {
	if err := oneOf("service action", action, ServiceStart, ServiceStop, ServiceRestart); err != nil {
		return Command{}, err
	}

	return authenticated(CmdSetMinerService, action), nil
}

func SetMinerTargetFreq(param any) Command {
	return authenticated(CmdSetMinerTargetFreq, param)
}

func SetMinerUpfreqSpeed(param any) Command {
	return authenticated(CmdSetMinerUpfreqSpeed, param)
}

func SetSystemHostname(hostname string) (Command, error) {
	if hostname == "" {
		return Command{}, fmt.Errorf("%w: empty hostname", ErrInvalidArgument)
	}

	return authenticatedObject(CmdSetSystemHostname, field{key: "hostname", value: hostname})
}

func SetSystemFactoryReset() Command {
	return authenticated(CmdSetSystemFactoryReset, nil)
}

func SetSystemReboot() Command {
	return authenticated(CmdSetSystemReboot, nil)
}

// SetSystemTimezone sets the POSIX timezone (e.g. "CST-8") and the zone
// name shown by the device (e.g. "Asia/Shanghai").
func SetSystemTimezone(timezone, zonename string) (Command, error) {
	if timezone == "" || zonename == "" {
		return Command{}, fmt.Errorf("%w: timezone and zone name are required", ErrInvalidArgument)
	}

	return authenticatedObject(CmdSetSystemTimezone,
		field{key: "timezone", value: timezone},
		field{key: "zonename", value: zonename},
	)
}

// Pool is one mining pool slot.
type Pool struct {
	URL      string `yaml:"url"`
	Worker   string `yaml:"worker"`
	Password string `yaml:"password"`
}

// SetMinerPools replaces the pool configuration with pools, in order. The
// list is encrypted as it carries worker passwords.
func SetMinerPools(pools []Pool) (Command, error) {
	if len(pools) == 0 || len(pools) > MaxPools {
		return Command{}, fmt.Errorf("%w: %d pools, expected 1 to %d", ErrInvalidArgument, len(pools), MaxPools)
	}

	objects := make([][]field, 0, len(pools))

	for i, p := range pools {
		if p.URL == "" {
			return Command{}, fmt.Errorf("%w: pool %d has no URL", ErrInvalidArgument, i+1)
		}

		objects = append(objects, []field{
			{key: "pool", value: p.URL},
			{key: "worker", value: p.Worker},
			{key: "passwd", value: p.Password},
		})
	}

	data, err := dumpList(objects...)
	if err != nil {
		return Command{}, fmt.Errorf("failed to encode pools: %w", err)
	}

	return Command{Name: CmdSetMinerPools, Plaintext: data, Kind: Encrypted}, nil
}

// SetUserPasswd changes the password of account. The request is encrypted.
func SetUserPasswd(account, oldPassword, newPassword string) (Command, error) {
	if err := oneOf("account", account, Accounts...); err != nil {
		return Command{}, err
	}

	if newPassword == "" {
		return Command{}, fmt.Errorf("%w: empty new password", ErrInvalidArgument)
	}

	data, err := dumps(
		field{key: "account", value: account},
		field{key: "new", value: newPassword},
		field{key: "old", value: oldPassword},
	)
	if err != nil {
		return Command{}, fmt.Errorf("failed to encode password change: %w", err)
	}

	return Command{Name: CmdSetUserChangePasswd, Plaintext: data, Kind: Encrypted}, nil
}
