package link

import (
	"net"
	"strconv"
)

// DeviceInfo is what the proxy learns about a device on each event.
type DeviceInfo struct {
	IMEI       string
	RemoteIP   string
	RemotePort int
	State      DeviceState
}

func newDeviceInfo(imei, remote string, state DeviceState) DeviceInfo {
	info := DeviceInfo{IMEI: imei, State: state}
	host, port, err := net.SplitHostPort(remote)
	if err != nil {
		info.RemoteIP = remote
		return info
	}
	info.RemoteIP = host
	info.RemotePort, _ = strconv.Atoi(port)
	return info
}
