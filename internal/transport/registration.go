package transport

import (
	"net"
	"os"
	"os/user"
	"runtime"
	"sort"
	"strings"
)

const defaultDeviceName = "未知设备"

// NetworkInfo describes the agent host's reachable network identity.
type NetworkInfo struct {
	WifiName     string   `json:"wifiName,omitempty"`
	LocalIP      string   `json:"localIp,omitempty"`
	MACAddresses []string `json:"macAddresses"`
}

// SystemInfo describes the agent host's platform.
type SystemInfo struct {
	Platform  string `json:"platform"`
	OSVersion string `json:"osVersion"`
	Arch      string `json:"arch"`
}

// AgentInfo describes this binary.
type AgentInfo struct {
	AgentVersion string `json:"agentVersion"`
}

// RegistrationPayload is the device:register body.
type RegistrationPayload struct {
	DeviceID   string      `json:"deviceId"`
	DeviceName string      `json:"deviceName"`
	System     SystemInfo  `json:"system"`
	Agent      AgentInfo   `json:"agent"`
	Network    NetworkInfo `json:"network"`
	Timestamp  int64       `json:"timestamp"`
}

// resolveDeviceName implements the name resolution order from the
// transport design: configured name (when preferred and non-default) ->
// system hostname -> configured name -> the literal fallback. The result
// is suffixed with instanceID when running as one of several instances
// on a host.
func resolveDeviceName(configuredName string, preferConfigName bool, instanceID string) string {
	name := ""

	if preferConfigName && configuredName != "" {
		name = configuredName
	}

	if name == "" {
		if host := systemHostname(); host != "" {
			name = host
		}
	}

	if name == "" && configuredName != "" {
		name = configuredName
	}

	if name == "" {
		name = defaultDeviceName
	}

	if instanceID == "" {
		instanceID = instanceSuffix()
	}
	if instanceID != "" {
		name = name + "-" + instanceID
	}

	return name
}

func systemHostname() string {
	candidates := []string{}

	if h, err := os.Hostname(); err == nil {
		candidates = append(candidates, h)
	}
	if runtime.GOOS == "windows" {
		candidates = append(candidates, os.Getenv("COMPUTERNAME"))
	} else {
		candidates = append(candidates, os.Getenv("HOSTNAME"))
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		candidates = append(candidates, u.Username+"-device")
	}

	for _, c := range candidates {
		c = strings.TrimSuffix(c, ".local")
		if c == "" || c == "localhost" || c == "localhost.localdomain" {
			continue
		}
		return c
	}
	return ""
}

func instanceSuffix() string {
	if v := os.Getenv("AGENT_INSTANCE_ID"); v != "" {
		return v
	}
	return ""
}

// discoverNetworkInfo enumerates the host's non-loopback interfaces,
// returning the first usable IPv4 address and all MAC addresses sorted by
// interface name, mirroring the derivation used for device identity.
func discoverNetworkInfo() NetworkInfo {
	info := NetworkInfo{MACAddresses: []string{}}

	ifaces, err := net.Interfaces()
	if err != nil {
		return info
	}
	sort.Slice(ifaces, func(i, j int) bool { return ifaces[i].Name < ifaces[j].Name })

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if iface.HardwareAddr.String() != "" {
			info.MACAddresses = append(info.MACAddresses, iface.HardwareAddr.String())
		}
		if info.LocalIP != "" {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				info.LocalIP = ip4.String()
				break
			}
		}
	}

	return info
}
