// Package deviceid resolves and persists the agent's stable device identifier.
//
// Derivation is explicitly not load-bearing: the contract only requires a
// deterministic, hex string stable across reboots. Callers that need a
// different derivation strategy can supply their own DeviceIdentifier.
package deviceid

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// DeviceIdentifier derives the raw device fingerprint before persistence and
// override handling are applied.
type DeviceIdentifier interface {
	Derive() (string, error)
}

// DefaultDeviceIdentifier hashes the hostname, primary MAC address and OS
// name into a stable hex string.
type DefaultDeviceIdentifier struct{}

// Derive implements DeviceIdentifier.
func (DefaultDeviceIdentifier) Derive() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}

	mac := primaryMAC()

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s", hostname, mac, runtime.GOOS)
	return hex.EncodeToString(h.Sum(nil))[:32], nil
}

// primaryMAC returns the first non-empty hardware address found among the
// host's network interfaces, in stable (sorted by interface name) order.
func primaryMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	sort.Slice(ifaces, func(i, j int) bool { return ifaces[i].Name < ifaces[j].Name })
	for _, iface := range ifaces {
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return ""
}

// info is the persisted device-info.json sidecar.
type info struct {
	DeviceID string `json:"deviceId"`
}

// Resolve returns the agent's device id, honoring the DEVICE_ID environment
// override and persisting (or reusing) a device-info file in configDir. When
// instanceID is non-empty the sidecar file is named
// device-info-<instanceID>.json so multiple agent instances on one host do
// not collide.
func Resolve(identifier DeviceIdentifier, configDir, instanceID string) (string, error) {
	if override := strings.TrimSpace(os.Getenv("DEVICE_ID")); override != "" {
		return override, nil
	}

	path := sidecarPath(configDir, instanceID)

	if existing, err := readSidecar(path); err == nil && existing != "" {
		return existing, nil
	}

	id, err := identifier.Derive()
	if err != nil {
		return "", fmt.Errorf("derive device id: %w", err)
	}

	if err := writeSidecar(path, id); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}

	return id, nil
}

func sidecarPath(configDir, instanceID string) string {
	name := "device-info.json"
	if instanceID != "" {
		name = fmt.Sprintf("device-info-%s.json", instanceID)
	}
	return filepath.Join(configDir, name)
}

func readSidecar(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var v info
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	return v.DeviceID, nil
}

func writeSidecar(path, deviceID string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(info{DeviceID: deviceID}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}
