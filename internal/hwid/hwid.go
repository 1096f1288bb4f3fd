// Package hwid derives the stable hardware fingerprint a license binds
// to. Only the digest ever leaves the host; the raw components stay local.
package hwid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
)

// idLength is the hex length of a full hardware identifier.
const idLength = 64

// shortLength is the display form length.
const shortLength = 12

// Provider computes and caches the local hardware identifier. The inputs
// are stable across reboots, so the value is computed once per process.
type Provider struct {
	once sync.Once
	id   string
	err  error
}

// NewProvider returns a hardware identity provider.
func NewProvider() *Provider {
	return &Provider{}
}

// Compute returns the hardware identifier for this host: the SHA-256
// digest of machine id, primary MAC, hostname, OS, and architecture.
// No wall-clock, network identity, or user state is included.
func (p *Provider) Compute() (string, error) {
	p.once.Do(func() {
		p.id, p.err = compute()
	})
	return p.id, p.err
}

func compute() (string, error) {
	components := []string{
		machineID(),
		primaryMAC(),
		hostname(),
		runtime.GOOS,
		runtime.GOARCH,
	}
	joined := strings.Join(components, "|")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:]), nil
}

// Short returns the 12-character uppercase display form of an identifier.
func Short(id string) string {
	if len(id) < shortLength {
		return strings.ToUpper(id)
	}
	return strings.ToUpper(id[:shortLength])
}

// Valid reports whether s looks like a full hardware identifier.
func Valid(s string) bool {
	if len(s) != idLength {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// machineID reads the OS machine identifier where one exists. Absence is
// tolerated; the remaining components still distinguish hosts.
func machineID() string {
	paths := []string{
		"/etc/machine-id",
		"/var/lib/dbus/machine-id",
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}
	if runtime.GOOS == "windows" {
		if procID := os.Getenv("PROCESSOR_IDENTIFIER"); procID != "" {
			sum := sha256.Sum256([]byte(procID))
			return hex.EncodeToString(sum[:8])
		}
	}
	return fmt.Sprintf("no-machine-id-%s", runtime.GOOS)
}

// primaryMAC returns the MAC of the first up, non-loopback interface.
func primaryMAC() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "unknown-mac"
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac
		}
	}
	// Fallback: any interface with a MAC, regardless of state.
	for _, iface := range interfaces {
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac
		}
	}
	return "unknown-mac"
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown-host"
	}
	return strings.ToLower(strings.TrimSpace(name))
}
