// Package privcheck verifies the host capabilities this agent requires
// before it attempts to create the Session Map or attach to networking
// (spec §6, "Required host privileges... Absence is a fatal startup
// error"). Probing kernel-privilege mechanics themselves is out of scope
// of the core spec (§1); this package implements the startup-time gate
// that decision leaves to the agent.
package privcheck

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// requiredCap names one Linux capability this agent needs.
type requiredCap struct {
	bit  uint
	name string
}

// requiredCaps mirrors the two capabilities the classifier-loading agent
// needs: loading/attaching a BPF program and administering networking.
var requiredCaps = []requiredCap{
	{bit: unix.CAP_BPF, name: "CAP_BPF"},
	{bit: unix.CAP_NET_ADMIN, name: "CAP_NET_ADMIN"},
}

// ErrMissingCapabilities indicates one or more required capabilities are
// absent from the process's effective set.
var ErrMissingCapabilities = errors.New("missing required capabilities")

// Check reads the calling process's effective capability set and returns
// an error naming every capability from requiredCaps that is absent,
// rather than failing on the first miss — matching the original
// reference implementation's collect-all-then-report shape.
func Check() error {
	hdr := unix.CapUserHeader{
		Version: unix.LINUX_CAPABILITY_VERSION_3,
		Pid:     0, // the calling process
	}
	var data [2]unix.CapUserData

	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return fmt.Errorf("read process capabilities: %w", err)
	}

	return checkEffective(data)
}

// checkEffective is Check's pure logic, separated out so tests can supply
// synthetic capability data without needing real process privileges.
func checkEffective(data [2]unix.CapUserData) error {
	var missing []string
	for _, c := range requiredCaps {
		word, bit := c.bit/32, c.bit%32
		if data[word].Effective&(1<<bit) == 0 {
			missing = append(missing, c.name)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("%s: %w (please run with sudo or grant via setcap)",
			strings.Join(missing, ", "), ErrMissingCapabilities)
	}
	return nil
}
