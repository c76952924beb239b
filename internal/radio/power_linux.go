//go:build linux

package radio

import (
	"fmt"
	"os/exec"
	"strconv"
)

// IWPowerSink drives a monitor-mode interface's fixed TX power level
// through the `iw` CLI, implementing internal/link's PowerSink interface
// (structurally — this package never imports internal/link, keeping the
// same caller-supplied-interface shape the rest of the codebase uses to
// avoid cyclic construction, spec.md §9).
//
// No Go netlink/nl80211 library is present in this module's dependency
// pack, and mdlayher/netlink-style raw netlink plumbing is a large surface
// to build from scratch; `iw` is the standard userspace tool for exactly
// this one operation, so IWPowerSink shells out to it rather than hand-
// rolling nl80211 framing. See DESIGN.md for the stdlib-os/exec
// justification this entry requires.
type IWPowerSink struct {
	ifName string
}

// NewIWPowerSink creates an IWPowerSink for ifName.
func NewIWPowerSink(ifName string) *IWPowerSink {
	return &IWPowerSink{ifName: ifName}
}

// SetTXPower sets ifName's fixed TX power to levelMbm (driver-specific
// units, passed straight through to `iw ... set txpower fixed`).
func (s *IWPowerSink) SetTXPower(levelMbm int) error {
	cmd := exec.Command("iw", "dev", s.ifName, "set", "txpower", "fixed", strconv.Itoa(levelMbm))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("iw set txpower %s %d: %w: %s", s.ifName, levelMbm, err, out)
	}
	return nil
}
