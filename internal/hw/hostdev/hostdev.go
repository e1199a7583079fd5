// Package hostdev probes the machine the tool itself runs on.
//
// It adapts Linux's per-CPU device files and the firmware's sysfs export
// to the engine's hardware ports, read side only: enough to run the
// capability ladder and parse the remapping tables, nothing that could
// perturb the host. On other platforms OpenCPU and CPUs report
// ErrUnsupported.
package hostdev

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/wardenhv/warden/internal/acpi"
)

// ErrUnsupported is returned by probes on platforms without the device
// files this package reads.
var ErrUnsupported = errors.New("hostdev: host probing is only implemented on linux")

// FirmwareTables serves ACPI tables from the firmware's sysfs export.
// The zero value reads /sys/firmware/acpi/tables; tests point Dir at a
// fixture tree.
type FirmwareTables struct {
	Dir string
}

var _ acpi.Provider = FirmwareTables{}

func (f FirmwareTables) Table(sig string) ([]byte, bool) {
	dir := f.Dir
	if dir == "" {
		dir = "/sys/firmware/acpi/tables"
	}
	b, err := os.ReadFile(filepath.Join(dir, sig))
	if err != nil {
		return nil, false
	}
	return b, true
}
