package hostdev_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/wardenhv/warden/internal/acpi"
	"github.com/wardenhv/warden/internal/hw/hostdev"
)

func TestFirmwareTablesServesDMAR(t *testing.T) {
	dir := t.TempDir()
	table := acpi.BuildDMAR(&acpi.DMAR{
		HostAddressWidth: 38,
		Units:            []acpi.DRHD{{RegisterBase: 0xfed90000}},
	})
	if err := os.WriteFile(filepath.Join(dir, "DMAR"), table, 0o644); err != nil {
		t.Fatal(err)
	}

	ft := hostdev.FirmwareTables{Dir: dir}
	got, ok := ft.Table(acpi.DMARSignature)
	if !ok {
		t.Fatal("table not served from fixture dir")
	}
	if !bytes.Equal(got, table) {
		t.Fatal("served table differs from the file on disk")
	}

	d, err := acpi.ParseDMAR(got)
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Units) != 1 || d.Units[0].RegisterBase != 0xfed90000 {
		t.Fatalf("parsed units %+v", d.Units)
	}
}

func TestFirmwareTablesMissing(t *testing.T) {
	ft := hostdev.FirmwareTables{Dir: t.TempDir()}
	if _, ok := ft.Table("DMAR"); ok {
		t.Fatal("missing table reported as present")
	}
}
