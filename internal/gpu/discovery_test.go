package gpu

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestDiscover(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	card0 := createCard(t, root, "card0")
	writeFile(t, filepath.Join(card0, "uevent"), "DRIVER=amdgpu\nPCI_ID=1002:73DF\nPCI_SLOT_NAME=0000:0a:00.0\n")
	writeFile(t, filepath.Join(card0, "product_name"), "AMD Radeon RX 6800\n")

	card1 := createCard(t, root, "card1")
	writeFile(t, filepath.Join(card1, "uevent"), "DRIVER=nvidia\n")
	writeFile(t, filepath.Join(card1, "vendor"), "0x10de\n")
	writeFile(t, filepath.Join(card1, "device"), "0x2204\n")
	writeFile(t, filepath.Join(card1, "product_name"), "Test GeForce\n")

	// Connector entries must be ignored.
	if err := os.MkdirAll(filepath.Join(root, "class", "drm", "card0-DP-1"), 0o750); err != nil {
		t.Fatalf("mkdir connector: %v", err)
	}

	infos, err := Discover(root, logger)
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 GPUs, got %d: %+v", len(infos), infos)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	amd := infos[0]
	if amd.ID != "card0" || amd.Vendor != VendorAMD || amd.Driver != "amdgpu" {
		t.Fatalf("unexpected card0 info: %+v", amd)
	}
	if amd.PCIID != "1002:73df" {
		t.Errorf("unexpected PCI ID: %q", amd.PCIID)
	}
	if amd.PCI != "0000:0a:00.0" {
		t.Errorf("unexpected PCI slot: %q", amd.PCI)
	}
	if amd.Name != "AMD Radeon RX 6800" {
		t.Errorf("unexpected name: %q", amd.Name)
	}
	if !amd.IsAMDGPU() {
		t.Errorf("card0 should be reported as amdgpu")
	}

	nv := infos[1]
	if nv.Vendor != VendorNVIDIA {
		t.Errorf("expected nvidia vendor from vendor file, got %q", nv.Vendor)
	}
	if nv.PCIID != "10de:2204" {
		t.Errorf("expected PCI ID fallback to vendor/device, got %q", nv.PCIID)
	}
	if nv.IsAMDGPU() {
		t.Errorf("card1 must not be reported as amdgpu")
	}
}

func TestDiscoverMissingDRMClass(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	infos, err := Discover(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("expected 0 GPUs, got %d", len(infos))
	}

	infos, err = Discover(filepath.Join(t.TempDir(), "does-not-exist"), logger)
	if err != nil {
		t.Fatalf("Discover on missing root returned error: %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("expected 0 GPUs for missing root, got %d", len(infos))
	}
}

func TestNormalizePCIID(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":       "",
		"0x1002": "1002",
		"0X10DE": "10de",
		"abc":    "0abc",
		" 73df ": "73df",
	}
	for in, want := range cases {
		if got := normalizePCIID(in); got != want {
			t.Errorf("normalizePCIID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestShouldUseResolvedName(t *testing.T) {
	t.Parallel()

	if shouldUseResolvedName("AMD Radeon RX 6800", "Navi 21") {
		t.Errorf("a real product name must not be replaced")
	}
	if !shouldUseResolvedName("amdgpu", "Navi 21") {
		t.Errorf("driver name should be replaced by resolved name")
	}
	if shouldUseResolvedName("", "") {
		t.Errorf("empty resolved name must never be used")
	}
}

func TestSplitNVMLPCIIDs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		device, subsystem         uint32
		wantDevice, wantSubVendor string
		wantSubDevice             string
	}{
		{0x220410de, 0x147d10de, "2204", "10de", "147d"},
		{0x00ab10de, 0x00011043, "00ab", "1043", "0001"},
		{0, 0, "0000", "0000", "0000"},
	}
	for _, tt := range tests {
		device, subVendor, subDevice := splitNVMLPCIIDs(tt.device, tt.subsystem)
		if device != tt.wantDevice || subVendor != tt.wantSubVendor || subDevice != tt.wantSubDevice {
			t.Errorf("splitNVMLPCIIDs(%#x, %#x) = %s %s %s", tt.device, tt.subsystem, device, subVendor, subDevice)
		}
	}
}

func createCard(t *testing.T, root, cardID string) string {
	t.Helper()
	devicePath := filepath.Join(root, "class", "drm", cardID, "device")
	if err := os.MkdirAll(devicePath, 0o750); err != nil {
		t.Fatalf("failed to create device directory: %v", err)
	}
	return devicePath
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("failed to create directories for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}
