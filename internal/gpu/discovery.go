// Package gpu discovers graphics devices and wraps vendor driver access.
package gpu

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

const (
	drmClassPath = "class/drm"

	VendorAMD    = "amd"
	VendorNVIDIA = "nvidia"
	VendorIntel  = "intel"

	pciVendorAMD    = "1002"
	pciVendorNVIDIA = "10de"
	pciVendorIntel  = "8086"
)

// Info describes a single GPU device discovered via sysfs.
type Info struct {
	ID     string `json:"id"`
	PCI    string `json:"pci,omitempty"`
	PCIID  string `json:"pci_id,omitempty"`
	Vendor string `json:"vendor"`
	Driver string `json:"driver,omitempty"`
	Name   string `json:"name,omitempty"`
}

// IsAMDGPU reports whether the card is driven by amdgpu and therefore exposes
// the sysfs telemetry files the AMD source reads.
func (i Info) IsAMDGPU() bool {
	return i.Vendor == VendorAMD && (i.Driver == "" || i.Driver == "amdgpu")
}

// Discover enumerates DRM cards exposed via sysfs under the provided root.
// A missing DRM class directory is not an error: it means no GPUs.
func Discover(root string, logger *slog.Logger) ([]Info, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	sysRoot, err := os.OpenRoot(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Debug("sysfs root missing", "path", root)
			return nil, nil
		}
		return nil, fmt.Errorf("open sysfs root: %w", err)
	}
	defer sysRoot.Close()

	entries, err := fs.ReadDir(sysRoot.FS(), drmClassPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Debug("drm class path missing", "path", filepath.Join(root, drmClassPath))
			return nil, nil
		}
		return nil, fmt.Errorf("read drm class dir: %w", err)
	}

	var infos []Info
	for _, entry := range entries {
		name := entry.Name()
		if !isCardName(name) {
			continue
		}
		if !entry.IsDir() && entry.Type()&os.ModeSymlink == 0 {
			continue
		}

		cardRoot, err := sysRoot.OpenRoot(filepath.Join(drmClassPath, name))
		if err != nil {
			logger.Warn("failed to open card root", "card", name, "err", err)
			continue
		}

		info, err := loadCardInfo(name, cardRoot)
		if err := cardRoot.Close(); err != nil {
			logger.Debug("failed to close card root", "card", name, "err", err)
		}
		if err != nil {
			logger.Warn("failed to load card info", "card", name, "err", err)
			continue
		}
		infos = append(infos, info)
	}

	return infos, nil
}

func isCardName(name string) bool {
	if !strings.HasPrefix(name, "card") || strings.ContainsRune(name, '-') {
		return false
	}
	return allDigits(name[len("card"):])
}

func loadCardInfo(cardID string, cardRoot *os.Root) (Info, error) {
	deviceRoot, err := cardRoot.OpenRoot("device")
	if err != nil {
		return Info{}, fmt.Errorf("open device root: %w", err)
	}
	defer deviceRoot.Close()

	var (
		pciSlot   string
		pciID     string
		driver    string
		subVendor string
		subDevice string
	)

	if data, err := deviceRoot.ReadFile("uevent"); err == nil {
		text := string(data)
		pciSlot = parseKeyValue(text, "PCI_SLOT_NAME")
		pciID = parseKeyValue(text, "PCI_ID")
		driver = parseKeyValue(text, "DRIVER")
		if subsys := parseKeyValue(text, "PCI_SUBSYS_ID"); subsys != "" {
			if parts := strings.SplitN(subsys, ":", 2); len(parts) == 2 {
				subVendor = parts[0]
				subDevice = parts[1]
			}
		}
	}

	if pciID == "" {
		if vendor, err := readTrim(deviceRoot, "vendor"); err == nil {
			if device, err := readTrim(deviceRoot, "device"); err == nil {
				pciID = formatHexPair(vendor, device)
			}
		}
	}

	if subVendor == "" {
		subVendor, _ = readTrim(deviceRoot, "subsystem_vendor")
	}
	if subDevice == "" {
		subDevice, _ = readTrim(deviceRoot, "subsystem_device")
	}

	vendorID, deviceID := splitPCIIdentifier(pciID)
	name, _ := readTrim(deviceRoot, "product_name")
	if resolved := LookupName(vendorID, deviceID, subVendor, subDevice); shouldUseResolvedName(name, resolved) {
		name = resolved
	}

	return Info{
		ID:     cardID,
		PCI:    pciSlot,
		PCIID:  strings.ToLower(pciID),
		Vendor: vendorName(vendorID),
		Driver: driver,
		Name:   name,
	}, nil
}

func vendorName(vendorID string) string {
	switch normalizePCIID(vendorID) {
	case pciVendorAMD:
		return VendorAMD
	case pciVendorNVIDIA:
		return VendorNVIDIA
	case pciVendorIntel:
		return VendorIntel
	case "":
		return "unknown"
	default:
		return normalizePCIID(vendorID)
	}
}

func parseKeyValue(data, key string) string {
	prefix := key + "="
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix))
		}
	}
	return ""
}

func readTrim(root *os.Root, name string) (string, error) {
	data, err := root.ReadFile(name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func formatHexPair(vendor, device string) string {
	return strings.TrimPrefix(vendor, "0x") + ":" + strings.TrimPrefix(device, "0x")
}

func allDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
