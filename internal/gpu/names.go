package gpu

import (
	"fmt"
	"strings"
	"sync"

	"github.com/jaypipes/pcidb"
)

var (
	pciOnce sync.Once
	pciDB   *pcidb.PCIDB
	pciErr  error
)

// LookupName resolves a marketing name from the PCI ID database. It returns
// an empty string when the database or the product is unknown.
func LookupName(vendorID, deviceID, subVendorID, subDeviceID string) string {
	vendorID = normalizePCIID(vendorID)
	deviceID = normalizePCIID(deviceID)
	if vendorID == "" || deviceID == "" {
		return ""
	}

	db := loadPCIDatabase()
	if db == nil {
		return ""
	}

	product, ok := db.Products[vendorID+deviceID]
	if !ok || product == nil {
		return ""
	}

	subVendorID = normalizePCIID(subVendorID)
	subDeviceID = normalizePCIID(subDeviceID)
	if subVendorID != "" && subDeviceID != "" {
		for _, subsystem := range product.Subsystems {
			if subsystem == nil {
				continue
			}
			if strings.EqualFold(subsystem.VendorID, subVendorID) && strings.EqualFold(subsystem.ID, subDeviceID) && subsystem.Name != "" {
				return subsystem.Name
			}
		}
	}

	return product.Name
}

// LookupNVIDIAName resolves a name from the packed identifiers NVML reports
// in its PCI info: device id in the upper 16 bits, vendor in the lower 16.
func LookupNVIDIAName(pciDeviceID uint32, pciSubsystemID uint32) string {
	deviceID, subVendor, subDevice := splitNVMLPCIIDs(pciDeviceID, pciSubsystemID)
	return LookupName(pciVendorNVIDIA, deviceID, subVendor, subDevice)
}

func splitNVMLPCIIDs(pciDeviceID, pciSubsystemID uint32) (deviceID, subVendor, subDevice string) {
	return fmt.Sprintf("%04x", pciDeviceID>>16),
		fmt.Sprintf("%04x", pciSubsystemID&0xffff),
		fmt.Sprintf("%04x", pciSubsystemID>>16)
}

func loadPCIDatabase() *pcidb.PCIDB {
	pciOnce.Do(func() {
		pciDB, pciErr = pcidb.New()
	})
	if pciErr != nil || pciDB == nil {
		return nil
	}
	return pciDB
}

func normalizePCIID(raw string) string {
	value := strings.TrimSpace(raw)
	value = strings.TrimPrefix(value, "0x")
	value = strings.TrimPrefix(value, "0X")
	if value == "" {
		return ""
	}
	value = strings.ToLower(value)
	if len(value) < 4 {
		value = strings.Repeat("0", 4-len(value)) + value
	}
	return value
}

func splitPCIIdentifier(pciID string) (vendorID string, deviceID string) {
	parts := strings.SplitN(pciID, ":", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}

func shouldUseResolvedName(current, resolved string) bool {
	if resolved == "" {
		return false
	}
	lower := strings.ToLower(strings.TrimSpace(current))
	switch {
	case lower == "", lower == "amdgpu", lower == "radeon", lower == "nvidia", lower == "unknown":
		return true
	case strings.HasPrefix(lower, "pci device"), strings.HasPrefix(lower, "0x"):
		return true
	}
	return false
}
