package sampler

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/skobkin/jobmon/internal/gpu"
)

const (
	drmClassPath        = "class/drm"
	gpuBusyFilename     = "gpu_busy_percent"
	memBusyFilename     = "mem_busy_percent"
	vramUsedFilename    = "mem_info_vram_used"
	vramTotalFilename   = "mem_info_vram_total"
	debugPmInfoFilename = "amdgpu_pm_info"
)

// AMDSource reads amdgpu sysfs telemetry for every discovered AMD card.
type AMDSource struct {
	readers []*cardReader
	logger  *slog.Logger
}

// cardReader fetches telemetry for a single amdgpu card.
type cardReader struct {
	info         gpu.Info
	devicePath   string
	debugCardDir string
	logger       *slog.Logger
}

// NewAMDSource builds readers for the amdgpu cards among infos. Cards whose
// device directory is missing are skipped. The source is unavailable when no
// reader could be built.
func NewAMDSource(infos []gpu.Info, sysfsRoot, debugfsRoot string, logger *slog.Logger) *AMDSource {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	src := &AMDSource{logger: logger}
	for _, info := range infos {
		if !info.IsAMDGPU() {
			continue
		}
		reader, err := newCardReader(info, sysfsRoot, debugfsRoot, logger)
		if err != nil {
			logger.Warn("failed to initialise amdgpu reader", "gpu_id", info.ID, "err", err)
			continue
		}
		src.readers = append(src.readers, reader)
	}
	return src
}

func newCardReader(info gpu.Info, sysfsRoot, debugfsRoot string, logger *slog.Logger) (*cardReader, error) {
	cardIndex, err := parseCardIndex(info.ID)
	if err != nil {
		return nil, err
	}

	devicePath := filepath.Join(sysfsRoot, drmClassPath, info.ID, "device")
	if _, err := os.Stat(devicePath); err != nil {
		return nil, fmt.Errorf("stat device path: %w", err)
	}

	return &cardReader{
		info:         info,
		devicePath:   devicePath,
		debugCardDir: filepath.Join(debugfsRoot, "dri", strconv.Itoa(cardIndex)),
		logger:       logger.With("card", info.ID),
	}, nil
}

func (a *AMDSource) Name() string { return "amdgpu" }

func (a *AMDSource) Available() bool { return len(a.readers) > 0 }

// Collect appends one Device per card. It fails only when no card produced
// any value, which the Sampler treats as "GPU absent for this sample".
func (a *AMDSource) Collect(ctx context.Context, sample *Sample) error {
	var found bool
	for _, reader := range a.readers {
		if err := ctx.Err(); err != nil {
			return err
		}
		dev := reader.read()
		if dev.MemoryUsedBytes == nil && dev.UtilizationPercent == nil {
			continue
		}
		found = true
		sample.GPUs = append(sample.GPUs, dev)
	}
	if !found {
		return errors.New("no amdgpu telemetry readable")
	}
	return nil
}

func (a *AMDSource) Close() error { return nil }

func (r *cardReader) read() Device {
	dev := Device{
		ID:     r.info.ID,
		Name:   r.info.Name,
		Vendor: gpu.VendorAMD,
	}

	dev.UtilizationPercent = r.readPercent(filepath.Join(r.devicePath, gpuBusyFilename))
	dev.MemoryUsedBytes = r.readUint(filepath.Join(r.devicePath, vramUsedFilename))
	dev.MemoryTotalBytes = r.readUint(filepath.Join(r.devicePath, vramTotalFilename))
	dev.MemoryUtilizationPercent = r.readPercent(filepath.Join(r.devicePath, memBusyFilename))
	if dev.MemoryUsedBytes != nil && dev.MemoryTotalBytes != nil && *dev.MemoryTotalBytes >= *dev.MemoryUsedBytes {
		dev.MemoryFreeBytes = uint64Ptr(*dev.MemoryTotalBytes - *dev.MemoryUsedBytes)
	}

	if dev.UtilizationPercent == nil {
		dev.UtilizationPercent = r.readDebugFSLoad()
	}
	return dev
}

func (r *cardReader) readPercent(path string) *float64 {
	value, err := readFloatValue(path)
	if err != nil || value < 0 {
		return nil
	}
	if value > 100 {
		// Some kernels report busy % scaled by 100.
		value = clamp(value/100, 0, 100)
	}
	return float64Ptr(value)
}

func (r *cardReader) readUint(path string) *uint64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	valueStr := strings.TrimSpace(string(data))
	if valueStr == "" {
		return nil
	}
	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		r.logger.Debug("failed to parse uint value", "path", path, "value", valueStr, "err", err)
		return nil
	}
	return uint64Ptr(value)
}

func (r *cardReader) readDebugFSLoad() *float64 {
	data, err := os.ReadFile(filepath.Join(r.debugCardDir, debugPmInfoFilename))
	if err != nil {
		return nil
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.Contains(strings.ToLower(line), "gpu load") {
			continue
		}
		if val, ok := extractFirstFloat(line); ok {
			return float64Ptr(clamp(val, 0, 100))
		}
	}
	return nil
}

func readFloatValue(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	valueStr := strings.TrimSpace(string(data))
	if valueStr == "" {
		return 0, fmt.Errorf("empty value")
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("parse float: %w", err)
	}
	return value, nil
}

func parseCardIndex(cardID string) (int, error) {
	if !strings.HasPrefix(cardID, "card") {
		return 0, fmt.Errorf("invalid card id %q", cardID)
	}
	index, err := strconv.Atoi(cardID[len("card"):])
	if err != nil {
		return 0, fmt.Errorf("parse card index: %w", err)
	}
	return index, nil
}

func extractFirstFloat(line string) (float64, bool) {
	var buf strings.Builder
	var seen bool
	for _, r := range line {
		if unicode.IsDigit(r) || r == '.' || (r == '-' && !seen) {
			buf.WriteRune(r)
			seen = true
			continue
		}
		if seen {
			if r == ',' {
				continue
			}
			break
		}
	}
	if !seen {
		return 0, false
	}
	value, err := strconv.ParseFloat(buf.String(), 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

func clamp(value, min, max float64) float64 {
	return math.Max(min, math.Min(max, value))
}
