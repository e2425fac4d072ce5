package sampler

import (
	"bufio"
	"bytes"
	"io/fs"
	"os"
	"path"
	"strconv"
	"strings"
)

// maxFDsPerProcess caps how many descriptors are inspected per process.
const maxFDsPerProcess = 1024

// drmClient is the memory accounting of one DRM client as exposed in
// /proc/<pid>/fdinfo/<fd>. Several descriptors may refer to the same client.
type drmClient struct {
	pdev     string
	clientID string
	vram     uint64
	hasVRAM  bool
}

func (c drmClient) key() string {
	return c.pdev + "/" + c.clientID
}

// parseDRMFDInfo extracts VRAM usage from one fdinfo file. ok is false when
// the descriptor is not a DRM client.
func parseDRMFDInfo(data []byte) (client drmClient, ok bool) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, found := strings.Cut(scanner.Text(), ":")
		if !found {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "drm-driver":
			ok = true
		case "drm-pdev":
			client.pdev = value
		case "drm-client-id":
			client.clientID = value
		case "drm-memory-vram", "drm-total-vram", "drm-resident-vram", "amd-requested-vram":
			size, parsed := parseSize(value)
			if !parsed {
				continue
			}
			// Drivers may expose the same buffer under several keys.
			if size > client.vram {
				client.vram = size
			}
			client.hasVRAM = true
		}
	}
	return client, ok
}

// parseSize reads values such as "262144 KiB" or "1048576".
func parseSize(value string) (uint64, bool) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return 0, false
	}
	n, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0, false
	}
	if len(fields) == 1 {
		return n, true
	}
	switch strings.ToLower(fields[1]) {
	case "b", "byte", "bytes":
		return n, true
	case "kib", "kb":
		return n << 10, true
	case "mib", "mb":
		return n << 20, true
	case "gib", "gb":
		return n << 30, true
	default:
		return 0, false
	}
}

// jobGPUMemory sums VRAM over the distinct DRM clients held by pids. ok is
// false when none of the processes exposes DRM memory accounting.
func jobGPUMemory(procRoot string, pids []int32) (total uint64, ok bool) {
	root, err := os.OpenRoot(procRoot)
	if err != nil {
		return 0, false
	}
	defer root.Close()

	clients := make(map[string]uint64)
	for _, pid := range pids {
		collectDRMClients(root, strconv.Itoa(int(pid)), clients)
	}
	if len(clients) == 0 {
		return 0, false
	}
	for _, vram := range clients {
		total += vram
	}
	return total, true
}

func collectDRMClients(root *os.Root, pid string, clients map[string]uint64) {
	fdDir := path.Join(pid, "fd")
	entries, err := fs.ReadDir(root.FS(), fdDir)
	if err != nil {
		return
	}

	for i, entry := range entries {
		if i >= maxFDsPerProcess {
			break
		}
		target, err := root.Readlink(path.Join(fdDir, entry.Name()))
		if err != nil || !strings.HasPrefix(target, "/dev/dri/") {
			continue
		}
		data, err := root.ReadFile(path.Join(pid, "fdinfo", entry.Name()))
		if err != nil {
			continue
		}
		client, isDRM := parseDRMFDInfo(data)
		if !isDRM || !client.hasVRAM {
			continue
		}
		if client.clientID == "" {
			// No id to deduplicate on: count the descriptor on its own.
			client.clientID = pid + ":" + entry.Name()
		}
		if client.vram > clients[client.key()] {
			clients[client.key()] = client.vram
		}
	}
}
