package ctrmon

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// CgroupRoot is where the cgroup hierarchies are mounted.
var CgroupRoot = "/sys/fs/cgroup"

// memoryCgroup is the memory cgroup of a process.
type memoryCgroup struct {
	// Path is the cgroup directory.
	Path string
	// Unified is true for a cgroup v2 hierarchy.
	Unified bool
}

// findMemoryCgroup finds the memory cgroup of the given process.
func findMemoryCgroup(pid int) (memoryCgroup, error) {
	f, err := os.Open(filepath.Join("/proc", strconv.Itoa(pid), "cgroup"))
	if err != nil {
		return memoryCgroup{}, errors.Wrap(err, "failed to open process cgroup file")
	}
	defer f.Close()

	return parseMemoryCgroup(f, CgroupRoot)
}

// parseMemoryCgroup parses a /proc/<pid>/cgroup file. A v1 memory controller
// is preferred over the unified hierarchy, since hybrid setups mount the
// unified hierarchy without the memory controller.
func parseMemoryCgroup(r io.Reader, root string) (memoryCgroup, error) {
	var unified string
	var hasUnified bool

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		// hierarchy-ID:controller-list:cgroup-path
		parts := strings.SplitN(scanner.Text(), ":", 3)
		if len(parts) != 3 {
			continue
		}

		if parts[0] == "0" && parts[1] == "" {
			unified = parts[2]
			hasUnified = true
			continue
		}

		for _, controller := range strings.Split(parts[1], ",") {
			if controller == "memory" {
				return memoryCgroup{
					Path: filepath.Join(root, "memory", parts[2]),
				}, nil
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return memoryCgroup{}, errors.Wrap(err, "failed to read cgroup file")
	}

	if !hasUnified {
		return memoryCgroup{}, errors.New("no memory cgroup found")
	}

	return memoryCgroup{
		Path:    filepath.Join(root, unified),
		Unified: true,
	}, nil
}
