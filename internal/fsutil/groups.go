package fsutil

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// PrimaryGid reads the calling process's real gid from /proc/<pid>/status.
// fuseops.OpContext carries only Uid and Pid, not Gid (see
// https://github.com/jacobsa/fuse's fuseops.OpContext), so every access
// check that needs the caller's primary group resolves it from here,
// alongside SupplementaryGroups for the full list.
func PrimaryGid(pid uint32) (uint32, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "Gid:") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "Gid:"))
		if len(fields) == 0 {
			return 0, fmt.Errorf("malformed Gid line in /proc/%d/status", pid)
		}
		g, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return 0, err
		}
		return uint32(g), nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("no Gid line in /proc/%d/status", pid)
}

// SupplementaryGroups reads the calling process's supplementary group ids
// from /proc/<pid>/status, the same source the kernel itself populates
// the "Groups:" line from. The bridge only hands handlers a uid and pid
// (fuseops.OpContext), not the caller's full group list, so this
// is the one place that list can come from for the "gid must be in
// caller's supplementary groups" check in spec.md §4.7's setattr row.
func SupplementaryGroups(pid uint32) ([]uint32, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "Groups:") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "Groups:"))
		groups := make([]uint32, 0, len(fields))
		for _, field := range fields {
			g, err := strconv.ParseUint(field, 10, 32)
			if err != nil {
				continue
			}
			groups = append(groups, uint32(g))
		}
		return groups, nil
	}
	return nil, scanner.Err()
}
