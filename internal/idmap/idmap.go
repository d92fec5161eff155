// Package idmap invokes newuidmap/newgidmap to populate a user
// namespace's id mapping from the zygote's privileged context
// (SPEC_FULL.md §4.3 "WRITE_ID_MAP").
package idmap

import (
	"fmt"
	"os/exec"
	"strconv"

	log "github.com/sirupsen/logrus"
)

// Entry is one mapping triple: nsID ids starting at nsID map to hostID
// ids starting at hostID, for count consecutive ids.
type Entry struct {
	NSID   uint32
	HostID uint32
	Count  uint32
}

// Write invokes tool (expected to be "newuidmap" or "newgidmap") for pid
// with the given mapping entries. tool must be discoverable on PATH; a
// non-zero exit is fatal, per SPEC_FULL.md §6.
func Write(tool string, pid int, entries []Entry) error {
	path, err := exec.LookPath(tool)
	if err != nil {
		return fmt.Errorf("idmap: %s not found on PATH: %w", tool, err)
	}

	args := []string{strconv.Itoa(pid)}
	for _, e := range entries {
		args = append(args,
			strconv.FormatUint(uint64(e.NSID), 10),
			strconv.FormatUint(uint64(e.HostID), 10),
			strconv.FormatUint(uint64(e.Count), 10),
		)
	}

	cmd := exec.Command(path, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		log.WithFields(log.Fields{
			"tool": tool,
			"pid":  pid,
			"args": args,
		}).Errorf("idmap: %s failed: %s", tool, out)
		return fmt.Errorf("idmap: %s exited non-zero: %w", tool, err)
	}
	return nil
}

// WriteUIDMap maps root (ns 0) and the build user (ns 1000) to the
// allocated root/user host uids.
func WriteUIDMap(pid int, rootUID, userUID uint32) error {
	return Write("newuidmap", pid, []Entry{
		{NSID: 0, HostID: rootUID, Count: 1},
		{NSID: 1000, HostID: userUID, Count: 1},
	})
}

// WriteGIDMap maps root (ns 0) and the build user (ns 1000) to the
// allocated root/user host gids.
func WriteGIDMap(pid int, rootGID, userGID uint32) error {
	return Write("newgidmap", pid, []Entry{
		{NSID: 0, HostID: rootGID, Count: 1},
		{NSID: 1000, HostID: userGID, Count: 1},
	})
}
