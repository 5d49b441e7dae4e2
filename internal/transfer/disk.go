package transfer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
)

// freeBytesFunc reports the free space of the filesystem holding path.
type freeBytesFunc func(path string) (uint64, error)

func diskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// preflight creates the destination directory and checks it has at least
// minFree bytes available.
func preflight(dest string, minFree int64, free freeBytesFunc) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Fail(ErrorFileError, fmt.Errorf("create download dir: %w", err))
	}
	if minFree <= 0 || free == nil {
		return nil
	}
	avail, err := free(dir)
	if err != nil {
		log.Debug("disk usage unavailable, skipping space check", "dir", dir, "error", err)
		return nil
	}
	if avail < uint64(minFree) {
		return Fail(ErrorInsufficientSpace, fmt.Errorf("%d bytes free in %s, need %d", avail, dir, minFree))
	}
	return nil
}
