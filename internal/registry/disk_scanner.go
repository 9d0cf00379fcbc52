package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/soltixdb/searchcoord/internal/logging"
)

// DiskScanner measures the storage a search node can offer from its index directory
type DiskScanner struct {
	dataDir string
	logger  *logging.Logger
}

// DiskUsage is what a node reports about its disk
type DiskUsage struct {
	TotalBytes int64
	UsedBytes  int64
}

// NewDiskScanner creates a scanner for dataDir
func NewDiskScanner(dataDir string, logger *logging.Logger) *DiskScanner {
	return &DiskScanner{
		dataDir: dataDir,
		logger:  logger,
	}
}

// Usage returns the filesystem capacity of the data directory and the bytes held by index
// files inside it. The directory is created when missing.
func (s *DiskScanner) Usage() (DiskUsage, error) {
	if _, err := os.Stat(s.dataDir); os.IsNotExist(err) {
		s.logger.Info("Data directory does not exist, creating", "data_dir", s.dataDir)
		if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
			return DiskUsage{}, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(s.dataDir, &stat); err != nil {
		return DiskUsage{}, fmt.Errorf("failed to get disk stats: %w", err)
	}

	used, err := s.directorySize(s.dataDir)
	if err != nil {
		return DiskUsage{}, err
	}

	return DiskUsage{
		TotalBytes: int64(stat.Blocks * uint64(stat.Bsize)),
		UsedBytes:  used,
	}, nil
}

func (s *DiskScanner) directorySize(path string) (int64, error) {
	var total int64
	err := filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			s.logger.Warn("Error accessing path", "path", p, "error", err)
			return nil
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan data directory: %w", err)
	}
	return total, nil
}
