package util

import (
	"fmt"
	"os"
	"syscall"
	"time"
)

// FileInfo identifies one version of a file on disk.
type FileInfo struct {
	Path    string    `json:"path"`
	ModTime time.Time `json:"mod_time"`
	Size    int64     `json:"size"`
	Inode   uint64    `json:"inode"`
}

// GetFileInfo stats a regular file, including its inode. Supported on Linux and macOS.
func GetFileInfo(path string) (*FileInfo, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !stat.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", path)
	}

	sysStat, ok := stat.Sys().(*syscall.Stat_t)
	if !ok {
		return nil, fmt.Errorf("failed to get file system information: %s", path)
	}

	return &FileInfo{
		Path:    path,
		ModTime: stat.ModTime(),
		Size:    stat.Size(),
		Inode:   sysStat.Ino,
	}, nil
}

// SameVersion reports whether two infos describe the same unchanged file.
func (f *FileInfo) SameVersion(other *FileInfo) bool {
	return other != nil && f.Inode == other.Inode && f.Size == other.Size && f.ModTime.Equal(other.ModTime)
}
