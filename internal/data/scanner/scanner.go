package scanner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/penwyp/go-pod-accounting/internal/util"
)

// FileScanner finds dump files below a directory.
type FileScanner struct {
	baseDir string
	// skipSuffixes excludes in-flight spool elements.
	skipSuffixes []string
}

func NewFileScanner(baseDir string) *FileScanner {
	return &FileScanner{
		baseDir:      baseDir,
		skipSuffixes: []string{".tmp", ".lck"},
	}
}

// Scan returns every regular file under the base directory, oldest modification first.
// Unreadable entries are skipped.
func (s *FileScanner) Scan() ([]*util.FileInfo, error) {
	start := time.Now()
	var files []*util.FileInfo
	dirCount := 0

	util.LogDebug(fmt.Sprintf("Start scanning directory: %s", s.baseDir))

	err := filepath.Walk(s.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			util.LogDebug(fmt.Sprintf("Skip file (error): %s - %v", path, err))
			return nil
		}
		if info.IsDir() {
			dirCount++
			return nil
		}
		if !info.Mode().IsRegular() || s.skipped(path) {
			return nil
		}
		fi, err := util.GetFileInfo(path)
		if err != nil {
			util.LogDebug(fmt.Sprintf("Skip file (stat): %s - %v", path, err))
			return nil
		}
		files = append(files, fi)
		return nil
	})

	sort.SliceStable(files, func(i, j int) bool {
		if !files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].ModTime.Before(files[j].ModTime)
		}
		return files[i].Path < files[j].Path
	})

	util.LogDebug(fmt.Sprintf("File scan completed: duration %v, scanned %d directories, found %d files",
		time.Since(start), dirCount, len(files)))

	return files, err
}

func (s *FileScanner) skipped(path string) bool {
	for _, suffix := range s.skipSuffixes {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}
