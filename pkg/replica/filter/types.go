// Package filter decides which files under the source directory take part
// in replication. It supports include globs, excluded extensions, exclude
// globs, a minimum size and a maximum directory depth.
package filter

import (
	"errors"
	"path/filepath"
	"strings"
	"time"
)

// ErrInvalidPattern indicates that a glob pattern could not be compiled.
var ErrInvalidPattern = errors.New("invalid glob pattern")

// TypeGroups maps group names to the extensions produced by common
// acquisition software. Groups can be used in place of explicit include globs.
var TypeGroups = map[string][]string{
	"microscopy": {
		".tif", ".tiff", ".ome.tif", ".ome.tiff", ".nd2", ".czi", ".lif", ".ims", ".lsm", ".oib", ".oir",
	},
	"astronomy": {
		".fits", ".fit", ".fts", ".fz",
	},
	"medical": {
		".dcm", ".nii", ".nii.gz", ".nrrd", ".mha", ".mhd",
	},
	"volume": {
		".h5", ".hdf5", ".mrc", ".zarr", ".n5", ".klb",
	},
	"camera": {
		".raw", ".dng", ".cr2", ".nef", ".arw", ".png", ".jpg", ".jpeg",
	},
}

// DefaultExcludeExtensions are in-flight markers written by acquisition
// tools and by the copy engine itself.
var DefaultExcludeExtensions = []string{
	".tmp", ".part", ".partial", ".crdownload", ".lock", ".swp",
}

// FileInfo is the subset of file metadata a filter inspects.
type FileInfo struct {
	// Path is the absolute path to the file.
	Path string

	// Rel is the path relative to the watched root, using forward slashes.
	Rel string

	// Size is the file size in bytes. Negative means unknown.
	Size int64

	// ModTime is the last modification time of the file.
	ModTime time.Time

	// Depth is the directory depth relative to the watched root (0 = root).
	Depth int
}

// NewFileInfo builds a FileInfo for path relative to root.
func NewFileInfo(root, path string, size int64, modTime time.Time) FileInfo {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(path)
	}
	rel = filepath.ToSlash(rel)
	return FileInfo{
		Path:    path,
		Rel:     rel,
		Size:    size,
		ModTime: modTime,
		Depth:   strings.Count(rel, "/"),
	}
}

// Name returns the base name of the file.
func (fi FileInfo) Name() string {
	return filepath.Base(fi.Path)
}

var zeroTime time.Time
