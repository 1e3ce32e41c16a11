// Package slice enumerates the local files that make up a sliced upload
// and partitions them into batches.
package slice

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotReadable is returned when a slice path does not exist, is not a
// regular file, or cannot be opened for reading.
var ErrNotReadable = errors.New("slice not readable")

// ErrDuplicateName is returned when two slice paths share a basename and
// would therefore map to the same remote key.
var ErrDuplicateName = errors.New("duplicate slice name")

// Slice is one local file of a sliced upload.
type Slice struct {
	Path string // local filesystem path
	Size int64  // size in bytes at enumeration time
	Name string // basename, used to derive the remote key
}

// Key returns the remote object key for this slice under prefix.
// The prefix is used verbatim; callers supply the trailing separator.
func (s Slice) Key(prefix string) string {
	return prefix + s.Name
}

// Empty reports whether the slice has no content. Empty slices are sent
// with a single put instead of a multipart upload.
func (s Slice) Empty() bool {
	return s.Size == 0
}

// Stat checks that path names a readable regular file and returns its Slice.
func Stat(path string) (Slice, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Slice{}, fmt.Errorf("%w: %s: %v", ErrNotReadable, path, err)
	}
	if !info.Mode().IsRegular() {
		return Slice{}, fmt.Errorf("%w: %s: not a regular file", ErrNotReadable, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return Slice{}, fmt.Errorf("%w: %s: %v", ErrNotReadable, path, err)
	}
	f.Close()

	return Slice{
		Path: path,
		Size: info.Size(),
		Name: filepath.Base(path),
	}, nil
}

// Enumerate stats every path in order and returns the slices together with
// their aggregate size. It stops at the first unreadable path, or at the
// first path whose basename was already seen.
func Enumerate(paths []string) ([]Slice, int64, error) {
	slices := make([]Slice, 0, len(paths))
	seen := make(map[string]string, len(paths))
	var total int64

	for _, p := range paths {
		s, err := Stat(p)
		if err != nil {
			return nil, 0, err
		}
		if prev, ok := seen[s.Name]; ok {
			return nil, 0, fmt.Errorf("%w: %s and %s both map to %q", ErrDuplicateName, prev, p, s.Name)
		}
		seen[s.Name] = p
		slices = append(slices, s)
		total += s.Size
	}

	return slices, total, nil
}

// Batches splits slices into contiguous groups of at most size elements.
// Only the last group may be shorter. A non-positive size yields one batch.
func Batches(slices []Slice, size int) [][]Slice {
	if len(slices) == 0 {
		return nil
	}
	if size <= 0 || size > len(slices) {
		size = len(slices)
	}

	n := (len(slices) + size - 1) / size
	out := make([][]Slice, 0, n)
	for start := 0; start < len(slices); start += size {
		end := start + size
		if end > len(slices) {
			end = len(slices)
		}
		out = append(out, slices[start:end:end])
	}
	return out
}

// TotalSize sums the sizes of slices.
func TotalSize(slices []Slice) int64 {
	var total int64
	for _, s := range slices {
		total += s.Size
	}
	return total
}
