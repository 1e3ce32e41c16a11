// Package compress stages compressed copies of slices before upload.
package compress

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"
)

// Codec names a compression format.
type Codec string

const (
	Gzip Codec = "gzip"
	Zstd Codec = "zstd"
)

// Ext returns the file extension appended to compressed slices.
func (c Codec) Ext() string {
	if c == Zstd {
		return ".zst"
	}
	return ".gz"
}

// compressedExts are left as they are.
var compressedExts = map[string]bool{
	".gz":   true,
	".gzip": true,
	".zip":  true,
	".zst":  true,
}

// AlreadyCompressed reports whether path looks compressed already.
func AlreadyCompressed(path string) bool {
	return compressedExts[strings.ToLower(filepath.Ext(path))]
}

// Stager writes compressed copies of slices into a staging directory.
type Stager struct {
	codec       Codec
	dir         string // parent for staging directories; "" = os.TempDir()
	concurrency int
}

// NewStager creates a stager for codec.
func NewStager(codec Codec, dir string) (*Stager, error) {
	switch codec {
	case Gzip, Zstd:
	default:
		return nil, fmt.Errorf("unknown codec: %s", codec)
	}
	return &Stager{
		codec:       codec,
		dir:         dir,
		concurrency: runtime.NumCPU(),
	}, nil
}

// Staged is the result of Stage.
type Staged struct {
	// Paths replaces the input paths one for one, in the same order.
	Paths []string
	// Compressed counts slices that were compressed rather than passed through.
	Compressed int

	dir string
}

// Cleanup removes the staging directory.
func (s *Staged) Cleanup() error {
	if s == nil || s.dir == "" {
		return nil
	}
	return os.RemoveAll(s.dir)
}

// Stage compresses every path that is not compressed already. The returned
// paths keep the input order; compressed copies keep the original basename
// plus the codec extension.
func (s *Stager) Stage(ctx context.Context, paths []string) (*Staged, error) {
	dir, err := os.MkdirTemp(s.dir, "sliced-staging-")
	if err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}
	staged := &Staged{Paths: make([]string, len(paths)), dir: dir}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for i, src := range paths {
		if AlreadyCompressed(src) {
			staged.Paths[i] = src
			continue
		}
		staged.Compressed++

		// One subdirectory per slice keeps equal basenames apart.
		dst := filepath.Join(dir, fmt.Sprintf("%05d", i), filepath.Base(src)+s.codec.Ext())
		staged.Paths[i] = dst

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return s.compressFile(src, dst)
		})
	}

	if err := g.Wait(); err != nil {
		staged.Cleanup()
		return nil, err
	}
	return staged, nil
}

func (s *Stager) compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(dst), err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}

	w, err := s.newWriter(out)
	if err != nil {
		out.Close()
		return err
	}

	if _, err := io.Copy(w, in); err != nil {
		w.Close()
		out.Close()
		return fmt.Errorf("compress %s: %w", src, err)
	}
	if err := w.Close(); err != nil {
		out.Close()
		return fmt.Errorf("finish %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}
	return nil
}

func (s *Stager) newWriter(w io.Writer) (io.WriteCloser, error) {
	switch s.codec {
	case Zstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		return enc, nil
	default:
		return gzip.NewWriterLevel(w, gzip.DefaultCompression)
	}
}
