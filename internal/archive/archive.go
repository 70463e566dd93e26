// Package archive packs an artifact's data directory into a single
// zstd-compressed tar file and back.
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// TempSuffix marks an archive that has not been verified yet.
const TempSuffix = ".tmp"

// ErrUnsafePath is returned when an archive entry would escape the
// extraction directory.
var ErrUnsafePath = errors.New("archive entry escapes destination")

// Create packs srcDir into dst. The archive is written to dst+TempSuffix,
// fully decoded once to confirm it is readable, and only then renamed to
// dst. srcDir is never modified. It returns the size of dst.
func Create(ctx context.Context, srcDir, dst string) (int64, error) {
	tmp := dst + TempSuffix
	if err := write(ctx, srcDir, tmp); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if _, err := Verify(ctx, tmp); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("verify archive %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("commit archive %s: %w", dst, err)
	}
	info, err := os.Stat(dst)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func write(ctx context.Context, srcDir, dst string) error {
	outFile, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer outFile.Close()

	zw, err := zstd.NewWriter(outFile)
	if err != nil {
		return fmt.Errorf("failed to create Zstandard writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	walkErr := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil || rel == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		return copyFile(tw, path)
	})
	if walkErr != nil {
		zw.Close()
		return fmt.Errorf("failed to compress %s: %w", srcDir, walkErr)
	}
	if err := tw.Close(); err != nil {
		zw.Close()
		return fmt.Errorf("close tar stream: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd stream: %w", err)
	}
	if err := outFile.Sync(); err != nil {
		return fmt.Errorf("sync archive: %w", err)
	}
	return outFile.Close()
}

func copyFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// Verify decodes the whole archive and returns the number of entries.
func Verify(ctx context.Context, path string) (int, error) {
	n := 0
	err := each(ctx, path, func(_ *tar.Header, r io.Reader) error {
		n++
		_, err := io.Copy(io.Discard, r)
		return err
	})
	return n, err
}

// Extract unpacks the archive at path into dstDir.
func Extract(ctx context.Context, path, dstDir string) error {
	if err := os.MkdirAll(dstDir, 0o750); err != nil {
		return err
	}
	return each(ctx, path, func(hdr *tar.Header, r io.Reader) error {
		target := filepath.Join(dstDir, filepath.FromSlash(hdr.Name))
		if target != dstDir && !strings.HasPrefix(target, filepath.Clean(dstDir)+string(os.PathSeparator)) {
			return fmt.Errorf("%w: %s", ErrUnsafePath, hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			return os.MkdirAll(target, 0o750)
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, hdr.FileInfo().Mode().Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, r); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		}
		return nil
	})
}

func each(ctx context.Context, path string, fn func(*tar.Header, io.Reader) error) error {
	inFile, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer inFile.Close()

	zr, err := zstd.NewReader(inFile)
	if err != nil {
		return fmt.Errorf("failed to create Zstandard reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive %s: %w", path, err)
		}
		if err := fn(hdr, tr); err != nil {
			return fmt.Errorf("%s: %w", hdr.Name, err)
		}
	}
}
