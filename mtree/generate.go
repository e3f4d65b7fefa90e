//go:build linux

package mtree

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"
)

// GenerateOptions configure [Generate].
type GenerateOptions struct {
	// Flags may select FlagGzip or FlagZstd to compress the output.
	Flags Flags
	// Jobs bounds how many files are hashed at once. Zero means GOMAXPROCS.
	Jobs   int
	Logger *slog.Logger
}

type generated struct {
	name   string
	kind   Kind
	mode   fs.FileMode
	size   int64
	mtime  int64 // nanoseconds
	link   string
	sha256 string
}

// Generate writes a manifest describing the tree at root to w, in the
// dialect accepted by [ParseEntry]. Files get type, mode, size, time and
// sha256digest; directories type, mode and time; symlinks type, mode and
// link. Sockets, fifos and devices are skipped with a warning.
//
// Entries appear in lexical walk order.
func Generate(ctx context.Context, root string, w io.Writer, opts GenerateOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	entries, err := collect(ctx, root, logger)
	if err != nil {
		return err
	}

	jobs := opts.Jobs
	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)

	for i := range entries {
		if entries[i].kind != KindFile {
			continue
		}

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			sum, err := hashFile(filepath.Join(root, entries[i].name))
			if err != nil {
				return err
			}

			entries[i].sha256 = sum

			return nil
		})
	}

	err = g.Wait()
	if err != nil {
		return err
	}

	out, finish, err := compressWriter(w, opts.Flags)
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(out)

	fmt.Fprintln(bw, "#mtree")

	for _, entry := range entries {
		fmt.Fprintln(bw, entry.line())
	}

	err = bw.Flush()
	if err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	return finish()
}

func collect(ctx context.Context, root string, logger *slog.Logger) ([]generated, error) {
	var entries []generated

	err := filepath.WalkDir(root, func(fpath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		name := "."
		if fpath != root {
			name = "./" + filepath.ToSlash(relativeTo(root, fpath))
		}

		entry := generated{
			name:  name,
			mode:  info.Mode(),
			size:  info.Size(),
			mtime: info.ModTime().UnixNano(),
		}

		switch {
		case d.IsDir():
			entry.kind = KindDir
		case info.Mode().IsRegular():
			entry.kind = KindFile
		case info.Mode()&fs.ModeSymlink != 0:
			entry.kind = KindLink

			entry.link, err = os.Readlink(fpath)
			if err != nil {
				return err
			}
		default:
			logger.Warn(fmt.Sprintf("Skipping special file %q", fpath))

			return nil
		}

		entries = append(entries, entry)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("Unable to walk %q: %w", root, err)
	}

	return entries, nil
}

func (e generated) line() string {
	fields := []string{escape(e.name), "type=" + e.kind.String(), fmt.Sprintf("mode=%o", unixMode(e.mode))}

	switch e.kind {
	case KindFile:
		fields = append(fields,
			fmt.Sprintf("size=%d", e.size),
			formatTime(e.mtime),
			"sha256digest="+e.sha256)
	case KindDir:
		fields = append(fields, formatTime(e.mtime))
	case KindLink:
		fields = append(fields, "link="+escape(e.link))
	}

	return strings.Join(fields, " ")
}

func unixMode(mode fs.FileMode) uint32 {
	bits := uint32(mode.Perm())

	if mode&fs.ModeSetuid != 0 {
		bits |= 0o4000
	}

	if mode&fs.ModeSetgid != 0 {
		bits |= 0o2000
	}

	if mode&fs.ModeSticky != 0 {
		bits |= 0o1000
	}

	return bits
}

func formatTime(nsec int64) string {
	if nsec%1_000_000_000 == 0 {
		return fmt.Sprintf("time=%d.0", nsec/1_000_000_000)
	}

	return fmt.Sprintf("time=%d.%09d", nsec/1_000_000_000, nsec%1_000_000_000)
}

func hashFile(fpath string) (string, error) {
	file, err := os.Open(fpath)
	if err != nil {
		return "", err
	}

	defer func() { _ = file.Close() }()

	hasher := sha256.New()

	_, err = io.Copy(hasher, file)
	if err != nil {
		return "", fmt.Errorf("Unable to read %q: %w", fpath, err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// compressWriter wraps w as flags ask. finish flushes and closes the
// compressor but not w.
func compressWriter(w io.Writer, flags Flags) (io.Writer, func() error, error) {
	switch {
	case flags&FlagGzip != 0:
		gz := gzip.NewWriter(w)

		return gz, gz.Close, nil
	case flags&FlagZstd != 0:
		z, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, nil, err
		}

		return z, z.Close, nil
	default:
		return w, func() error { return nil }, nil
	}
}
