//go:build linux

// Package mtree reads the subset of BSD mtree(5) manifests used to describe
// container runtimes, and either materializes a tree from one ([Apply]) or
// checks that an existing tree matches it ([Verify]).
//
// Supported syntax: one entry per line, names relative to the top level
// ("./usr/bin/env"), octal escapes such as \040, and the keywords type,
// mode, size, time, sha256/sha256digest, link, contents, ignore, nochange
// and optional. Special commands (/set, /unset) and continuation lines are
// rejected. Compatible manifests come from
//
//	bsdtar -cf - --format=mtree --options '!all,type,link,mode,size,time' -C files/ .
//
// or from [Generate].
package mtree

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Flags modify how a manifest is read and applied.
type Flags uint

const (
	// FlagExpectHardLinks warns once per manifest when a file from the
	// source pool had to be copied.
	FlagExpectHardLinks Flags = 1 << iota
	// FlagChmodMayFail tolerates EPERM from chmod when the file is still
	// usable.
	FlagChmodMayFail
	// FlagGzip reads the manifest through a gzip decompressor.
	FlagGzip
	// FlagZstd reads the manifest through a zstd decompressor.
	FlagZstd
	// FlagMinimizedRuntime verifies a "files" pool instead of a full tree:
	// entries are looked up by their contents= name and everything except
	// non-empty files is taken on trust.
	FlagMinimizedRuntime
)

// Options configure [Foreach].
type Options struct {
	Flags  Flags
	Logger *slog.Logger

	// OnError, if set, receives errors returned by the callback and the
	// walk continues. Parse errors always stop the walk.
	OnError func(entry Entry, line int, err error)
}

// Open opens a manifest file for reading, decompressing it as flags say.
// Compression is never guessed from the content.
func Open(path string, flags Flags) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	var decompressed io.ReadCloser

	switch {
	case flags&FlagGzip != 0:
		decompressed, err = gzip.NewReader(file)
	case flags&FlagZstd != 0:
		decompressed, err = zstdNewReader(file, zstd.WithDecoderConcurrency(1), zstd.WithDecoderLowmem(true))
	default:
		return file, nil
	}

	if err != nil {
		_ = file.Close()

		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &decompressedFile{uncompressed: decompressed, file: file}, nil
}

type decompressedFile struct {
	uncompressed io.ReadCloser
	file         *os.File
}

func (r *decompressedFile) Read(b []byte) (int, error) {
	return r.uncompressed.Read(b)
}

func (r *decompressedFile) Close() error {
	return errors.Join(r.uncompressed.Close(), r.file.Close())
}

func zstdNewReader(r io.Reader, opts ...zstd.DOption) (zstdReadCloser, error) {
	z, err := zstd.NewReader(r, opts...)

	return zstdReadCloser{z}, err
}

// zstd.Decoder.Close returns nothing, so it is not an io.Closer.
type zstdReadCloser struct{ *zstd.Decoder }

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()

	return nil
}

// Foreach parses r line by line and calls fn for every entry other than
// blank lines, comments and the top-level ".". name labels errors and
// warnings. Lines are processed strictly in order.
func Foreach(ctx context.Context, r io.Reader, name string, opts Options, fn func(entry Entry, line int) error) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	reader := bufio.NewReader(r)
	lineNo := 0

	for {
		err := ctx.Err()
		if err != nil {
			return err
		}

		raw, readErr := reader.ReadString('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return fmt.Errorf("While reading a line from %s: %w", name, readErr)
		}

		if raw == "" && readErr != nil {
			return nil
		}

		lineNo++

		line := strings.TrimSpace(raw)

		entry, err := ParseEntry(line, name, lineNo)
		if err != nil {
			return err
		}

		for _, keyword := range entry.Unknown {
			logger.Warn(fmt.Sprintf("%s:%d: Unknown mtree keyword %s", name, lineNo, keyword))
		}

		if entry.Blank() || entry.Name == "." {
			continue
		}

		err = fn(entry, lineNo)
		if err != nil {
			if opts.OnError == nil {
				return err
			}

			opts.OnError(entry, lineNo, err)
		}

		if readErr != nil {
			return nil
		}
	}
}

// foreachFile is Foreach over a manifest on disk.
func foreachFile(ctx context.Context, path string, opts Options, fn func(entry Entry, line int) error) error {
	r, err := Open(path, opts.Flags)
	if err != nil {
		return err
	}

	defer func() { _ = r.Close() }()

	return Foreach(ctx, r, path, opts, fn)
}
