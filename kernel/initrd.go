/*
 * Copyright (c) 2022 Serena Tiede
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package kernel

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

const (
	cpioHeaderSize = 110
	cpioTrailer    = "TRAILER!!!"
	// maxCpioEntries bounds the walk of a decompressed archive.
	maxCpioEntries = 200000
	// maxCpioNameSize is PATH_MAX, NUL included.
	maxCpioNameSize = 4096
)

var (
	cpioMagics = [][]byte{[]byte("070701"), []byte("070702")}

	compressionPattern = regexp.MustCompile(`(?i)\b(gzip|bzip2|lz4|lzma|lzop|xz)\b`)

	errNoArchive        = errors.New("no archive found")
	errUnsupportedCodec = errors.New("compression has no native reader")
)

// extensions maps a compression format to the initrd file name extension.
// lzma and lzop share "lz".
var extensions = map[string]string{
	"gzip":  "gz",
	"bzip2": "bz",
	"lz4":   "lz",
	"lzma":  "lz",
	"lzop":  "lz",
	"xz":    "xz",
}

var magics = []struct {
	format string
	magic  []byte
}{
	{format: "gzip", magic: []byte{0x1f, 0x8b}},
	{format: "bzip2", magic: []byte("BZh")},
	{format: "xz", magic: []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}},
	{format: "lz4", magic: []byte{0x02, 0x21, 0x4c, 0x18}},
	{format: "lz4", magic: []byte{0x04, 0x22, 0x4d, 0x18}},
	{format: "lzop", magic: []byte{0x89, 'L', 'Z', 'O'}},
	{format: "zstd", magic: []byte{0x28, 0xb5, 0x2f, 0xfd}},
	{format: "lzma", magic: []byte{0x5d, 0x00, 0x00}},
}

// InitrdFileName returns initrd.<ext> for format, or plain "initrd".
func InitrdFileName(format string) string {
	if extension, ok := extensions[format]; ok {
		return "initrd." + extension
	}
	return "initrd"
}

// compressionFromDescription parses the output of file(1).
func compressionFromDescription(description string) string {
	match := compressionPattern.FindStringSubmatch(description)
	if match == nil {
		return ""
	}
	return strings.ToLower(match[1])
}

type cpioHeader struct {
	fileSize int64
	nameSize int64
}

func parseCpioHeader(header []byte) (cpioHeader, error) {
	if len(header) < cpioHeaderSize || !isCpioMagic(header) {
		return cpioHeader{}, fmt.Errorf("not a newc cpio header")
	}
	field := func(index int) (int64, error) {
		start := 6 + index*8
		return strconv.ParseInt(string(header[start:start+8]), 16, 64)
	}
	fileSize, sizeErr := field(6)
	if sizeErr != nil {
		return cpioHeader{}, sizeErr
	}
	nameSize, nameErr := field(11)
	if nameErr != nil {
		return cpioHeader{}, nameErr
	}
	if nameSize > maxCpioNameSize {
		return cpioHeader{}, fmt.Errorf("cpio name size %d exceeds %d", nameSize, maxCpioNameSize)
	}
	return cpioHeader{fileSize: fileSize, nameSize: nameSize}, nil
}

func isCpioMagic(data []byte) bool {
	for _, magic := range cpioMagics {
		if bytes.HasPrefix(data, magic) {
			return true
		}
	}
	return false
}

func pad4(n int64) int64 {
	return (4 - n%4) % 4
}

// cpioWalker reads consecutive newc entries from a stream and tracks the
// absolute offset so that concatenated archives can be skipped.
type cpioWalker struct {
	reader *bufio.Reader
	offset int64
}

func newCpioWalker(r io.Reader) *cpioWalker {
	return &cpioWalker{reader: bufio.NewReaderSize(r, 64*1024)}
}

func (w *cpioWalker) discard(n int64) error {
	for n > 0 {
		chunk := n
		if chunk > 1<<30 {
			chunk = 1 << 30
		}
		discarded, err := w.reader.Discard(int(chunk))
		w.offset += int64(discarded)
		if err != nil {
			return err
		}
		n -= int64(discarded)
	}
	return nil
}

// next returns the name of the following entry and skips its data.
func (w *cpioWalker) next() (string, error) {
	header := make([]byte, cpioHeaderSize)
	if _, err := io.ReadFull(w.reader, header); err != nil {
		return "", err
	}
	w.offset += cpioHeaderSize
	parsed, parseErr := parseCpioHeader(header)
	if parseErr != nil {
		return "", parseErr
	}
	name := make([]byte, parsed.nameSize)
	if _, err := io.ReadFull(w.reader, name); err != nil {
		return "", err
	}
	w.offset += parsed.nameSize
	if err := w.discard(pad4(cpioHeaderSize + parsed.nameSize)); err != nil {
		return "", err
	}
	if err := w.discard(parsed.fileSize + pad4(parsed.fileSize)); err != nil {
		return "", err
	}
	return strings.TrimRight(string(name), "\x00"), nil
}

// skipPadding consumes NUL bytes between concatenated archives.
func (w *cpioWalker) skipPadding() error {
	for {
		peeked, err := w.reader.Peek(1)
		if err != nil {
			return err
		}
		if peeked[0] != 0 {
			return nil
		}
		if err := w.discard(1); err != nil {
			return err
		}
	}
}

// payload skips the uncompressed early archives (microcode, firmware) an
// initrd may start with and returns the compression format of the main
// archive together with a reader positioned at its first byte.
func payload(r io.Reader) (string, io.Reader, error) {
	walker := newCpioWalker(r)
	for {
		if err := walker.skipPadding(); err != nil {
			return "", nil, errNoArchive
		}
		head, _ := walker.reader.Peek(8)
		if isCpioMagic(head) {
			for {
				name, err := walker.next()
				if err != nil {
					return "", nil, fmt.Errorf("reading early archive: %w", err)
				}
				if name == cpioTrailer {
					break
				}
			}
			continue
		}
		for _, candidate := range magics {
			if bytes.HasPrefix(head, candidate.magic) {
				return candidate.format, walker.reader, nil
			}
		}
		return "", nil, errNoArchive
	}
}

// compressionFromContent infers the compression of the main archive.
func compressionFromContent(r io.Reader) (string, error) {
	format, _, err := payload(r)
	return format, err
}

func decompressor(format string, r io.Reader) (io.Reader, func(), error) {
	noop := func() {}
	switch format {
	case "gzip":
		reader, err := gzip.NewReader(r)
		if err != nil {
			return nil, noop, err
		}
		return reader, func() { _ = reader.Close() }, nil
	case "zstd":
		decoder, err := zstd.NewReader(r)
		if err != nil {
			return nil, noop, err
		}
		return decoder, decoder.Close, nil
	case "xz":
		reader, err := xz.NewReader(r)
		return reader, noop, err
	case "lzma":
		reader, err := lzma.NewReader(r)
		return reader, noop, err
	case "bzip2":
		return bzip2.NewReader(r), noop, nil
	default:
		return nil, noop, fmt.Errorf("%w: %s", errUnsupportedCodec, format)
	}
}

// modulesVersion returns the release found in the first lib/modules/<release>
// entry of the main archive.
func modulesVersion(r io.Reader) (string, error) {
	format, compressed, payloadErr := payload(r)
	if payloadErr != nil {
		return "", payloadErr
	}
	decompressed, closeFn, codecErr := decompressor(format, compressed)
	if codecErr != nil {
		return "", codecErr
	}
	defer closeFn()

	walker := newCpioWalker(decompressed)
	for i := 0; i < maxCpioEntries; i++ {
		name, err := walker.next()
		if err != nil {
			return "", fmt.Errorf("reading %s archive: %w", format, err)
		}
		if name == cpioTrailer {
			break
		}
		if version := versionFromModulesPath(name); version != "" {
			return version, nil
		}
	}
	return "", fmt.Errorf("no lib/modules entry in %s archive", format)
}

// printableVersion scans printable ASCII runs of a binary for a release.
func printableVersion(r io.Reader) (string, error) {
	reader := bufio.NewReaderSize(r, 64*1024)
	var run []byte
	for {
		b, err := reader.ReadByte()
		if err == nil && b >= 0x20 && b < 0x7f {
			run = append(run, b)
			continue
		}
		if len(run) >= 4 {
			if version := versionFromContent(string(run)); version != "" {
				return version, nil
			}
		}
		run = run[:0]
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", nil
			}
			return "", err
		}
	}
}
