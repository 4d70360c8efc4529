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
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/LadySerena/iso-remaster/failure"
	"github.com/LadySerena/iso-remaster/runner"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCpioEntry(t *testing.T, buffer *bytes.Buffer, name string, data []byte) {
	t.Helper()
	nameSize := len(name) + 1
	_, err := fmt.Fprintf(buffer, "070701%08X%08X%08X%08X%08X%08X%08X%08X%08X%08X%08X%08X%08X",
		1, 0o100644, 0, 0, 1, 0, len(data), 0, 0, 0, 0, nameSize, 0)
	require.NoError(t, err)
	buffer.WriteString(name)
	buffer.WriteByte(0)
	buffer.Write(make([]byte, pad4(int64(cpioHeaderSize+nameSize))))
	buffer.Write(data)
	buffer.Write(make([]byte, pad4(int64(len(data)))))
}

func cpioArchive(t *testing.T, names ...string) []byte {
	t.Helper()
	var buffer bytes.Buffer
	for _, name := range names {
		writeCpioEntry(t, &buffer, name, []byte("content of "+name))
	}
	writeCpioEntry(t, &buffer, cpioTrailer, nil)
	return buffer.Bytes()
}

// initrdImage builds an early uncompressed microcode archive followed by a
// gzip compressed main archive.
func initrdImage(t *testing.T, names ...string) []byte {
	t.Helper()
	var image bytes.Buffer
	image.Write(cpioArchive(t, "kernel", "kernel/x86", "kernel/x86/microcode/GenuineIntel.bin"))
	image.Write(make([]byte, 512-image.Len()%512))

	writer := gzip.NewWriter(&image)
	_, err := writer.Write(cpioArchive(t, names...))
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return image.Bytes()
}

type fixture struct {
	root       string
	customRoot string
	isoMount   string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	f := fixture{root: root, customRoot: filepath.Join(root, "custom-root"), isoMount: filepath.Join(root, "iso-mount")}
	require.NoError(t, os.MkdirAll(filepath.Join(f.customRoot, "boot"), 0o755))
	return f
}

func (f fixture) write(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func (f fixture) inventory(r runner.Runner) *Inventory {
	return &Inventory{
		Fs:              afero.NewOsFs(),
		Runner:          r,
		Wrapper:         []string{"sudo"},
		CustomRoot:      f.customRoot,
		IsoMount:        f.isoMount,
		CasperDirectory: "casper",
		HostRelease:     "6.8.0-31-generic",
	}
}

// describe answers `file -b <path>` by file name suffix.
func describe(descriptions map[string]string) *runner.MockRunner {
	return runner.NewMockRunnerWithHandler(func(call runner.MockCall) runner.MockResponse {
		if call.Args[0] != "file" {
			return runner.MockResponse{ExitCode: 1}
		}
		path := call.Args[len(call.Args)-1]
		for suffix, description := range descriptions {
			if strings.HasSuffix(path, suffix) {
				return runner.MockResponse{Stdout: description + "\n"}
			}
		}
		return runner.MockResponse{Stdout: "data\n"}
	})
}

func TestParseVersion(t *testing.T) {
	assert.Equal(t, Version{5, 15, 0, 84}, ParseVersion("5.15.0-84"))
	assert.Equal(t, Version{6, 8, 0, 0}, ParseVersion("6.8"))
	assert.Equal(t, Version{}, ParseVersion("generic"))
	assert.True(t, ParseVersion("").IsZero())
	assert.Equal(t, 1, ParseVersion("5.15.0-84").Compare(ParseVersion("5.15.0-43")))
	assert.Equal(t, -1, ParseVersion("5.4.0-26").Compare(ParseVersion("5.15.0-1")))
}

func TestVersionFromFileName(t *testing.T) {
	assert.Equal(t, "5.15.0-84", versionFromFileName("vmlinuz-5.15.0-84-generic"))
	assert.Equal(t, "5.15.0-84", versionFromFileName("initrd.img-5.15.0-84-generic"))
	assert.Equal(t, "", versionFromFileName("vmlinuz"))
	assert.Equal(t, "", versionFromFileName("initrd.lz"))
}

func TestInitrdFileName(t *testing.T) {
	cases := map[string]string{
		"gzip":  "initrd.gz",
		"bzip2": "initrd.bz",
		"lz4":   "initrd.lz",
		"lzma":  "initrd.lz",
		"lzop":  "initrd.lz",
		"xz":    "initrd.xz",
		"zstd":  "initrd",
		"":      "initrd",
	}
	for format, expected := range cases {
		assert.Equal(t, expected, InitrdFileName(format), format)
	}
}

func TestCompressionFromDescription(t *testing.T) {
	assert.Equal(t, "lz4", compressionFromDescription("LZ4 compressed data (v0.1-v0.9)"))
	assert.Equal(t, "gzip", compressionFromDescription(`gzip compressed data, was "initrd.img", from Unix`))
	assert.Equal(t, "xz", compressionFromDescription("XZ compressed data, checksum CRC32"))
	assert.Equal(t, "", compressionFromDescription("ASCII cpio archive (SVR4 with no CRC)"))
}

func TestPayloadSkipsEarlyArchive(t *testing.T) {
	image := initrdImage(t, "usr", "usr/lib/modules/5.19.0-41-generic/modules.dep")

	format, err := compressionFromContent(bytes.NewReader(image))
	require.NoError(t, err)
	assert.Equal(t, "gzip", format)

	version, err := modulesVersion(bytes.NewReader(image))
	require.NoError(t, err)
	assert.Equal(t, "5.19.0-41", version)
}

func TestPayloadWithoutArchive(t *testing.T) {
	_, err := compressionFromContent(strings.NewReader("not an initrd"))
	assert.ErrorIs(t, err, errNoArchive)
}

func TestParseCpioHeaderRejectsLongNames(t *testing.T) {
	var buffer bytes.Buffer
	writeCpioEntry(t, &buffer, "kernel", nil)
	header := buffer.Bytes()[:cpioHeaderSize]

	parsed, err := parseCpioHeader(header)
	require.NoError(t, err)
	assert.Equal(t, int64(7), parsed.nameSize)

	corrupt := append([]byte(nil), header...)
	copy(corrupt[6+11*8:], "FFFFFFFF")
	_, err = parseCpioHeader(corrupt)
	assert.ErrorContains(t, err, "cpio name size 4294967295 exceeds 4096")

	_, err = newCpioWalker(bytes.NewReader(append(corrupt, make([]byte, 64)...))).next()
	assert.Error(t, err)
}

func TestPrintableVersion(t *testing.T) {
	binary := append([]byte{0x4d, 0x5a, 0x00, 0x01, 0x02}, []byte("5.19.0-41-generic (buildd@lcy02-amd64-045) #42-Ubuntu SMP")...)
	binary = append(binary, 0x00, 0xff)
	version, err := printableVersion(bytes.NewReader(binary))
	require.NoError(t, err)
	assert.Equal(t, "5.19.0-41", version)
}

func TestCollectVersionedBootFiles(t *testing.T) {
	f := newFixture(t)
	boot := filepath.Join(f.customRoot, "boot")
	f.write(t, filepath.Join(boot, "vmlinuz-5.15.0-84-generic"), []byte("kernel"))
	f.write(t, filepath.Join(boot, "initrd.img-5.15.0-84-generic"), []byte("initrd"))
	require.NoError(t, os.Symlink("vmlinuz-5.15.0-84-generic", filepath.Join(boot, "vmlinuz")))
	require.NoError(t, os.Symlink("initrd.img-5.15.0-84-generic", filepath.Join(boot, "initrd.img")))

	mock := describe(map[string]string{"initrd.img-5.15.0-84-generic": "LZ4 compressed data (v0.1-v0.9)"})
	records, err := f.inventory(mock).Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)

	record := records[0]
	assert.Equal(t, "5.15.0-84", record.VersionName)
	assert.Equal(t, Version{5, 15, 0, 84}, record.Version)
	assert.Equal(t, "vmlinuz-5.15.0-84-generic", record.VmlinuzFileName)
	assert.Equal(t, "vmlinuz", record.NewVmlinuzFileName)
	assert.Equal(t, "initrd.img-5.15.0-84-generic", record.InitrdFileName)
	assert.Equal(t, "initrd.lz", record.NewInitrdFileName)
	assert.Equal(t, boot, record.Directory)
	assert.True(t, record.Selected)
	assert.Contains(t, record.Note, "/casper/vmlinuz and /casper/initrd.lz")
	assert.NotContains(t, mock.Commands(), "file -b "+filepath.Join(boot, "vmlinuz-5.15.0-84-generic"))
}

func TestCollectReRootsAbsoluteLinks(t *testing.T) {
	f := newFixture(t)
	boot := filepath.Join(f.customRoot, "boot")
	f.write(t, filepath.Join(boot, "vmlinuz-6.8.0-31-generic"), []byte("kernel"))
	f.write(t, filepath.Join(boot, "initrd.img-6.8.0-31-generic"), []byte("initrd"))
	require.NoError(t, os.Symlink("/boot/vmlinuz-6.8.0-31-generic", filepath.Join(boot, "vmlinuz")))
	require.NoError(t, os.Symlink("/boot/initrd.img-6.8.0-31-generic", filepath.Join(boot, "initrd.img")))
	// a cycle is skipped rather than followed
	require.NoError(t, os.Symlink("initrd.img.loop", filepath.Join(boot, "initrd.img.old")))
	require.NoError(t, os.Symlink("initrd.img.old", filepath.Join(boot, "initrd.img.loop")))

	records, err := f.inventory(describe(map[string]string{"initrd.img-6.8.0-31-generic": "Zstandard compressed data"})).Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, boot, records[0].Directory)
	assert.Equal(t, "vmlinuz-6.8.0-31-generic", records[0].VmlinuzFileName)
	assert.Equal(t, "initrd", records[0].NewInitrdFileName)
	assert.Contains(t, records[0].Note, "matches the running host")
}

func TestCollectProbesContents(t *testing.T) {
	f := newFixture(t)
	casper := filepath.Join(f.isoMount, "casper")
	binary := append([]byte{0x4d, 0x5a, 0x00}, []byte("5.19.0-41-generic (buildd@lcy02) #42-Ubuntu SMP")...)
	f.write(t, filepath.Join(casper, "vmlinuz"), binary)
	f.write(t, filepath.Join(casper, "initrd"), initrdImage(t, "usr/lib/modules/5.19.0-41-generic/modules.dep"))

	records, err := f.inventory(describe(map[string]string{"initrd": "ASCII cpio archive (SVR4 with no CRC)"})).Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "5.19.0-41", records[0].VersionName)
	assert.Equal(t, "initrd.gz", records[0].NewInitrdFileName)
	assert.Contains(t, records[0].Note, "on the original ISO")
}

func TestCollectFallsBackToLsinitramfs(t *testing.T) {
	f := newFixture(t)
	casper := filepath.Join(f.isoMount, "casper")
	f.write(t, filepath.Join(casper, "vmlinuz"), []byte{0x00, 0x01})
	f.write(t, filepath.Join(casper, "initrd.lz"), []byte("opaque"))

	mock := runner.NewMockRunnerWithHandler(func(call runner.MockCall) runner.MockResponse {
		if call.Args[0] == "lsinitramfs" {
			return runner.MockResponse{Stdout: "kernel\nusr/lib/modules/6.2.0-39-generic/modules.dep\n"}
		}
		return runner.MockResponse{Stdout: "data\n"}
	})
	records, err := f.inventory(mock).Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "6.2.0-39", records[0].VersionName)
	assert.Equal(t, "initrd", records[0].NewInitrdFileName)
}

func TestCollectSelection(t *testing.T) {
	f := newFixture(t)
	boot := filepath.Join(f.customRoot, "boot")
	casper := filepath.Join(f.isoMount, "casper")
	f.write(t, filepath.Join(boot, "vmlinuz-5.15.0-84-generic"), []byte("kernel"))
	f.write(t, filepath.Join(boot, "initrd.img-5.15.0-84-generic"), []byte("initrd"))
	f.write(t, filepath.Join(casper, "vmlinuz"), []byte("kernel"))
	f.write(t, filepath.Join(casper, "initrd"), []byte("initrd"))
	descriptions := map[string]string{
		"casper/vmlinuz": "Linux kernel x86 boot executable bzImage, version 5.15.0-43-generic (buildd@lcy02) #46-Ubuntu SMP",
		"casper/initrd":  "gzip compressed data, from Unix",
		"84-generic":     "gzip compressed data, from Unix",
	}

	inventory := f.inventory(describe(descriptions))
	records, err := inventory.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "5.15.0-84", records[0].VersionName)
	assert.Equal(t, "5.15.0-43", records[1].VersionName)
	assert.True(t, records[0].Selected)
	assert.False(t, records[1].Selected)

	inventory.HasInstallerSources = true
	records, err = inventory.Collect(context.Background())
	require.NoError(t, err)
	selected, ok := Selected(records)
	require.True(t, ok)
	assert.Equal(t, casper, selected.Directory)
	assert.Equal(t, "initrd.gz", selected.NewInitrdFileName)
}

func TestPairRules(t *testing.T) {
	t.Run("mismatched lone pair is discarded", func(t *testing.T) {
		records := pair("/boot", []*probe{
			{path: "/boot/vmlinuz-5.15.0-84-generic", kind: vmlinuzFile, version: "5.15.0-84"},
			{path: "/boot/initrd.img-5.15.0-83-generic", kind: initrdFile, version: "5.15.0-83"},
		})
		assert.Empty(t, records)
	})
	t.Run("versions pair across several files", func(t *testing.T) {
		records := pair("/boot", []*probe{
			{path: "/boot/vmlinuz-5.15.0-84-generic", kind: vmlinuzFile, version: "5.15.0-84"},
			{path: "/boot/vmlinuz-5.15.0-83-generic", kind: vmlinuzFile, version: "5.15.0-83"},
			{path: "/boot/initrd.img-5.15.0-84-generic", kind: initrdFile, version: "5.15.0-84", compression: "zstd"},
			{path: "/boot/initrd.img", kind: initrdFile},
		})
		require.Len(t, records, 1)
		assert.Equal(t, "vmlinuz-5.15.0-84-generic", records[0].VmlinuzFileName)
		assert.Equal(t, "initrd.img-5.15.0-84-generic", records[0].InitrdFileName)
		for _, record := range records {
			assert.Equal(t, record.Version, ParseVersion(versionFromFileName(record.InitrdFileName)))
		}
	})
	t.Run("unknown versions among several files do not pair", func(t *testing.T) {
		records := pair("/casper", []*probe{
			{path: "/casper/vmlinuz", kind: vmlinuzFile},
			{path: "/casper/vmlinuz.efi", kind: vmlinuzFile},
			{path: "/casper/initrd", kind: initrdFile},
		})
		assert.Empty(t, records)
	})
}

func TestCollectWithoutKernels(t *testing.T) {
	f := newFixture(t)
	_, err := f.inventory(describe(nil)).Collect(context.Background())
	assert.True(t, failure.Is(err, failure.NoKernelsFound))
}
