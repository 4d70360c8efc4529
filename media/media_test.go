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

package media

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/LadySerena/iso-remaster/failure"
	"github.com/LadySerena/iso-remaster/layout"
	"github.com/LadySerena/iso-remaster/runner"
	"github.com/kdomanski/iso9660"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mountInfo = `22 1 0:21 / /proc rw,nosuid,nodev,noexec,relatime shared:13 - proc proc rw
29 1 259:2 / / rw,relatime shared:1 - ext4 /dev/nvme0n1p2 rw
812 29 7:3 / /home/me/my\040project/iso-mount ro,relatime shared:440 - iso9660 /dev/loop3 ro,uid=1000,gid=1000
`

func testMounter(t *testing.T, mock *runner.MockRunner) *Mounter {
	t.Helper()
	fileSystem := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fileSystem, DefaultMountInfoPath, []byte(mountInfo), 0o444))
	require.NoError(t, afero.WriteFile(fileSystem, "/sys/block/loop3/loop/backing_file", []byte("/isos/ubuntu-22.04.3-live-server-amd64.iso\n"), 0o444))
	mounter := NewMounter(fileSystem, mock, nil, []string{"sudo"})
	mounter.Canonical = filepath.Clean
	return mounter
}

func TestParseMountInfoLine(t *testing.T) {
	entry, ok := parseMountInfoLine("812 29 7:3 / /home/me/my\\040project/iso-mount ro,relatime shared:440 - iso9660 /dev/loop3 ro")
	require.True(t, ok)
	assert.Equal(t, MountEntry{MountPoint: "/home/me/my project/iso-mount", Options: "ro,relatime", FSType: "iso9660", Source: "/dev/loop3"}, entry)

	_, ok = parseMountInfoLine("garbage")
	assert.False(t, ok)
}

func TestIsMounted(t *testing.T) {
	mounter := testMounter(t, runner.NewMockRunner())

	mounted, err := mounter.IsMounted("/home/me/my project/iso-mount", "")
	require.NoError(t, err)
	assert.True(t, mounted)

	mounted, err = mounter.IsMounted("/home/me/my project/iso-mount/", "/isos/ubuntu-22.04.3-live-server-amd64.iso")
	require.NoError(t, err)
	assert.True(t, mounted)

	mounted, err = mounter.IsMounted("/home/me/my project/iso-mount", "/isos/other.iso")
	require.NoError(t, err)
	assert.False(t, mounted)

	mounted, err = mounter.IsMounted("/home/me/elsewhere", "")
	require.NoError(t, err)
	assert.False(t, mounted)
}

func TestMountSameIsoIsNoop(t *testing.T) {
	mock := runner.NewMockRunner()
	mounter := testMounter(t, mock)
	require.NoError(t, mounter.Mount(context.Background(), "/isos/ubuntu-22.04.3-live-server-amd64.iso", "/home/me/my project/iso-mount", nil))
	assert.Empty(t, mock.Calls)
}

func TestMountReplacesOtherIso(t *testing.T) {
	mock := runner.NewMockRunner()
	mounter := testMounter(t, mock)
	require.NoError(t, mounter.Mount(context.Background(), "/isos/other.iso", "/home/me/my project/iso-mount", &Owner{UID: 1000, GID: 1000}))
	assert.Equal(t, []string{
		"sudo umount /home/me/my project/iso-mount",
		"sudo mount -o loop,ro,uid=1000,gid=1000 /isos/other.iso /home/me/my project/iso-mount",
	}, mock.Commands())
}

func TestMountFailure(t *testing.T) {
	mock := runner.NewMockRunner()
	mock.Responses[0] = runner.MockResponse{ExitCode: 32, Stderr: "mount: wrong fs type"}
	mounter := testMounter(t, mock)
	err := mounter.Mount(context.Background(), "/isos/other.iso", "/home/me/fresh/iso-mount", nil)
	assert.True(t, failure.Is(err, failure.MountFailed))
}

func TestUnmount(t *testing.T) {
	mock := runner.NewMockRunner()
	mounter := testMounter(t, mock)
	require.NoError(t, mounter.Unmount(context.Background(), "/home/me/elsewhere", true))
	assert.Empty(t, mock.Calls)

	mock.Responses[0] = runner.MockResponse{ExitCode: 32, Stderr: "target is busy"}
	err := mounter.Unmount(context.Background(), "/home/me/my project/iso-mount", false)
	assert.True(t, failure.Is(err, failure.UnmountFailed))
}

func serverModel() *layout.Model {
	model := layout.NewModel()
	model.Record(layout.CasperDirectory, "casper", true)
	model.Record(layout.SquashfsDirectory, "casper", true)
	model.Record(layout.VmlinuzFileName, "vmlinuz", true)
	model.Record(layout.InitrdFileName, "initrd", true)
	model.Record(layout.MinimalSquashfsFileName, "ubuntu-server-minimal.squashfs", true)
	model.Record(layout.InstallerSourcesFileName, "install-sources.yaml", true)
	model.Record(layout.InstallerSquashfsFileName, "ubuntu-server-minimal.ubuntu-server.installer.squashfs", true)
	model.Record(layout.InstallerGenericSquashfsFileName, "ubuntu-server-minimal.ubuntu-server.installer.generic.squashfs", true)
	return model
}

func TestCopyArguments(t *testing.T) {
	args := CopyArguments("/p/iso-mount", "/p/custom-disk", serverModel())
	assert.Equal(t, []string{
		"rsync", "--archive", "--delete", "--chmod=u+w", "--info=progress2",
		"--include=/casper/initrd",
		"--include=/casper/vmlinuz",
		"--include=/casper/install-sources.yaml",
		"--include=/casper/ubuntu-server-minimal.ubuntu-server.installer.squashfs",
		"--include=/casper/ubuntu-server-minimal.ubuntu-server.installer.generic.squashfs",
		"--exclude=/md5sum.txt",
		"--exclude=/MD5SUMS",
		"--exclude=/.disk/release_notes_url",
		"--exclude=/casper/*",
		"/p/iso-mount/", "/p/custom-disk/",
	}, args)
}

func TestCopyProgressAndDiskFull(t *testing.T) {
	mock := runner.NewMockRunner()
	mock.Responses[0] = runner.MockResponse{Lines: []string{
		"    32,768   0%    0.00kB/s    0:00:00",
		"  1,234,567,890  45%  102.40MB/s    0:00:11 (xfr#12, to-chk=100/300)",
	}}
	mock.Responses[1] = runner.MockResponse{ExitCode: 11, Stderr: "rsync: write failed on \"/p/custom-disk/pool/x.deb\": No space left on device (28)"}
	copier := NewCopier(mock, nil)

	var reported []float64
	require.NoError(t, copier.Copy(context.Background(), "/p/iso-mount", "/p/custom-disk", serverModel(), func(percent float64) {
		reported = append(reported, percent)
	}))
	assert.Equal(t, []float64{0, 45, 100}, reported)

	err := copier.Copy(context.Background(), "/p/iso-mount", "/p/custom-disk", serverModel(), nil)
	assert.True(t, failure.Is(err, failure.DiskFull))
}

func writeImage(t *testing.T, fileSystem afero.Fs, path string, volumeID string) {
	t.Helper()
	writer, err := iso9660.NewWriter()
	require.NoError(t, err)
	defer writer.Cleanup() //nolint:errcheck
	require.NoError(t, writer.AddFile(bytes.NewReader([]byte("hello\n")), "README.TXT"))
	var image bytes.Buffer
	require.NoError(t, writer.WriteTo(&image, volumeID))
	require.NoError(t, afero.WriteFile(fileSystem, path, image.Bytes(), 0o644))
}

func TestReadDescriptor(t *testing.T) {
	fileSystem := afero.NewMemMapFs()
	writeImage(t, fileSystem, "/isos/ubuntu.iso", "UBUNTU_22_04_3")
	require.NoError(t, afero.WriteFile(fileSystem, "/mnt/.disk/info", []byte(`Ubuntu-Server 22.04.3 LTS "Jammy Jellyfish" - Release amd64 (20230810)`), 0o444))
	require.NoError(t, afero.WriteFile(fileSystem, "/mnt/README.diskdefines", []byte("#define DISKNAME  Ubuntu-Server 22.04.3 LTS \"Jammy Jellyfish\" - Release amd64\n#define TYPE  binary\n"), 0o444))
	require.NoError(t, afero.WriteFile(fileSystem, "/mnt/.disk/release_notes_url", []byte("https://wiki.ubuntu.com/JammyJellyfish/ReleaseNotes\n"), 0o444))

	descriptor, err := ReadDescriptor(fileSystem, "/isos/ubuntu.iso", "/mnt")
	require.NoError(t, err)
	assert.Equal(t, Descriptor{
		FileName:        "ubuntu.iso",
		Directory:       "/isos",
		VolumeID:        "UBUNTU_22_04_3",
		ReleaseName:     "Jammy Jellyfish",
		DiskName:        `Ubuntu-Server 22.04.3 LTS "Jammy Jellyfish" - Release amd64`,
		ReleaseNotesURL: "https://wiki.ubuntu.com/JammyJellyfish/ReleaseNotes",
	}, descriptor)
}

func TestReadDescriptorNotAnImage(t *testing.T) {
	fileSystem := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fileSystem, "/isos/broken.iso", []byte("nope"), 0o644))
	_, err := ReadDescriptor(fileSystem, "/isos/broken.iso", "/mnt")
	assert.True(t, failure.Is(err, failure.InvalidDescriptor))
}

func TestVolumeIDWithoutPrimaryDescriptor(t *testing.T) {
	image := make([]byte, 17*2048)
	copy(image[16*2048:], append([]byte{255}, "CD001\x01"...))
	fileSystem := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fileSystem, "/isos/empty.iso", image, 0o644))

	_, err := VolumeID(fileSystem, "/isos/empty.iso")
	assert.True(t, failure.Is(err, failure.InvalidDescriptor))
	assert.Contains(t, err.Error(), "no primary volume descriptor")
}

func TestSourceName(t *testing.T) {
	name, err := SourceName("gs://isos/releases/ubuntu-24.04-live-server-amd64.iso")
	require.NoError(t, err)
	assert.Equal(t, "ubuntu-24.04-live-server-amd64.iso", name)

	_, err = SourceName("ftp://example.com/a.iso")
	assert.Error(t, err)
}

func TestFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		switch request.URL.Path {
		case "/ubuntu.iso":
			_, _ = writer.Write([]byte("hello\n"))
		case "/ubuntu.md5":
			_, _ = writer.Write([]byte("b1946ac92492d2347c6235b4d2611184  ubuntu.iso\n"))
		default:
			http.NotFound(writer, request)
		}
	}))
	defer server.Close()

	fileSystem := afero.NewMemMapFs()
	fetcher := NewFetcher(fileSystem, nil)
	fetcher.Client = server.Client()

	path, err := fetcher.Fetch(context.Background(), server.URL+"/ubuntu.iso", "/isos", false, true)
	require.NoError(t, err)
	assert.Equal(t, "/isos/ubuntu.iso", path)

	require.NoError(t, afero.WriteFile(fileSystem, "/isos/ubuntu.iso", []byte("tampered\n"), 0o644))
	_, err = fetcher.Fetch(context.Background(), server.URL+"/ubuntu.iso", "/isos", false, true)
	assert.EqualError(t, err, "checksums do not match")

	_, err = fetcher.Fetch(context.Background(), server.URL+"/missing.iso", "/isos", false, false)
	assert.Error(t, err)
}

func TestExtractChecksum(t *testing.T) {
	_, err := extractChecksum([]byte("just-a-hash"))
	assert.Error(t, err)
}
