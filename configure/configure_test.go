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

package configure

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/LadySerena/iso-remaster/kernel"
	"github.com/LadySerena/iso-remaster/layout"
	"github.com/LadySerena/iso-remaster/runner"
	"github.com/c2h5oh/datasize"
	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const nobleSources = `- default: false
  description:
    en: A minimal but usable Ubuntu Server installation.
  id: ubuntu-server-minimal
  locale_support: none
  name:
    en: Ubuntu Server (minimized)
  path: minimal.squashfs
  size: 1200000000
  type: fsimage-layered
  variant: server
- default: true
  description:
    en: The default install contains a curated set of packages.
  id: ubuntu-server
  locale_support: locale-only
  name:
    en: Ubuntu Server
  path: minimal.standard.squashfs
  size: 2600000000
  type: fsimage-layered
  variant: server
`

func desktopModel() *layout.Model {
	model := layout.NewModel()
	model.Record(layout.CasperDirectory, "casper", true)
	model.Record(layout.SquashfsDirectory, "casper", true)
	model.Record(layout.SquashfsFileName, "filesystem.squashfs", true)
	model.Record(layout.ManifestFileName, "filesystem.manifest", true)
	model.Record(layout.SizeFileName, "filesystem.size", true)
	model.Record(layout.StandardRemoveFileName, "filesystem.manifest-remove", true)
	model.Record(layout.MinimalRemoveFileName, "filesystem.manifest-minimal-remove", true)
	return model
}

func serverModel() *layout.Model {
	model := layout.NewModel()
	model.Record(layout.CasperDirectory, "casper", true)
	model.Record(layout.SquashfsDirectory, "casper", true)
	model.Record(layout.ManifestFileName, "filesystem.manifest", true)
	model.Record(layout.SizeFileName, "filesystem.size", true)
	model.Record(layout.MinimalSquashfsFileName, "minimal.squashfs", true)
	model.Record(layout.MinimalManifestFileName, "minimal.manifest", true)
	model.Record(layout.MinimalSizeFileName, "minimal.size", true)
	model.Record(layout.StandardSquashfsFileName, "minimal.standard.squashfs", true)
	model.Record(layout.StandardSizeFileName, "minimal.standard.size", true)
	model.Record(layout.InstallerSourcesFileName, "install-sources.yaml", true)
	model.Record(layout.InstallerSizeFileName, "minimal.standard.live.size", true)
	return model
}

func newBookkeeper(fs afero.Fs, r runner.Runner, model *layout.Model, root string) *Bookkeeper {
	return &Bookkeeper{
		Fs:         fs,
		Runner:     r,
		Wrapper:    []string{"sudo"},
		CustomRoot: filepath.Join(root, "custom-root"),
		CustomDisk: filepath.Join(root, "custom-disk"),
		Model:      model,
	}
}

func TestParsePackages(t *testing.T) {
	packages := ParsePackages([]byte("adduser\t3.118ubuntu2\nlibc6:amd64\t2.35-0ubuntu3.1\n\nubiquity\t22.04.15\n"))
	expected := []Package{
		{Name: "adduser", Version: "3.118ubuntu2"},
		{Name: "libc6:amd64", Version: "2.35-0ubuntu3.1"},
		{Name: "ubiquity", Version: "22.04.15"},
	}
	if diff := cmp.Diff(expected, packages); diff != "" {
		t.Errorf("ParsePackages() mismatch (-want +got):\n%s", diff)
	}
}

func TestMark(t *testing.T) {
	packages := []Package{
		{Name: "adduser"},
		{Name: "libc6:amd64"},
		{Name: "ubiquity"},
		{Name: "thunderbird"},
	}
	standard := map[string]bool{"ubiquity": true}
	minimal := map[string]bool{"libc6": true, "thunderbird": true}

	marked := Mark(packages, standard, minimal)
	assert.Equal(t, Package{Name: "adduser"}, marked[0])
	assert.Equal(t, Package{Name: "libc6:amd64", RemoveMinimal: true}, marked[1])
	assert.Equal(t, Package{Name: "ubiquity", RemoveStandard: true, RemoveMinimal: true}, marked[2])
	assert.Equal(t, Package{Name: "thunderbird", RemoveMinimal: true}, marked[3])
	assert.Equal(t, 3, RemovalCount(marked))
}

func TestInstalledPackages(t *testing.T) {
	mock := runner.NewMockRunner()
	mock.Responses[0] = runner.MockResponse{Stdout: "adduser\t3.118ubuntu2\n"}
	bookkeeper := newBookkeeper(afero.NewMemMapFs(), mock, desktopModel(), "/project")

	packages, err := bookkeeper.InstalledPackages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Package{{Name: "adduser", Version: "3.118ubuntu2"}}, packages)
	require.Len(t, mock.Calls, 1)
	assert.Equal(t, []string{
		"dpkg-query", "-W",
		"--admindir=/project/custom-root/var/lib/dpkg",
		"--showformat=${Package}\t${Version}\n",
	}, mock.Calls[0].Args)
}

func TestUpdateRemoveLists(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/project/custom-disk/casper/filesystem.manifest-remove", []byte("ubiquity\ncasper\nnot-installed\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/project/custom-disk/casper/filesystem.manifest-minimal-remove", []byte("thunderbird\n"), 0o644))
	bookkeeper := newBookkeeper(fs, runner.NewMockRunner(), desktopModel(), "/project")

	installed := []Package{{Name: "adduser"}, {Name: "casper"}, {Name: "thunderbird"}, {Name: "ubiquity"}}
	marked, summary, err := bookkeeper.UpdateRemoveLists(installed)
	require.NoError(t, err)
	assert.Equal(t, "Identified 3 packages for removal", summary)
	assert.Len(t, marked, 4)

	standard, err := afero.ReadFile(fs, "/project/custom-disk/casper/filesystem.manifest-remove")
	require.NoError(t, err)
	assert.Equal(t, "casper\nubiquity\n", string(standard))
	minimal, err := afero.ReadFile(fs, "/project/custom-disk/casper/filesystem.manifest-minimal-remove")
	require.NoError(t, err)
	assert.Equal(t, "casper\nthunderbird\nubiquity\n", string(minimal))
}

func TestUpdateRemoveListsMarksFromShippedList(t *testing.T) {
	fs := afero.NewMemMapFs()
	minimalPath := "/project/custom-disk/casper/filesystem.manifest-minimal-remove"
	require.NoError(t, afero.WriteFile(fs, "/project/custom-disk/casper/filesystem.manifest-remove", []byte("ubiquity\ncasper\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, minimalPath, []byte("thunderbird\n"), 0o644))
	bookkeeper := newBookkeeper(fs, runner.NewMockRunner(), desktopModel(), "/project")

	_, _, err := bookkeeper.UpdateRemoveLists([]Package{{Name: "casper"}, {Name: "ubiquity"}})
	require.NoError(t, err)
	minimal, err := afero.ReadFile(fs, minimalPath)
	require.NoError(t, err)
	assert.Equal(t, "casper\nubiquity\n", string(minimal))

	marked, summary, err := bookkeeper.UpdateRemoveLists([]Package{{Name: "casper"}, {Name: "thunderbird"}, {Name: "ubiquity"}})
	require.NoError(t, err)
	assert.Equal(t, "Identified 3 packages for removal", summary)
	assert.True(t, marked[1].RemoveMinimal)
	assert.False(t, marked[1].RemoveStandard)

	minimal, err = afero.ReadFile(fs, minimalPath)
	require.NoError(t, err)
	assert.Equal(t, "casper\nthunderbird\nubiquity\n", string(minimal))
	shipped, err := afero.ReadFile(fs, minimalPath+BackupSuffix)
	require.NoError(t, err)
	assert.Equal(t, "thunderbird\n", string(shipped))
}

func TestWriteManifest(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "custom-disk", "casper"), 0o755))
	bookkeeper := newBookkeeper(afero.NewOsFs(), runner.NewMockRunner(), serverModel(), root)

	require.NoError(t, bookkeeper.WriteManifest([]Package{{Name: "adduser", Version: "3.137ubuntu1"}, {Name: "apt", Version: "2.7.14build2"}}))

	casper := filepath.Join(root, "custom-disk", "casper")
	manifest, err := os.ReadFile(filepath.Join(casper, "minimal.manifest"))
	require.NoError(t, err)
	assert.Equal(t, "adduser\t3.137ubuntu1\napt\t2.7.14build2\n", string(manifest))
	target, err := os.Readlink(filepath.Join(casper, "filesystem.manifest"))
	require.NoError(t, err)
	assert.Equal(t, "minimal.manifest", target)
}

func TestRootSize(t *testing.T) {
	mock := runner.NewMockRunner()
	mock.Responses[0] = runner.MockResponse{Stdout: "5368709120\t/project/custom-root\n"}
	bookkeeper := newBookkeeper(afero.NewMemMapFs(), mock, desktopModel(), "/project")

	size, err := bookkeeper.RootSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5*datasize.GB, size)
	assert.Equal(t, []string{"sudo du --summarize --bytes --apparent-size /project/custom-root"}, mock.Commands())
}

func TestWriteSizes(t *testing.T) {
	root := t.TempDir()
	casper := filepath.Join(root, "custom-disk", "casper")
	require.NoError(t, os.MkdirAll(casper, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(casper, "minimal.standard.live.size"), []byte("1000\n"), 0o644))
	bookkeeper := newBookkeeper(afero.NewOsFs(), runner.NewMockRunner(), serverModel(), root)

	require.NoError(t, bookkeeper.WriteSizes(4096))

	minimal, err := os.ReadFile(filepath.Join(casper, "minimal.size"))
	require.NoError(t, err)
	assert.Equal(t, "4096\n", string(minimal))
	total, err := os.ReadFile(filepath.Join(casper, "filesystem.size"))
	require.NoError(t, err)
	assert.Equal(t, "5096\n", string(total))
	target, err := os.Readlink(filepath.Join(casper, "minimal.standard.size"))
	require.NoError(t, err)
	assert.Equal(t, "minimal.size", target)
}

type installSourceEntry struct {
	Default       bool              `yaml:"default"`
	Description   map[string]string `yaml:"description"`
	ID            string            `yaml:"id"`
	LocaleSupport string            `yaml:"locale_support"`
	Name          map[string]string `yaml:"name"`
	Path          string            `yaml:"path"`
	Size          uint64            `yaml:"size"`
	Type          string            `yaml:"type"`
}

func TestUpdateInstallSources(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := "/project/custom-disk/casper/install-sources.yaml"
	require.NoError(t, afero.WriteFile(fs, path, []byte(nobleSources), 0o644))
	bookkeeper := newBookkeeper(fs, runner.NewMockRunner(), serverModel(), "/project")

	source := InstallSource{
		Path:        "minimal.squashfs",
		Description: "Custom Ubuntu Server",
		Name:        "Ubuntu 24.04 LTS 2024.09.15",
		Size:        3123456789,
	}
	require.NoError(t, bookkeeper.UpdateInstallSources(source))
	first, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	require.NoError(t, bookkeeper.UpdateInstallSources(source))
	second, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))

	backup, err := afero.ReadFile(fs, path+BackupSuffix)
	require.NoError(t, err)
	assert.Equal(t, nobleSources, string(backup))

	var entries []installSourceEntry
	require.NoError(t, yaml.Unmarshal(first, &entries))
	require.Len(t, entries, 2)
	var defaults []installSourceEntry
	for _, entry := range entries {
		if entry.Default {
			defaults = append(defaults, entry)
		}
	}
	require.Len(t, defaults, 1)
	assert.Equal(t, "minimal.squashfs", defaults[0].Path)
	assert.Equal(t, "none", defaults[0].LocaleSupport)
	assert.Equal(t, uint64(3123456789), defaults[0].Size)
	assert.Equal(t, "Custom Ubuntu Server", defaults[0].Description["en"])
	assert.Equal(t, "Ubuntu 24.04 LTS 2024.09.15", defaults[0].Name["en"])
	assert.Equal(t, "ubuntu-server-minimal", defaults[0].ID)
	assert.Equal(t, "locale-only", entries[1].LocaleSupport)
}

func TestEditInstallSourcesWithoutMatch(t *testing.T) {
	_, err := EditInstallSources([]byte(nobleSources), InstallSource{Path: "filesystem.squashfs"})
	assert.Error(t, err)
	_, err = EditInstallSources([]byte("key: value\n"), InstallSource{Path: "minimal.squashfs"})
	assert.Error(t, err)
}

func TestWritePayloadMetadata(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/project/custom-disk/README.diskdefines", []byte("#define DISKNAME  Ubuntu 22.04 LTS \"Jammy Jellyfish\" - Release arm64\n#define ARCH  arm64\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/project/custom-disk/.disk/release_notes_url", []byte("https://wiki.ubuntu.com/JammyJellyfish/ReleaseNotes\n"), 0o644))
	bookkeeper := newBookkeeper(fs, runner.NewMockRunner(), desktopModel(), "/project")

	err := bookkeeper.WritePayloadMetadata(context.Background(), Payload{
		DiskName:  "Custom Jammy",
		SourceISO: "/isos/ubuntu-22.04-desktop-arm64.iso",
		Version:   "1.0.0",
		Date:      time.Date(2024, 9, 15, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	defines, err := afero.ReadFile(fs, "/project/custom-disk/README.diskdefines")
	require.NoError(t, err)
	parsed := ReadDefines(defines)
	assert.Equal(t, "Custom Jammy", parsed["DISKNAME"])
	assert.Equal(t, "arm64", parsed["ARCH"])
	assert.Equal(t, "1", parsed["ARCHarm64"])
	assert.Equal(t, "Remastered with iso-remaster 1.0.0 from ubuntu-22.04-desktop-arm64.iso", parsed["DISKNOTE"])

	info, err := afero.ReadFile(fs, "/project/custom-disk/.disk/info")
	require.NoError(t, err)
	assert.Equal(t, "Custom Jammy (20240915)", string(info))

	exists, err := afero.Exists(fs, "/project/custom-disk/.disk/release_notes_url")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestReleaseFiles(t *testing.T) {
	osRelease := []byte("PRETTY_NAME=\"Ubuntu 22.04.3 LTS\"\nNAME=\"Ubuntu\"\nVERSION_ID=\"22.04\"\n")
	files := ReleaseFiles(osRelease, []byte("DISTRIB_ID=Ubuntu\n"), `Serena's "Jammy"`)

	assert.Equal(t, "PRETTY_NAME=\"Serena's \\\"Jammy\\\"\"\nNAME=\"Ubuntu\"\nVERSION_ID=\"22.04\"\n", string(files["etc/os-release"]))
	assert.Equal(t, "DISTRIB_ID=Ubuntu\nDISTRIB_DESCRIPTION=\"Serena's \\\"Jammy\\\"\"\n", string(files["etc/lsb-release"]))
	assert.Equal(t, "Serena's \"Jammy\" \\n \\l\n\n", string(files["etc/issue"]))
	assert.Equal(t, "Serena's \"Jammy\"\n", string(files["etc/issue.net"]))
}

func TestUpdateOSRelease(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/project/custom-root/etc/os-release", []byte("PRETTY_NAME=\"Ubuntu\"\n"), 0o644))
	mock := runner.NewMockRunner()
	bookkeeper := newBookkeeper(fs, mock, desktopModel(), "/project")

	require.NoError(t, bookkeeper.UpdateOSRelease(context.Background(), "Custom 2024.09.15"))
	commands := mock.Commands()
	require.Len(t, commands, 3)
	assert.True(t, strings.HasPrefix(commands[0], "sudo cp "))
	assert.True(t, strings.HasSuffix(commands[0], " /project/custom-root/etc/os-release"))
	assert.True(t, strings.HasSuffix(commands[1], " /project/custom-root/etc/issue"))
	assert.True(t, strings.HasSuffix(commands[2], " /project/custom-root/etc/issue.net"))
}

func TestRewriteKernelReferences(t *testing.T) {
	grub := []byte(`menuentry "Try or Install Ubuntu" {
	set gfxpayload=keep
	linux	/casper/vmlinuz  file=/cdrom/preseed/ubuntu.seed maybe-ubiquity quiet splash ---
	initrd	/casper/initrd.lz
}
menuentry "Ubuntu (HWE)" {
	linux	/casper/hwe-vmlinuz ---
	initrd	/casper/hwe-initrd
}`)
	rewritten := RewriteKernelReferences(grub, "casper", "vmlinuz", "initrd")
	assert.Contains(t, string(rewritten), "linux\t/casper/vmlinuz  file=/cdrom/preseed/ubuntu.seed")
	assert.Contains(t, string(rewritten), "initrd\t/casper/initrd\n")
	assert.Contains(t, string(rewritten), "/casper/hwe-vmlinuz")
	assert.Contains(t, string(rewritten), "/casper/hwe-initrd")

	isolinux := []byte("  kernel /casper/vmlinuz.efi\n  append  file=/cdrom/preseed/ubuntu.seed initrd=/casper/initrd.gz quiet splash ---\n")
	assert.Equal(t, "  kernel /casper/vmlinuz\n  append  file=/cdrom/preseed/ubuntu.seed initrd=/casper/initrd.lz quiet splash ---\n",
		string(RewriteKernelReferences(isolinux, "casper", "vmlinuz", "initrd.lz")))
}

func TestInstallKernel(t *testing.T) {
	fs := afero.NewMemMapFs()
	disk := "/project/custom-disk"
	require.NoError(t, afero.WriteFile(fs, disk+"/casper/vmlinuz", []byte("old"), 0o644))
	require.NoError(t, afero.WriteFile(fs, disk+"/casper/initrd.gz", []byte("old"), 0o644))
	require.NoError(t, afero.WriteFile(fs, disk+"/casper/filesystem.squashfs", []byte("hsqs"), 0o644))
	require.NoError(t, afero.WriteFile(fs, disk+"/boot/grub/grub.cfg", []byte("linux /casper/vmlinuz\ninitrd /casper/initrd.gz\n"), 0o644))
	mock := runner.NewMockRunner()
	bookkeeper := newBookkeeper(fs, mock, desktopModel(), "/project")

	record := kernel.Record{
		VersionName:        "5.15.0-84",
		VmlinuzFileName:    "vmlinuz-5.15.0-84-generic",
		NewVmlinuzFileName: "vmlinuz",
		InitrdFileName:     "initrd.img-5.15.0-84-generic",
		NewInitrdFileName:  "initrd",
		Directory:          "/project/custom-root/boot",
	}
	var reported []float64
	require.NoError(t, bookkeeper.InstallKernel(context.Background(), record, func(percent float64) {
		reported = append(reported, percent)
	}))

	assert.Equal(t, []string{
		"sudo install --mode=0644 /project/custom-root/boot/vmlinuz-5.15.0-84-generic /project/custom-disk/casper/vmlinuz",
		"sudo install --mode=0644 /project/custom-root/boot/initrd.img-5.15.0-84-generic /project/custom-disk/casper/initrd",
	}, mock.Commands())
	assert.Equal(t, []float64{50, 100}, reported)

	for _, name := range []string{"vmlinuz", "initrd.gz"} {
		exists, err := afero.Exists(fs, disk+"/casper/"+name)
		require.NoError(t, err)
		assert.False(t, exists, name)
	}
	exists, err := afero.Exists(fs, disk+"/casper/filesystem.squashfs")
	require.NoError(t, err)
	assert.True(t, exists)

	grub, err := afero.ReadFile(fs, disk+"/boot/grub/grub.cfg")
	require.NoError(t, err)
	assert.Equal(t, "linux /casper/vmlinuz\ninitrd /casper/initrd\n", string(grub))
}
