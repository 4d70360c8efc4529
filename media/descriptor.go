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
	"bufio"
	"bytes"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/LadySerena/iso-remaster/failure"
	"github.com/LadySerena/iso-remaster/utility"
	"github.com/kdomanski/iso9660"
	"github.com/spf13/afero"
)

const (
	DiskInfoPath        = ".disk/info"
	DiskDefinesPath     = "README.diskdefines"
	ReleaseNotesURLPath = ".disk/release_notes_url"
)

const (
	sectorSize = 2048
	// volume descriptors follow the 16 sectors of system area
	firstDescriptorSector = 16
	primaryDescriptor     = 1
	descriptorTerminator  = 255
)

var (
	quotedToken = regexp.MustCompile(`"([^"]*)"`)
	diskName    = regexp.MustCompile(`^#define\s+DISKNAME\s+(.*)$`)
)

// Descriptor is what the source ISO says about itself.
type Descriptor struct {
	FileName        string
	Directory       string
	VolumeID        string
	ReleaseName     string
	DiskName        string
	ReleaseNotesURL string
}

// VolumeID reads the volume identifier from the primary volume descriptor.
func VolumeID(fs afero.Fs, isoPath string) (string, error) {
	file, openErr := fs.Open(isoPath)
	if openErr != nil {
		return "", openErr
	}
	defer utility.WrappedClose(file)

	// OpenImage only succeeds when the descriptor set ends with a terminator.
	if _, imageErr := iso9660.OpenImage(file); imageErr != nil {
		return "", failure.Wrap(failure.InvalidDescriptor, imageErr, "not an iso9660 image").WithPath(isoPath)
	}
	sector := make([]byte, sectorSize)
	for index := firstDescriptorSector; ; index++ {
		if _, err := file.ReadAt(sector, int64(index)*sectorSize); err != nil {
			return "", failure.Wrap(failure.InvalidDescriptor, err, "could not read volume descriptor %d", index).WithPath(isoPath)
		}
		switch sector[0] {
		case descriptorTerminator:
			return "", failure.New(failure.InvalidDescriptor, "no primary volume descriptor").WithPath(isoPath)
		case primaryDescriptor:
			var primary iso9660.PrimaryVolumeDescriptorBody
			if err := primary.UnmarshalBinary(sector); err != nil {
				return "", failure.Wrap(failure.InvalidDescriptor, err, "could not read the volume id").WithPath(isoPath)
			}
			return strings.TrimSpace(primary.VolumeIdentifier), nil
		}
	}
}

// ReadDescriptor describes isoPath using its primary volume descriptor and
// the metadata files under mountPoint. Missing metadata files leave their
// fields empty.
func ReadDescriptor(fs afero.Fs, isoPath string, mountPoint string) (Descriptor, error) {
	volumeID, volumeErr := VolumeID(fs, isoPath)
	if volumeErr != nil {
		return Descriptor{}, volumeErr
	}
	descriptor := Descriptor{
		FileName:  filepath.Base(isoPath),
		Directory: filepath.Dir(isoPath),
		VolumeID:  volumeID,
	}

	if info, err := afero.ReadFile(fs, filepath.Join(mountPoint, DiskInfoPath)); err == nil {
		text := strings.TrimSpace(string(info))
		if match := quotedToken.FindStringSubmatch(text); match != nil {
			descriptor.ReleaseName = match[1]
		}
		if index := strings.Index(text, " ("); index > 0 {
			descriptor.DiskName = text[:index]
		} else {
			descriptor.DiskName = text
		}
	}
	if defines, err := afero.ReadFile(fs, filepath.Join(mountPoint, DiskDefinesPath)); err == nil {
		if name := defineDiskName(defines); name != "" {
			descriptor.DiskName = name
		}
	}
	if url, err := afero.ReadFile(fs, filepath.Join(mountPoint, ReleaseNotesURLPath)); err == nil {
		descriptor.ReleaseNotesURL = strings.TrimSpace(string(url))
	}
	return descriptor, nil
}

func defineDiskName(defines []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(defines))
	for scanner.Scan() {
		if match := diskName.FindStringSubmatch(strings.TrimSpace(scanner.Text())); match != nil {
			return strings.TrimSpace(match[1])
		}
	}
	return ""
}
