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

package project

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const (
	MaxVolumeIDLength = 32
	// volumeIDBreakStart is the first 0-based index where a space may end a
	// truncated volume ID.
	volumeIDBreakStart = 26
	IsoExtension       = ".iso"
	VersionLayout      = "2006.01.02"
)

var numericSegment = regexp.MustCompile(`\d+(?:\.\d+)*`)

// Original describes the source ISO. It is read-only after analysis.
type Original struct {
	FileName        string
	Directory       string
	VolumeID        string
	ReleaseName     string
	DiskName        string
	ReleaseNotesURL string
}

func (o Original) Path() string {
	return filepath.Join(o.Directory, o.FileName)
}

// Custom describes the ISO being produced.
type Custom struct {
	Version         string
	FileName        string
	Directory       string
	VolumeID        string
	ReleaseName     string
	DiskName        string
	ReleaseNotesURL string
	UpdateOSRelease bool
}

func (c Custom) Path() string {
	return filepath.Join(c.Directory, c.FileName)
}

// DefaultVersion is the date stamp of now.
func DefaultVersion(now time.Time) string {
	return now.Format(VersionLayout)
}

// DefaultCustom derives the custom descriptor from the original one.
func DefaultCustom(original Original, now time.Time) Custom {
	version := DefaultVersion(now)
	return Custom{
		Version:         version,
		FileName:        DefaultFileName(original.FileName, version),
		Directory:       original.Directory,
		VolumeID:        TruncateVolumeID(strings.TrimSpace(original.VolumeID + " " + version)),
		ReleaseName:     original.ReleaseName,
		DiskName:        original.DiskName,
		ReleaseNotesURL: original.ReleaseNotesURL,
	}
}

// DefaultFileName inserts version after the first numeric segment of the
// original file name, or appends it when there is none.
func DefaultFileName(original string, version string) string {
	stem := strings.TrimSuffix(original, filepath.Ext(original))
	if stem == "" {
		stem = "custom"
	}
	if location := numericSegment.FindStringIndex(stem); location != nil {
		return stem[:location[1]] + "-" + version + stem[location[1]:] + IsoExtension
	}
	return fmt.Sprintf("%s-%s%s", stem, version, IsoExtension)
}

// TruncateVolumeID shortens volumeID to MaxVolumeIDLength, ending at the
// last space between positions 27 and 32 when there is one.
func TruncateVolumeID(volumeID string) string {
	if len(volumeID) <= MaxVolumeIDLength {
		return volumeID
	}
	for i := MaxVolumeIDLength; i >= volumeIDBreakStart; i-- {
		if volumeID[i] == ' ' {
			return strings.TrimRight(volumeID[:i], " ")
		}
	}
	return volumeID[:MaxVolumeIDLength]
}
