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
	"net/url"
	"os"
	"strings"

	"github.com/LadySerena/iso-remaster/failure"
	"golang.org/x/sys/unix"
)

type Status string

const (
	StatusOK       Status = "OK"
	StatusError    Status = "ERROR"
	StatusOptional Status = "OPTIONAL"
	StatusBlank    Status = "BLANK"
)

// Validation is the verdict on one descriptor field.
type Validation struct {
	Valid   bool
	Status  Status
	Message string
}

func ok(message string) Validation {
	return Validation{Valid: true, Status: StatusOK, Message: message}
}

func invalid(format string, args ...any) Validation {
	return Validation{Status: StatusError, Message: fmt.Sprintf(format, args...)}
}

func optional() Validation {
	return Validation{Valid: true, Status: StatusOptional}
}

// Field names a custom descriptor field.
type Field string

const (
	FieldFileName        Field = "file_name"
	FieldDirectory       Field = "directory"
	FieldVolumeID        Field = "volume_id"
	FieldReleaseName     Field = "release_name"
	FieldDiskName        Field = "disk_name"
	FieldReleaseNotesURL Field = "release_notes_url"
	FieldUpdateOSRelease Field = "update_os_release"
)

// NormalizeFileName enforces a single .iso suffix.
func NormalizeFileName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return name
	}
	for strings.HasSuffix(name, IsoExtension+IsoExtension) {
		name = strings.TrimSuffix(name, IsoExtension)
	}
	if !strings.HasSuffix(name, IsoExtension) {
		name += IsoExtension
	}
	return name
}

func ValidateFileName(name string) Validation {
	if strings.TrimSpace(name) == "" {
		return invalid("a file name is required")
	}
	if strings.ContainsRune(name, os.PathSeparator) {
		return invalid("the file name must not contain %q", os.PathSeparator)
	}
	return ok("")
}

func ValidateDirectory(directory string) Validation {
	if directory == "" {
		return invalid("a directory is required")
	}
	info, statErr := os.Stat(directory)
	if statErr != nil {
		return invalid("%s does not exist", directory)
	}
	if !info.IsDir() {
		return invalid("%s is not a directory", directory)
	}
	if err := unix.Access(directory, unix.W_OK); err != nil {
		return invalid("%s is not writable", directory)
	}
	return ok("")
}

func ValidateVolumeID(volumeID string) Validation {
	if strings.TrimSpace(volumeID) == "" {
		return invalid("a volume id is required")
	}
	remaining := MaxVolumeIDLength - len(volumeID)
	if remaining < 0 {
		return invalid("%d characters too long", -remaining)
	}
	return ok(fmt.Sprintf("%d characters remaining", remaining))
}

func ValidateReleaseName(name string) Validation {
	if strings.TrimSpace(name) == "" {
		return optional()
	}
	return ok("")
}

func ValidateDiskName(name string) Validation {
	if strings.TrimSpace(name) == "" {
		return invalid("a disk name is required")
	}
	return ok("")
}

func ValidateReleaseNotesURL(value string) Validation {
	if strings.TrimSpace(value) == "" {
		return optional()
	}
	parsed, err := url.Parse(value)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return invalid("%s is not a url", value)
	}
	return ok("")
}

// ValidateUpdateOSRelease only allows the update with a valid volume id;
// without one it is blank since the volume id is its prerequisite.
func ValidateUpdateOSRelease(update bool, volumeID Validation) Validation {
	if !volumeID.Valid {
		if update {
			return Validation{Status: StatusBlank, Message: "requires a valid volume id"}
		}
		return Validation{Valid: true, Status: StatusBlank}
	}
	return ok("")
}

// Validations holds the verdict per field.
type Validations map[Field]Validation

// Err returns InvalidDescriptor naming the first invalid field in a stable
// order, or nil.
func (v Validations) Err() error {
	for _, field := range []Field{FieldFileName, FieldDirectory, FieldVolumeID, FieldReleaseName, FieldDiskName, FieldReleaseNotesURL, FieldUpdateOSRelease} {
		if validation, found := v[field]; found && !validation.Valid {
			return failure.New(failure.InvalidDescriptor, "%s: %s", field, validation.Message)
		}
	}
	return nil
}

// Normalize applies the corrections validators make on write.
func (c *Custom) Normalize() {
	c.FileName = NormalizeFileName(c.FileName)
	c.VolumeID = strings.TrimSpace(c.VolumeID)
}

// Validate runs every field validator against c.
func (c Custom) Validate() Validations {
	volumeID := ValidateVolumeID(c.VolumeID)
	return Validations{
		FieldFileName:        ValidateFileName(c.FileName),
		FieldDirectory:       ValidateDirectory(c.Directory),
		FieldVolumeID:        volumeID,
		FieldReleaseName:     ValidateReleaseName(c.ReleaseName),
		FieldDiskName:        ValidateDiskName(c.DiskName),
		FieldReleaseNotesURL: ValidateReleaseNotesURL(c.ReleaseNotesURL),
		FieldUpdateOSRelease: ValidateUpdateOSRelease(c.UpdateOSRelease, volumeID),
	}
}
