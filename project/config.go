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
	"bytes"
	"encoding/hex"
	"strings"

	"github.com/LadySerena/iso-remaster/failure"
	"github.com/LadySerena/iso-remaster/layout"
	"github.com/google/shlex"
	"github.com/spf13/afero"
	"gopkg.in/ini.v1"
)

const (
	sectionProject  = "Project"
	sectionOriginal = "Original"
	sectionCustom   = "Custom"
	sectionLayout   = "Layout"
	sectionStatus   = "Status"
	sectionOptions  = "Options"

	legacyPrefix = "iso_"

	DefaultCompression      = "xz"
	DefaultPrivilegeWrapper = "sudo"
)

// legacyStatusKeys maps the current status keys to their legacy names.
var legacyStatusKeys = map[string]string{
	"analyze_done":       "is_success_analyze",
	"copy_done":          "is_success_copy",
	"extract_done":       "is_success_extract",
	"template":           "iso_template",
	"checksum":           "iso_checksum",
	"checksum_file_name": "iso_checksum_file_name",
}

// PipelineStatus is what survives between runs of the pipeline.
type PipelineStatus struct {
	AnalyzeDone      bool
	CopyDone         bool
	ExtractDone      bool
	Template         string
	Checksum         string
	ChecksumFileName string
	// FailedStage names the stage of the last failed run, if any.
	FailedStage string
}

type Options struct {
	Compression      string
	PrivilegeWrapper string
}

// Wrapper splits the privilege wrapper into argv.
func (o Options) Wrapper() ([]string, error) {
	return shlex.Split(o.PrivilegeWrapper)
}

// Config is the persisted state of a project.
type Config struct {
	Directory string
	// MountedISO is the ISO currently mounted on iso-mount, if any.
	MountedISO string
	Original   Original
	Custom     Custom
	Layout     *layout.Model
	Status     PipelineStatus
	Options    Options
}

func NewConfig(p Project) *Config {
	return &Config{
		Directory: p.Directory,
		Layout:    layout.NewModel(),
		Options:   Options{Compression: DefaultCompression, PrivilegeWrapper: DefaultPrivilegeWrapper},
	}
}

// reader looks keys up under their current name, then their legacy one.
type reader struct {
	file *ini.File
	err  error
}

func (r *reader) key(section string, name string, legacy string) *ini.Key {
	s := r.file.Section(section)
	if s.HasKey(name) {
		return s.Key(name)
	}
	if legacy != "" && s.HasKey(legacy) {
		return s.Key(legacy)
	}
	return nil
}

func (r *reader) string(section string, name string) string {
	if key := r.key(section, name, legacyPrefix+name); key != nil {
		return key.String()
	}
	return ""
}

func (r *reader) bool(section string, name string, legacy string) bool {
	key := r.key(section, name, legacy)
	if key == nil || key.String() == "" {
		return false
	}
	value, err := key.Bool()
	if err != nil && r.err == nil {
		r.err = failure.Wrap(failure.ConfigCorrupt, err, "%s.%s is not a boolean", section, name)
	}
	return value
}

// LoadConfig reads the configuration of p, in either the legacy or the
// current layout.
func LoadConfig(fs afero.Fs, p Project) (*Config, error) {
	data, readErr := afero.ReadFile(fs, p.ConfigPath())
	if readErr != nil {
		return nil, readErr
	}
	file, loadErr := ini.Load(data)
	if loadErr != nil {
		return nil, failure.Wrap(failure.ConfigCorrupt, loadErr, "unreadable configuration").WithPath(p.ConfigPath())
	}

	r := &reader{file: file}
	config := NewConfig(p)
	config.MountedISO = r.string(sectionProject, "mounted_iso")
	config.Original = Original{
		FileName:        r.string(sectionOriginal, "file_name"),
		Directory:       r.string(sectionOriginal, "directory"),
		VolumeID:        r.string(sectionOriginal, "volume_id"),
		ReleaseName:     r.string(sectionOriginal, "release_name"),
		DiskName:        r.string(sectionOriginal, "disk_name"),
		ReleaseNotesURL: r.string(sectionOriginal, "release_notes_url"),
	}
	config.Custom = Custom{
		Version:         r.string(sectionCustom, "version"),
		FileName:        r.string(sectionCustom, "file_name"),
		Directory:       r.string(sectionCustom, "directory"),
		VolumeID:        r.string(sectionCustom, "volume_id"),
		ReleaseName:     r.string(sectionCustom, "release_name"),
		DiskName:        r.string(sectionCustom, "disk_name"),
		ReleaseNotesURL: r.string(sectionCustom, "release_notes_url"),
		UpdateOSRelease: r.bool(sectionCustom, "update_os_release", legacyPrefix+"update_os_release"),
	}
	if legacyVersion := r.key(sectionCustom, "version", "iso_version_number"); legacyVersion != nil {
		config.Custom.Version = legacyVersion.String()
	}

	for _, key := range file.Section(sectionLayout).Keys() {
		attribute, attributeErr := layout.ParseAttribute(key.Name())
		if attributeErr != nil {
			return nil, failure.Wrap(failure.ConfigCorrupt, attributeErr, "unknown layout key").WithPath(p.ConfigPath())
		}
		config.Layout.SetValid(attribute, key.Strings(","))
	}

	status := PipelineStatus{
		AnalyzeDone:      r.bool(sectionStatus, "analyze_done", legacyStatusKeys["analyze_done"]),
		CopyDone:         r.bool(sectionStatus, "copy_done", legacyStatusKeys["copy_done"]),
		ExtractDone:      r.bool(sectionStatus, "extract_done", legacyStatusKeys["extract_done"]),
		Checksum:         keyString(r.key(sectionStatus, "checksum", legacyStatusKeys["checksum"])),
		ChecksumFileName: keyString(r.key(sectionStatus, "checksum_file_name", legacyStatusKeys["checksum_file_name"])),
		FailedStage:      keyString(r.key(sectionStatus, "failed_stage", "")),
	}
	if encoded := keyString(r.key(sectionStatus, "template", legacyStatusKeys["template"])); encoded != "" {
		template, decodeErr := hex.DecodeString(encoded)
		if decodeErr != nil {
			return nil, failure.Wrap(failure.ConfigCorrupt, decodeErr, "template is not hex encoded").WithPath(p.ConfigPath())
		}
		status.Template = string(template)
	}
	config.Status = status

	if value := keyString(r.key(sectionOptions, "compression", "")); value != "" {
		config.Options.Compression = value
	}
	if value := keyString(r.key(sectionOptions, "privilege_wrapper", "")); value != "" {
		config.Options.PrivilegeWrapper = value
	}

	if r.err != nil {
		return nil, r.err
	}
	return config, nil
}

func keyString(key *ini.Key) string {
	if key == nil {
		return ""
	}
	return key.String()
}

// Save writes c in the current layout.
func (c *Config) Save(fs afero.Fs, p Project) error {
	file := ini.Empty()
	set := func(section string, name string, value string) {
		file.Section(section).Key(name).SetValue(value)
	}
	setBool := func(section string, name string, value bool) {
		if value {
			set(section, name, "true")
		} else {
			set(section, name, "false")
		}
	}

	set(sectionProject, "directory", c.Directory)
	set(sectionProject, "mounted_iso", c.MountedISO)

	set(sectionOriginal, "file_name", c.Original.FileName)
	set(sectionOriginal, "directory", c.Original.Directory)
	set(sectionOriginal, "volume_id", c.Original.VolumeID)
	set(sectionOriginal, "release_name", c.Original.ReleaseName)
	set(sectionOriginal, "disk_name", c.Original.DiskName)
	set(sectionOriginal, "release_notes_url", c.Original.ReleaseNotesURL)

	set(sectionCustom, "version", c.Custom.Version)
	set(sectionCustom, "file_name", c.Custom.FileName)
	set(sectionCustom, "directory", c.Custom.Directory)
	set(sectionCustom, "volume_id", c.Custom.VolumeID)
	set(sectionCustom, "release_name", c.Custom.ReleaseName)
	set(sectionCustom, "disk_name", c.Custom.DiskName)
	set(sectionCustom, "release_notes_url", c.Custom.ReleaseNotesURL)
	setBool(sectionCustom, "update_os_release", c.Custom.UpdateOSRelease)

	file.Section(sectionLayout)
	if c.Layout != nil {
		for _, attribute := range layout.Attributes {
			if values := c.Layout.ValidValues(attribute); len(values) > 0 {
				set(sectionLayout, string(attribute), strings.Join(values, ","))
			}
		}
	}

	setBool(sectionStatus, "analyze_done", c.Status.AnalyzeDone)
	setBool(sectionStatus, "copy_done", c.Status.CopyDone)
	setBool(sectionStatus, "extract_done", c.Status.ExtractDone)
	set(sectionStatus, "template", hex.EncodeToString([]byte(c.Status.Template)))
	set(sectionStatus, "checksum", c.Status.Checksum)
	set(sectionStatus, "checksum_file_name", c.Status.ChecksumFileName)
	set(sectionStatus, "failed_stage", c.Status.FailedStage)

	set(sectionOptions, "compression", c.Options.Compression)
	set(sectionOptions, "privilege_wrapper", c.Options.PrivilegeWrapper)

	var buffer bytes.Buffer
	if _, err := file.WriteTo(&buffer); err != nil {
		return err
	}
	return afero.WriteFile(fs, p.ConfigPath(), buffer.Bytes(), 0o644)
}
