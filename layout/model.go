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

// Package layout discovers which of the known ISO layouts a disk tree
// follows and remembers, per attribute, every candidate value it saw.
package layout

import "fmt"

// Attribute names one property of an ISO layout.
type Attribute string

const (
	CasperDirectory                  Attribute = "casper_directory"
	InitrdFileName                   Attribute = "initrd_file_name"
	VmlinuzFileName                  Attribute = "vmlinuz_file_name"
	SquashfsDirectory                Attribute = "squashfs_directory"
	SquashfsFileName                 Attribute = "squashfs_file_name"
	ManifestFileName                 Attribute = "manifest_file_name"
	MinimalRemoveFileName            Attribute = "minimal_remove_file_name"
	StandardRemoveFileName           Attribute = "standard_remove_file_name"
	SizeFileName                     Attribute = "size_file_name"
	MinimalSquashfsFileName          Attribute = "minimal_squashfs_file_name"
	MinimalManifestFileName          Attribute = "minimal_manifest_file_name"
	MinimalSizeFileName              Attribute = "minimal_size_file_name"
	StandardSquashfsFileName         Attribute = "standard_squashfs_file_name"
	StandardManifestFileName         Attribute = "standard_manifest_file_name"
	StandardSizeFileName             Attribute = "standard_size_file_name"
	InstallerSourcesFileName         Attribute = "installer_sources_file_name"
	InstallerSquashfsFileName        Attribute = "installer_squashfs_file_name"
	InstallerManifestFileName        Attribute = "installer_manifest_file_name"
	InstallerSizeFileName            Attribute = "installer_size_file_name"
	InstallerGenericSquashfsFileName Attribute = "installer_generic_squashfs_file_name"
	InstallerGenericManifestFileName Attribute = "installer_generic_manifest_file_name"
	InstallerGenericSizeFileName     Attribute = "installer_generic_size_file_name"
)

// Attributes lists every attribute in a stable order.
var Attributes = []Attribute{
	CasperDirectory,
	InitrdFileName,
	VmlinuzFileName,
	SquashfsDirectory,
	SquashfsFileName,
	ManifestFileName,
	MinimalRemoveFileName,
	StandardRemoveFileName,
	SizeFileName,
	MinimalSquashfsFileName,
	MinimalManifestFileName,
	MinimalSizeFileName,
	StandardSquashfsFileName,
	StandardManifestFileName,
	StandardSizeFileName,
	InstallerSourcesFileName,
	InstallerSquashfsFileName,
	InstallerManifestFileName,
	InstallerSizeFileName,
	InstallerGenericSquashfsFileName,
	InstallerGenericManifestFileName,
	InstallerGenericSizeFileName,
}

// ParseAttribute maps a persisted key back to its Attribute.
func ParseAttribute(name string) (Attribute, error) {
	for _, attribute := range Attributes {
		if string(attribute) == name {
			return attribute, nil
		}
	}
	return "", fmt.Errorf("unknown layout attribute: %s", name)
}

// IsDirectory reports whether the attribute names a directory rather than
// a file inside the squashfs directory.
func (a Attribute) IsDirectory() bool {
	return a == CasperDirectory || a == SquashfsDirectory
}

type candidate struct {
	value string
	valid bool
}

// Model maps each attribute to its candidate values in insertion order.
type Model struct {
	candidates map[Attribute][]candidate
}

func NewModel() *Model {
	return &Model{candidates: make(map[Attribute][]candidate)}
}

// Record sets the validity of value. A value keeps the position of its first
// insertion; later records only replace its flag.
func (m *Model) Record(attribute Attribute, value string, valid bool) {
	entries := m.candidates[attribute]
	for i := range entries {
		if entries[i].value == value {
			entries[i].valid = valid
			return
		}
	}
	m.candidates[attribute] = append(entries, candidate{value: value, valid: valid})
}

// Offer records value as an invalid candidate unless it is already known.
func (m *Model) Offer(attribute Attribute, value string) {
	for _, entry := range m.candidates[attribute] {
		if entry.value == value {
			return
		}
	}
	m.candidates[attribute] = append(m.candidates[attribute], candidate{value: value})
}

// Choose makes value the only valid value of attribute.
func (m *Model) Choose(attribute Attribute, value string) {
	for i := range m.candidates[attribute] {
		m.candidates[attribute][i].valid = false
	}
	m.Record(attribute, value, true)
}

// Reset clears every validity flag but keeps the values.
func (m *Model) Reset() {
	for attribute := range m.candidates {
		for i := range m.candidates[attribute] {
			m.candidates[attribute][i].valid = false
		}
	}
}

// Chosen returns the last valid value of attribute, or "".
func (m *Model) Chosen(attribute Attribute) string {
	entries := m.candidates[attribute]
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].valid {
			return entries[i].value
		}
	}
	return ""
}

// ValidValues returns the valid values of attribute in insertion order.
func (m *Model) ValidValues(attribute Attribute) []string {
	var values []string
	for _, entry := range m.candidates[attribute] {
		if entry.valid {
			values = append(values, entry.value)
		}
	}
	return values
}

// Candidates returns every known value of attribute, valid or not.
func (m *Model) Candidates(attribute Attribute) []string {
	values := make([]string, 0, len(m.candidates[attribute]))
	for _, entry := range m.candidates[attribute] {
		values = append(values, entry.value)
	}
	return values
}

// SetValid records values as valid in order, as read back from configuration.
func (m *Model) SetValid(attribute Attribute, values []string) {
	for _, value := range values {
		if value != "" {
			m.Record(attribute, value, true)
		}
	}
}

// HasMinimalInstall reports whether the layout ships a minimal remove list.
func (m *Model) HasMinimalInstall() bool {
	return m.Chosen(MinimalRemoveFileName) != ""
}

// IsMultiSquashfs reports whether the layout splits the root filesystem
// into layered minimal/standard images.
func (m *Model) IsMultiSquashfs() bool {
	return m.Chosen(MinimalSquashfsFileName) != "" || m.Chosen(StandardSquashfsFileName) != ""
}

// Recognized reports whether the model holds enough to rebuild the ISO.
func (m *Model) Recognized() bool {
	return m.Chosen(CasperDirectory) != "" &&
		m.Chosen(SquashfsDirectory) != "" &&
		(m.Chosen(SquashfsFileName) != "" || m.IsMultiSquashfs())
}
