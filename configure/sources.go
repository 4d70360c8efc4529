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
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/LadySerena/iso-remaster/layout"
	"github.com/c2h5oh/datasize"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// BackupSuffix marks the untouched copy of an edited metadata file.
const BackupSuffix = ".original"

// InstallSource describes the custom entry written to install-sources.yaml.
type InstallSource struct {
	Path        string
	Description string
	Name        string
	Size        datasize.ByteSize
}

// UpdateInstallSources makes the entry whose path is the minimal squashfs
// the only default and describes it with the custom ISO details. The
// original file is kept next to it with BackupSuffix and is always the
// input, so running this twice gives the same result.
func (b *Bookkeeper) UpdateInstallSources(source InstallSource) error {
	name := b.Model.Chosen(layout.InstallerSourcesFileName)
	if name == "" {
		return nil
	}
	path := filepath.Join(b.squashfsDirectory(), name)
	original, err := readOriginal(b.Fs, path)
	if err != nil {
		return err
	}

	updated, editErr := EditInstallSources(original, source)
	if editErr != nil {
		return fmt.Errorf("editing %s: %w", name, editErr)
	}
	return IdempotentWrite(b.Fs, bytes.NewReader(updated), path, 0o644)
}

// readOriginal returns the content path had before its first edit, saving
// it next to path with BackupSuffix when no backup exists yet. A file that
// never existed reads as nil.
func readOriginal(fs afero.Fs, path string) ([]byte, error) {
	backup := path + BackupSuffix
	original, backupErr := afero.ReadFile(fs, backup)
	if backupErr == nil {
		return original, nil
	}
	if !errors.Is(backupErr, os.ErrNotExist) {
		return nil, backupErr
	}
	original, readErr := afero.ReadFile(fs, path)
	if errors.Is(readErr, os.ErrNotExist) {
		return nil, nil
	}
	if readErr != nil {
		return nil, readErr
	}
	if err := afero.WriteFile(fs, backup, original, 0o644); err != nil {
		return nil, err
	}
	return original, nil
}

// EditInstallSources rewrites the YAML list in place, keeping every key,
// comment and entry order it does not change.
func EditInstallSources(document []byte, source InstallSource) ([]byte, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(document, &root); err != nil {
		return nil, err
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 || root.Content[0].Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("expected a list of install sources")
	}

	found := false
	for _, entry := range root.Content[0].Content {
		if entry.Kind != yaml.MappingNode {
			continue
		}
		isCustom := scalar(entry, "path") == source.Path && !found
		setScalar(entry, "default", strconv.FormatBool(isCustom), "!!bool")
		if !isCustom {
			continue
		}
		found = true
		setLocalized(entry, "description", source.Description)
		setLocalized(entry, "name", source.Name)
		setScalar(entry, "size", strconv.FormatUint(source.Size.Bytes(), 10), "!!int")
		setScalar(entry, "locale_support", "none", "!!str")
	}
	if !found {
		return nil, fmt.Errorf("no install source with path %s", source.Path)
	}

	var buffer bytes.Buffer
	encoder := yaml.NewEncoder(&buffer)
	encoder.SetIndent(2)
	if err := encoder.Encode(&root); err != nil {
		return nil, err
	}
	if err := encoder.Close(); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

func lookup(mapping *yaml.Node, key string) *yaml.Node {
	for index := 0; index+1 < len(mapping.Content); index += 2 {
		if mapping.Content[index].Value == key {
			return mapping.Content[index+1]
		}
	}
	return nil
}

func scalar(mapping *yaml.Node, key string) string {
	if value := lookup(mapping, key); value != nil && value.Kind == yaml.ScalarNode {
		return value.Value
	}
	return ""
}

func setScalar(mapping *yaml.Node, key, value, tag string) {
	if existing := lookup(mapping, key); existing != nil {
		existing.Kind = yaml.ScalarNode
		existing.Tag = tag
		existing.Value = value
		existing.Style = 0
		existing.Content = nil
		return
	}
	mapping.Content = append(mapping.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: value},
	)
}

// setLocalized updates the "en" text of a translated field, or the field
// itself when it is plain text.
func setLocalized(mapping *yaml.Node, key, value string) {
	if existing := lookup(mapping, key); existing != nil && existing.Kind == yaml.MappingNode {
		setScalar(existing, "en", value, "!!str")
		return
	}
	setScalar(mapping, key, value, "!!str")
}
