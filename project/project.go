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

// Package project owns the on-disk workspace of one remaster: its fixed
// directory layout, the descriptors of the original and custom ISOs, and the
// persisted configuration.
package project

import (
	"fmt"
	"path/filepath"

	"github.com/LadySerena/iso-remaster/partition"
	"github.com/spf13/afero"
)

const (
	IsoMountDirectory   = "iso-mount"
	CustomRootDirectory = "custom-root"
	CustomDiskDirectory = "custom-disk"
	ConfigFileName      = "remaster.conf"
	LogFileName         = "remaster.log"
)

// Project is a workspace directory.
type Project struct {
	Directory string
}

func New(directory string) (Project, error) {
	absolute, err := filepath.Abs(directory)
	if err != nil {
		return Project{}, err
	}
	return Project{Directory: absolute}, nil
}

func (p Project) IsoMount() string   { return filepath.Join(p.Directory, IsoMountDirectory) }
func (p Project) CustomRoot() string { return filepath.Join(p.Directory, CustomRootDirectory) }
func (p Project) CustomDisk() string { return filepath.Join(p.Directory, CustomDiskDirectory) }
func (p Project) ConfigPath() string { return filepath.Join(p.Directory, ConfigFileName) }
func (p Project) LogPath() string    { return filepath.Join(p.Directory, LogFileName) }

// ImagePath is where the nth extracted boot partition image lives.
func (p Project) ImagePath(n int) string {
	return filepath.Join(p.Directory, partition.ImageName(n))
}

// Create makes the project directory and the directories the user owns.
// custom-root is left to the extractor.
func (p Project) Create(fs afero.Fs) error {
	for _, directory := range []string{p.Directory, p.IsoMount(), p.CustomDisk()} {
		if err := fs.MkdirAll(directory, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", directory, err)
		}
	}
	return nil
}

// Exists reports whether a configuration has been saved for p.
func (p Project) Exists(fs afero.Fs) bool {
	exists, _ := afero.Exists(fs, p.ConfigPath())
	return exists
}
