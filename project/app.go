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
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/LadySerena/iso-remaster/failure"
	"github.com/spf13/afero"
	"gopkg.in/ini.v1"
)

const appDirectory = "remaster"

// AppConfig remembers the last ISO opened and the known project
// directories, most recent first.
type AppConfig struct {
	LastISO     string
	Directories []string
}

// AppConfigPath resolves $XDG_CONFIG_HOME/remaster/remaster.conf, falling
// back to ~/.config.
func AppConfigPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, appDirectory, ConfigFileName), nil
}

// LoadAppConfig returns an empty configuration when path does not exist.
func LoadAppConfig(fileSystem afero.Fs, path string) (*AppConfig, error) {
	data, readErr := afero.ReadFile(fileSystem, path)
	if errors.Is(readErr, fs.ErrNotExist) {
		return &AppConfig{}, nil
	}
	if readErr != nil {
		return nil, readErr
	}
	file, loadErr := ini.Load(data)
	if loadErr != nil {
		return nil, failure.Wrap(failure.ConfigCorrupt, loadErr, "unreadable application configuration").WithPath(path)
	}
	config := &AppConfig{LastISO: file.Section("Application").Key("last_iso").String()}
	stored := file.Section("Projects").Key("directories").Strings(",")
	for i := len(stored) - 1; i >= 0; i-- {
		config.Remember(stored[i])
	}
	return config, nil
}

// Remember moves directory to the front of the known projects.
func (a *AppConfig) Remember(directory string) {
	directory = strings.TrimSpace(directory)
	if directory == "" {
		return
	}
	kept := []string{directory}
	for _, existing := range a.Directories {
		if existing != directory {
			kept = append(kept, existing)
		}
	}
	a.Directories = kept
}

// Forget drops directory from the known projects.
func (a *AppConfig) Forget(directory string) {
	kept := a.Directories[:0]
	for _, existing := range a.Directories {
		if existing != directory {
			kept = append(kept, existing)
		}
	}
	a.Directories = kept
}

func (a *AppConfig) Save(fileSystem afero.Fs, path string) error {
	file := ini.Empty()
	file.Section("Application").Key("last_iso").SetValue(a.LastISO)
	file.Section("Projects").Key("directories").SetValue(strings.Join(a.Directories, ","))

	var buffer bytes.Buffer
	if _, err := file.WriteTo(&buffer); err != nil {
		return err
	}
	if err := fileSystem.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(fileSystem, path, buffer.Bytes(), 0o644)
}
