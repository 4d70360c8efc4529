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

package layout

import (
	"path/filepath"

	"github.com/LadySerena/iso-remaster/failure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const (
	DefaultSizeFileName     = "filesystem.size"
	DefaultManifestFileName = "filesystem.manifest"
)

var (
	kernelDirectories   = []string{"casper", "install", "live"}
	squashfsDirectories = []string{"casper", "install", "live"}

	initrdFiles  = []string{"initrd.gz", "initrd.lz", "initrd.img", "initrd"}
	vmlinuzFiles = []string{"vmlinuz.efi", "vmlinuz"}
)

// squashfsFiles holds the candidate names of every attribute that lives in
// the squashfs directory. Later entries win when several exist.
var squashfsFiles = map[Attribute][]string{
	SquashfsFileName:                 {"filesystem.squashfs"},
	ManifestFileName:                 {"filesystem.manifest"},
	SizeFileName:                     {"filesystem.size"},
	MinimalRemoveFileName:            {"filesystem.manifest-minimal-remove"},
	StandardRemoveFileName:           {"filesystem.manifest-remove"},
	MinimalSquashfsFileName:          {"ubuntu-server-minimal.squashfs", "minimal.squashfs"},
	MinimalManifestFileName:          {"ubuntu-server-minimal.manifest", "minimal.manifest"},
	MinimalSizeFileName:              {"ubuntu-server-minimal.size", "minimal.size"},
	StandardSquashfsFileName:         {"ubuntu-server-minimal.ubuntu-server.squashfs", "minimal.standard.squashfs"},
	StandardManifestFileName:         {"ubuntu-server-minimal.ubuntu-server.manifest", "minimal.standard.manifest"},
	StandardSizeFileName:             {"ubuntu-server-minimal.ubuntu-server.size", "minimal.standard.size"},
	InstallerSourcesFileName:         {"install-sources.yaml"},
	InstallerSquashfsFileName:        {"ubuntu-server-minimal.ubuntu-server.installer.squashfs", "minimal.standard.live.squashfs"},
	InstallerManifestFileName:        {"ubuntu-server-minimal.ubuntu-server.installer.manifest", "minimal.standard.live.manifest"},
	InstallerSizeFileName:            {"ubuntu-server-minimal.ubuntu-server.installer.size", "minimal.standard.live.size"},
	InstallerGenericSquashfsFileName: {"ubuntu-server-minimal.ubuntu-server.installer.generic.squashfs", "minimal.standard.live.generic.squashfs"},
	InstallerGenericManifestFileName: {"ubuntu-server-minimal.ubuntu-server.installer.generic.manifest", "minimal.standard.live.generic.manifest"},
	InstallerGenericSizeFileName:     {"ubuntu-server-minimal.ubuntu-server.installer.generic.size", "minimal.standard.live.generic.size"},
}

// fileOrder fixes the scan order of the squashfs directory attributes.
var fileOrder = []Attribute{
	ManifestFileName,
	SizeFileName,
	MinimalRemoveFileName,
	StandardRemoveFileName,
	MinimalManifestFileName,
	MinimalSizeFileName,
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

// Analyzer scans a disk tree, either the mounted source ISO or a
// previously staged custom-disk.
type Analyzer struct {
	Fs  afero.Fs
	Log *logrus.Entry
}

func NewAnalyzer(fs afero.Fs, log *logrus.Entry) *Analyzer {
	return &Analyzer{Fs: fs, Log: log}
}

// Analyze populates model from the tree at root. Existing values keep their
// positions and are re-marked.
func (a *Analyzer) Analyze(root string, model *Model) error {
	model.Reset()

	kernelFiles := []struct {
		attribute Attribute
		patterns  []string
	}{
		{attribute: InitrdFileName, patterns: initrdFiles},
		{attribute: VmlinuzFileName, patterns: vmlinuzFiles},
	}
	for _, kernelFile := range kernelFiles {
		if err := a.scan(model, root, CasperDirectory, kernelDirectories, kernelFile.attribute, kernelFile.patterns); err != nil {
			return err
		}
	}

	for _, attribute := range []Attribute{SquashfsFileName, MinimalSquashfsFileName, StandardSquashfsFileName} {
		if err := a.scan(model, root, SquashfsDirectory, squashfsDirectories, attribute, squashfsFiles[attribute]); err != nil {
			return err
		}
	}

	if squashfsDirectory := model.Chosen(SquashfsDirectory); squashfsDirectory != "" {
		for _, attribute := range fileOrder {
			if err := a.scanFiles(model, filepath.Join(root, squashfsDirectory), attribute, squashfsFiles[attribute]); err != nil {
				return err
			}
		}
	}

	if model.Chosen(SizeFileName) == "" {
		model.Record(SizeFileName, DefaultSizeFileName, true)
	}
	if model.Chosen(ManifestFileName) == "" {
		model.Record(ManifestFileName, DefaultManifestFileName, true)
	}

	a.logger().WithFields(logrus.Fields{
		"casper":          model.Chosen(CasperDirectory),
		"squashfs":        model.Chosen(SquashfsDirectory),
		"minimal_install": model.HasMinimalInstall(),
	}).Debug("analyzed layout")

	if !model.Recognized() {
		return failure.New(failure.LayoutUnrecognized, "no known casper and squashfs layout found").WithPath(root)
	}
	return nil
}

// scan expands every directory pattern under root and every file pattern
// within each match; an existing file marks both the directory and the file
// name valid.
func (a *Analyzer) scan(model *Model, root string, directoryAttribute Attribute, directoryPatterns []string, fileAttribute Attribute, filePatterns []string) error {
	for _, directoryPattern := range directoryPatterns {
		model.Offer(directoryAttribute, directoryPattern)
		directories, globErr := afero.Glob(a.Fs, filepath.Join(root, directoryPattern))
		if globErr != nil {
			return globErr
		}
		for _, directory := range directories {
			if isDir, _ := afero.IsDir(a.Fs, directory); !isDir {
				continue
			}
			found, scanErr := a.matchFiles(model, directory, fileAttribute, filePatterns)
			if scanErr != nil {
				return scanErr
			}
			if found {
				relative, relErr := filepath.Rel(root, directory)
				if relErr != nil {
					return relErr
				}
				model.Record(directoryAttribute, relative, true)
			}
		}
	}
	return nil
}

func (a *Analyzer) scanFiles(model *Model, directory string, attribute Attribute, patterns []string) error {
	_, err := a.matchFiles(model, directory, attribute, patterns)
	return err
}

func (a *Analyzer) matchFiles(model *Model, directory string, attribute Attribute, patterns []string) (bool, error) {
	found := false
	for _, pattern := range patterns {
		model.Offer(attribute, pattern)
		matches, globErr := afero.Glob(a.Fs, filepath.Join(directory, pattern))
		if globErr != nil {
			return false, globErr
		}
		for _, match := range matches {
			if isDir, _ := afero.IsDir(a.Fs, match); isDir {
				continue
			}
			model.Record(attribute, filepath.Base(match), true)
			found = true
		}
	}
	return found, nil
}

func (a *Analyzer) logger() *logrus.Entry {
	if a.Log == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return a.Log
}
