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
	"bufio"
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/LadySerena/iso-remaster/layout"
	"github.com/LadySerena/iso-remaster/runner"
	"github.com/LadySerena/iso-remaster/squashfs"
	"github.com/LadySerena/iso-remaster/telemetry"
	"github.com/spf13/afero"
)

// Package is an installed package and whether the standard or minimal
// installation removes it.
type Package struct {
	Name           string
	Version        string
	RemoveStandard bool
	RemoveMinimal  bool
}

// InstalledPackages lists the packages of the customized root with
// dpkg-query.
func (b *Bookkeeper) InstalledPackages(ctx context.Context) ([]Package, error) {
	ctx, span := telemetry.GetTracer().Start(ctx, "listing installed packages")
	defer span.End()

	cmd := runner.Command{Args: []string{
		"dpkg-query", "-W",
		"--admindir=" + filepath.Join(b.CustomRoot, "var", "lib", "dpkg"),
		"--showformat=${Package}\t${Version}\n",
	}}
	output, err := runner.Output(ctx, b.Runner, cmd)
	if err != nil {
		return nil, fmt.Errorf("querying installed packages: %w", err)
	}
	return ParsePackages(output), nil
}

// ParsePackages reads name<TAB>version lines.
func ParsePackages(output []byte) []Package {
	var packages []Package
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		fields := strings.SplitN(scanner.Text(), "\t", 2)
		name := strings.TrimSpace(fields[0])
		if name == "" {
			continue
		}
		installed := Package{Name: name}
		if len(fields) == 2 {
			installed.Version = strings.TrimSpace(fields[1])
		}
		packages = append(packages, installed)
	}
	return packages
}

// parseRemoveList returns the package names of a remove list.
func parseRemoveList(data []byte) map[string]bool {
	names := make(map[string]bool)
	for _, line := range strings.Split(string(data), "\n") {
		if name := strings.TrimSpace(line); name != "" {
			names[name] = true
		}
	}
	return names
}

// readShippedRemoveList returns the remove list as the source ISO shipped
// it. The rewritten list only names packages installed at the last run, so
// the shipped one is kept with BackupSuffix and always read instead.
func readShippedRemoveList(fs afero.Fs, path string) (map[string]bool, error) {
	original, err := readOriginal(fs, path)
	if err != nil {
		return nil, err
	}
	return parseRemoveList(original), nil
}

func listed(names map[string]bool, name string) bool {
	if names[name] {
		return true
	}
	if index := strings.Index(name, ":"); index > 0 {
		return names[name[:index]]
	}
	return false
}

// Mark flags the packages each list removes, matching either the full name
// or the name without its :arch suffix. Whatever the standard installation
// removes, the minimal one removes too.
func Mark(packages []Package, standard, minimal map[string]bool) []Package {
	marked := make([]Package, len(packages))
	for index, installed := range packages {
		installed.RemoveStandard = listed(standard, installed.Name)
		installed.RemoveMinimal = installed.RemoveStandard || listed(minimal, installed.Name)
		marked[index] = installed
	}
	return marked
}

// RemovalCount is the number of packages any installation removes.
func RemovalCount(packages []Package) int {
	count := 0
	for _, installed := range packages {
		if installed.RemoveStandard || installed.RemoveMinimal {
			count++
		}
	}
	return count
}

// UpdateRemoveLists marks packages from the remove lists the source ISO
// shipped, rewrites the lists on the custom disk to name only installed packages and returns the
// summary shown to the operator.
func (b *Bookkeeper) UpdateRemoveLists(packages []Package) ([]Package, string, error) {
	directory := b.squashfsDirectory()
	standardName := b.Model.Chosen(layout.StandardRemoveFileName)
	minimalName := b.Model.Chosen(layout.MinimalRemoveFileName)

	var standard, minimal map[string]bool
	var readErr error
	if standardName != "" {
		if standard, readErr = readShippedRemoveList(b.Fs, filepath.Join(directory, standardName)); readErr != nil {
			return nil, "", readErr
		}
	}
	if minimalName != "" {
		if minimal, readErr = readShippedRemoveList(b.Fs, filepath.Join(directory, minimalName)); readErr != nil {
			return nil, "", readErr
		}
	}
	marked := Mark(packages, standard, minimal)

	if standardName != "" {
		if err := writeRemoveList(b.Fs, filepath.Join(directory, standardName), marked, func(p Package) bool { return p.RemoveStandard }); err != nil {
			return nil, "", err
		}
	}
	if minimalName != "" {
		if err := writeRemoveList(b.Fs, filepath.Join(directory, minimalName), marked, func(p Package) bool { return p.RemoveMinimal }); err != nil {
			return nil, "", err
		}
	}

	summary := fmt.Sprintf("Identified %d packages for removal", RemovalCount(marked))
	b.logger().Info(summary)
	return marked, summary, nil
}

func writeRemoveList(fs afero.Fs, path string, packages []Package, removed func(Package) bool) error {
	var buffer bytes.Buffer
	for _, installed := range packages {
		if removed(installed) {
			fmt.Fprintln(&buffer, installed.Name)
		}
	}
	return IdempotentWrite(fs, &buffer, path, 0o644)
}

// WriteManifest writes name<TAB>version lines to the minimal manifest when
// the layout has one, aliasing the regular manifest to it.
func (b *Bookkeeper) WriteManifest(packages []Package) error {
	var buffer bytes.Buffer
	for _, installed := range packages {
		fmt.Fprintf(&buffer, "%s\t%s\n", installed.Name, installed.Version)
	}

	directory := b.squashfsDirectory()
	manifest := b.Model.Chosen(layout.ManifestFileName)
	minimal := b.Model.Chosen(layout.MinimalManifestFileName)
	if minimal == "" {
		return IdempotentWrite(b.Fs, &buffer, filepath.Join(directory, manifest), 0o644)
	}
	if err := IdempotentWrite(b.Fs, &buffer, filepath.Join(directory, minimal), 0o644); err != nil {
		return err
	}
	return squashfs.Link(b.Fs, directory, minimal, manifest)
}
