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

package squashfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/LadySerena/iso-remaster/layout"
	"github.com/LadySerena/iso-remaster/runner"
	"github.com/LadySerena/iso-remaster/telemetry"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const DefaultCompression = "xz"

// Compressions are the mksquashfs -comp values offered to operators.
var Compressions = []string{"gzip", "lzo", "lz4", "xz", "zstd"}

// excluded holds runtime state that must not end up in the image.
var excluded = []string{
	"proc/*", "sys/*", "dev/*", "run/*", "tmp/*",
	"var/crash/*", "var/tmp/*", "swapfile",
	"root/.bash_history", "root/.cache",
}

func ValidCompression(compression string) bool {
	for _, candidate := range Compressions {
		if candidate == compression {
			return true
		}
	}
	return false
}

// OutputName is the image written by the assembler: the minimal squashfs
// when the layout has one, otherwise the single squashfs.
func OutputName(model *layout.Model) string {
	if minimal := model.Chosen(layout.MinimalSquashfsFileName); minimal != "" {
		return minimal
	}
	return model.Chosen(layout.SquashfsFileName)
}

type Assembler struct {
	Fs      afero.Fs
	Runner  runner.Runner
	Log     *logrus.Entry
	Wrapper []string
}

func NewAssembler(fs afero.Fs, r runner.Runner, log *logrus.Entry, wrapper []string) *Assembler {
	return &Assembler{Fs: fs, Runner: r, Log: log, Wrapper: wrapper}
}

// Assemble compresses customRoot into output, replacing any previous image.
func (a *Assembler) Assemble(ctx context.Context, customRoot, output, compression string, progress runner.ProgressFunc) error {
	ctx, span := telemetry.GetTracer().Start(ctx, "assembling squashfs")
	defer span.End()

	if !ValidCompression(compression) {
		return fmt.Errorf("unsupported squashfs compression %q", compression)
	}
	if err := a.Fs.Remove(output); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing previous %s: %w", output, err)
	}

	args := []string{"mksquashfs", customRoot, output, "-noappend", "-comp", compression, "-wildcards"}
	for _, pattern := range excluded {
		args = append(args, "-e", pattern)
	}
	a.logger().WithFields(logrus.Fields{"output": output, "compression": compression}).Info("assembling squashfs")
	_, err := a.Runner.Track(ctx, runner.Command{Args: runner.Elevate(a.Wrapper, args...)}, runner.Mksquashfs, progress)
	return err
}

func (a *Assembler) logger() *logrus.Entry {
	if a.Log == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return a.Log
}

// Link makes alias a symbolic link to target, both in directory. An
// existing alias is replaced; a missing target is an error so that links
// are only created once what they point at exists.
func Link(fileSystem afero.Fs, directory, target, alias string) error {
	if target == alias {
		return nil
	}
	linker, ok := fileSystem.(afero.Linker)
	if !ok {
		return fmt.Errorf("file system does not support symbolic links")
	}
	if _, err := fileSystem.Stat(filepath.Join(directory, target)); err != nil {
		return fmt.Errorf("alias target %s: %w", target, err)
	}
	aliasPath := filepath.Join(directory, alias)
	if err := fileSystem.Remove(aliasPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("replacing %s: %w", aliasPath, err)
	}
	return linker.SymlinkIfPossible(target, aliasPath)
}

// LinkAliases points every earlier valid name of a file attribute at the
// last one and the standard squashfs at the minimal squashfs. Attributes
// whose last name is not present in directory are left alone.
func LinkAliases(fileSystem afero.Fs, directory string, model *layout.Model) error {
	for _, attribute := range layout.Attributes {
		if attribute.IsDirectory() {
			continue
		}
		values := model.ValidValues(attribute)
		if len(values) < 2 {
			continue
		}
		target := values[len(values)-1]
		if _, err := fileSystem.Stat(filepath.Join(directory, target)); err != nil {
			continue
		}
		for _, alias := range values[:len(values)-1] {
			if err := Link(fileSystem, directory, target, alias); err != nil {
				return fmt.Errorf("linking %s: %w", attribute, err)
			}
		}
	}

	minimal := model.Chosen(layout.MinimalSquashfsFileName)
	standard := model.Chosen(layout.StandardSquashfsFileName)
	if minimal != "" && standard != "" {
		return Link(fileSystem, directory, minimal, standard)
	}
	return nil
}
