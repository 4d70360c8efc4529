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

// Package squashfs expands the root filesystem images of a source ISO into
// custom-root and packs the customized tree back up.
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

// Sources lists the images to expand: the sole squashfs of a single image
// layout, otherwise the minimal image, falling back to the standard one.
func Sources(model *layout.Model, diskRoot string) []string {
	directory := filepath.Join(diskRoot, model.Chosen(layout.SquashfsDirectory))
	if !model.IsMultiSquashfs() {
		return []string{filepath.Join(directory, model.Chosen(layout.SquashfsFileName))}
	}
	if minimal := model.Chosen(layout.MinimalSquashfsFileName); minimal != "" {
		return []string{filepath.Join(directory, minimal)}
	}
	return []string{filepath.Join(directory, model.Chosen(layout.StandardSquashfsFileName))}
}

type Extractor struct {
	Fs      afero.Fs
	Runner  runner.Runner
	Log     *logrus.Entry
	Wrapper []string
}

func NewExtractor(fs afero.Fs, r runner.Runner, log *logrus.Entry, wrapper []string) *Extractor {
	return &Extractor{Fs: fs, Runner: r, Log: log, Wrapper: wrapper}
}

// Extract replaces customRoot with the contents of files. Symbolic links
// among files are aliases of another image and are skipped.
func (e *Extractor) Extract(ctx context.Context, files []string, customRoot string, progress runner.ProgressFunc) error {
	ctx, span := telemetry.GetTracer().Start(ctx, "extracting squashfs")
	defer span.End()

	var images []string
	for _, file := range files {
		if isLink(e.Fs, file) {
			e.logger().Debugf("skipping alias %s", file)
			continue
		}
		images = append(images, file)
	}
	if len(images) == 0 {
		return fmt.Errorf("no squashfs image to extract among %v", files)
	}

	if _, err := runner.Output(ctx, e.Runner, runner.Command{Args: runner.Elevate(e.Wrapper, "rm", "-rf", customRoot)}); err != nil {
		return fmt.Errorf("removing %s: %w", customRoot, err)
	}

	tracker := runner.NewTracker(progress)
	for index, image := range images {
		e.logger().WithField("image", image).Info("extracting squashfs")
		cmd := runner.Command{Args: runner.Elevate(e.Wrapper, "unsquashfs", "-force", "-dest", customRoot, image)}
		if _, err := e.Runner.Track(ctx, cmd, runner.Unsquashfs, runner.Scaled(tracker.Report, index, len(images))); err != nil {
			return err
		}
	}
	tracker.Report(100)
	return nil
}

func (e *Extractor) logger() *logrus.Entry {
	if e.Log == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return e.Log
}

func isLink(fileSystem afero.Fs, path string) bool {
	lstater, ok := fileSystem.(afero.Lstater)
	if !ok {
		return false
	}
	info, _, err := lstater.LstatIfPossible(path)
	return err == nil && info.Mode()&os.ModeSymlink != 0
}
