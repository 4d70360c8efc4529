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

package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/LadySerena/iso-remaster/eltorito"
	"github.com/LadySerena/iso-remaster/layout"
	"github.com/LadySerena/iso-remaster/media"
	"github.com/LadySerena/iso-remaster/project"
	"github.com/LadySerena/iso-remaster/runner"
	"github.com/LadySerena/iso-remaster/squashfs"
	"github.com/spf13/afero"
)

const alreadyDone = "already done"

// Prepare analyzes isoPath, copies its payload and extracts its root
// filesystem, skipping stages whose results are still in place. The
// project is then ready for customization of custom-root.
func (c *Controller) Prepare(ctx context.Context, isoPath string) error {
	ctx, end, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer end()

	if err := c.analyze(ctx, isoPath); err != nil {
		return err
	}
	if err := c.run(ctx, StageCopy, c.copyStage); err != nil {
		return err
	}
	return c.run(ctx, StageExtract, c.extractStage)
}

func (c *Controller) analyze(ctx context.Context, isoPath string) error {
	absolute, absErr := filepath.Abs(isoPath)
	if absErr != nil {
		return absErr
	}
	return c.run(ctx, StageAnalyze, func(ctx context.Context, _ runner.ProgressFunc) (string, error) {
		return c.analyzeStage(ctx, absolute)
	})
}

func (c *Controller) analyzeHolds(isoPath string) bool {
	status := c.Config.Status
	if !status.AnalyzeDone || status.Template == "" || c.Config.Original.Path() != isoPath {
		return false
	}
	if !c.Config.Layout.Recognized() {
		return false
	}
	exists, _ := afero.Exists(c.Fs, isoPath)
	return exists
}

func (c *Controller) analyzeStage(ctx context.Context, isoPath string) (string, error) {
	if c.analyzeHolds(isoPath) {
		return alreadyDone, nil
	}

	if c.Config.Original.FileName != "" && c.Config.Original.Path() != isoPath {
		if err := c.Mounter.Unmount(ctx, c.Project.IsoMount(), false); err != nil {
			return "", err
		}
		c.Config.Status = project.PipelineStatus{}
		c.Config.Custom = project.Custom{}
		if err := c.clearCustomDisk(ctx); err != nil {
			return "", err
		}
	}
	if err := c.Project.Create(c.Fs); err != nil {
		return "", err
	}
	if err := c.Mounter.Mount(ctx, isoPath, c.Project.IsoMount(), c.Owner); err != nil {
		return "", err
	}
	c.Config.MountedISO = isoPath

	descriptor, descriptorErr := media.ReadDescriptor(c.Fs, isoPath, c.Project.IsoMount())
	if descriptorErr != nil {
		return "", descriptorErr
	}
	c.Config.Original = project.Original(descriptor)
	if c.Config.Custom.Version == "" {
		c.Config.Custom = project.DefaultCustom(c.Config.Original, c.Now())
	}

	if err := layout.NewAnalyzer(c.Fs, c.Log).Analyze(c.Project.IsoMount(), c.Config.Layout); err != nil {
		return "", err
	}

	template, templateErr := eltorito.NewGenerator(c.Fs, c.Runner, c.Log).Generate(ctx, isoPath, c.Project.Directory)
	if templateErr != nil {
		return "", templateErr
	}
	c.Config.Status.Template = template
	c.Config.Status.AnalyzeDone = true
	if err := c.save(); err != nil {
		return "", err
	}

	model := c.Config.Layout
	kind := "single squashfs"
	if model.IsMultiSquashfs() {
		kind = "layered squashfs"
	}
	return fmt.Sprintf("%s layout in /%s", kind, model.Chosen(layout.SquashfsDirectory)), nil
}

// clearCustomDisk removes the payload of a previous ISO, including the
// squashfs directory files the copy excludes.
func (c *Controller) clearCustomDisk(ctx context.Context) error {
	cmd := runner.Command{Args: runner.Elevate(c.wrapper, "rm", "-rf", c.Project.CustomDisk())}
	if _, err := runner.Output(ctx, c.Runner, cmd); err != nil {
		return fmt.Errorf("deleting %s: %w", c.Project.CustomDisk(), err)
	}
	c.logger().WithField("path", c.Project.CustomDisk()).Info("deleted the payload of the previous iso")
	return nil
}

func (c *Controller) copyHolds() bool {
	if !c.Config.Status.CopyDone {
		return false
	}
	exists, _ := afero.DirExists(c.Fs, filepath.Join(c.Project.CustomDisk(), c.Config.Layout.Chosen(layout.CasperDirectory)))
	return exists
}

func (c *Controller) copyStage(ctx context.Context, progress runner.ProgressFunc) (string, error) {
	if c.copyHolds() {
		return alreadyDone, nil
	}
	if err := c.ensureMounted(ctx); err != nil {
		return "", err
	}
	copier := media.NewCopier(c.Runner, c.Log)
	if err := copier.Copy(ctx, c.Project.IsoMount(), c.Project.CustomDisk(), c.Config.Layout, progress); err != nil {
		return "", err
	}
	c.Config.Status.CopyDone = true
	return "copied the iso payload", c.save()
}

func (c *Controller) extractHolds() bool {
	if !c.Config.Status.ExtractDone {
		return false
	}
	exists, _ := afero.DirExists(c.Fs, filepath.Join(c.Project.CustomRoot(), "var", "lib", "dpkg"))
	return exists
}

func (c *Controller) extractStage(ctx context.Context, progress runner.ProgressFunc) (string, error) {
	if c.extractHolds() {
		return alreadyDone, nil
	}
	if err := c.ensureMounted(ctx); err != nil {
		return "", err
	}
	sources := squashfs.Sources(c.Config.Layout, c.Project.IsoMount())
	extractor := squashfs.NewExtractor(c.Fs, c.Runner, c.Log, c.wrapper)
	if err := extractor.Extract(ctx, sources, c.Project.CustomRoot(), progress); err != nil {
		return "", err
	}
	c.Config.Status.ExtractDone = true
	return fmt.Sprintf("extracted %d squashfs image(s)", len(sources)), c.save()
}

// Delete removes custom-root. The next Prepare extracts it again.
func (c *Controller) Delete(ctx context.Context) error {
	ctx, end, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer end()

	cmd := runner.Command{Args: runner.Elevate(c.wrapper, "rm", "-rf", c.Project.CustomRoot())}
	if _, err := runner.Output(ctx, c.Runner, cmd); err != nil {
		return fmt.Errorf("deleting %s: %w", c.Project.CustomRoot(), err)
	}
	c.Config.Status.ExtractDone = false
	c.logger().WithField("path", c.Project.CustomRoot()).Info("deleted custom root")
	return c.save()
}
