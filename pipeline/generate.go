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
	"errors"
	"fmt"
	"path"
	"path/filepath"

	"github.com/LadySerena/iso-remaster/assemble"
	"github.com/LadySerena/iso-remaster/checksum"
	"github.com/LadySerena/iso-remaster/configure"
	"github.com/LadySerena/iso-remaster/eltorito"
	"github.com/LadySerena/iso-remaster/failure"
	"github.com/LadySerena/iso-remaster/kernel"
	"github.com/LadySerena/iso-remaster/layout"
	"github.com/LadySerena/iso-remaster/runner"
	"github.com/LadySerena/iso-remaster/squashfs"
	"github.com/c2h5oh/datasize"
)

// ErrNotPrepared is returned by Generate before Prepare has completed.
var ErrNotPrepared = errors.New("the project has not been prepared")

// GenerateOptions tune one Generate run.
type GenerateOptions struct {
	// KernelIndex picks a record from Kernels; negative keeps the default
	// selection.
	KernelIndex int
	// Compression overrides the project compression when set.
	Compression string
}

func (c *Controller) inventory() *kernel.Inventory {
	model := c.Config.Layout
	return &kernel.Inventory{
		Fs:                  c.Fs,
		Runner:              c.Runner,
		Log:                 c.Log,
		Wrapper:             c.wrapper,
		CustomRoot:          c.Project.CustomRoot(),
		IsoMount:            c.Project.IsoMount(),
		CasperDirectory:     model.Chosen(layout.CasperDirectory),
		HasInstallerSources: model.Chosen(layout.InstallerSourcesFileName) != "",
	}
}

func (c *Controller) bookkeeper() *configure.Bookkeeper {
	return &configure.Bookkeeper{
		Fs:         c.Fs,
		Runner:     c.Runner,
		Log:        c.Log,
		Wrapper:    c.wrapper,
		CustomRoot: c.Project.CustomRoot(),
		CustomDisk: c.Project.CustomDisk(),
		Model:      c.Config.Layout,
	}
}

// Kernels lists the kernels available to the custom ISO, newest first.
func (c *Controller) Kernels(ctx context.Context) ([]kernel.Record, error) {
	ctx, end, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer end()

	if !c.Config.Status.ExtractDone {
		return nil, ErrNotPrepared
	}
	if err := c.ensureMounted(ctx); err != nil {
		return nil, err
	}
	return c.inventory().Collect(ctx)
}

// Generate runs the stages after customization and writes the custom ISO.
func (c *Controller) Generate(ctx context.Context, options GenerateOptions) error {
	ctx, end, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer end()

	status := c.Config.Status
	if !status.AnalyzeDone || !status.CopyDone || !status.ExtractDone || !c.extractHolds() {
		return ErrNotPrepared
	}
	c.Config.Custom.Normalize()
	if err := c.Config.Custom.Validate().Err(); err != nil {
		return err
	}
	compression := c.Config.Options.Compression
	if options.Compression != "" {
		compression = options.Compression
	}
	if !squashfs.ValidCompression(compression) {
		return failure.New(failure.ConfigCorrupt, "unknown compression %q", compression)
	}
	if err := c.ensureMounted(ctx); err != nil {
		return err
	}

	var rootSize datasize.ByteSize
	stages := []struct {
		stage Stage
		fn    stageFunc
	}{
		{StageKernel, func(ctx context.Context, progress runner.ProgressFunc) (string, error) {
			return c.kernelStage(ctx, options.KernelIndex, progress)
		}},
		{StageManifest, func(ctx context.Context, _ runner.ProgressFunc) (string, error) {
			message, size, err := c.manifestStage(ctx)
			rootSize = size
			return message, err
		}},
		{StageSquashfs, func(ctx context.Context, progress runner.ProgressFunc) (string, error) {
			return c.squashfsStage(ctx, compression, progress)
		}},
		{StageChecksums, c.checksumStage},
		{StageAssembly, c.assemblyStage},
	}
	for _, step := range stages {
		if err := c.run(ctx, step.stage, step.fn); err != nil {
			return err
		}
	}
	c.logger().WithField("root_size", rootSize.HR()).Infof("wrote %s", c.Config.Custom.Path())
	return nil
}

func (c *Controller) kernelStage(ctx context.Context, index int, progress runner.ProgressFunc) (string, error) {
	records, collectErr := c.inventory().Collect(ctx)
	if collectErr != nil {
		return "", collectErr
	}
	record, found := kernel.Selected(records)
	if index >= 0 {
		if index >= len(records) {
			return "", fmt.Errorf("kernel %d requested but only %d found", index, len(records))
		}
		record, found = records[index], true
	}
	if !found {
		return "", failure.New(failure.NoKernelsFound, "no kernel selected")
	}

	if err := c.bookkeeper().InstallKernel(ctx, record, progress); err != nil {
		return "", err
	}
	c.Config.Layout.Choose(layout.VmlinuzFileName, record.NewVmlinuzFileName)
	c.Config.Layout.Choose(layout.InitrdFileName, record.NewInitrdFileName)
	if err := c.save(); err != nil {
		return "", err
	}
	name := record.VersionName
	if name == "" {
		name = record.VmlinuzFileName
	}
	return fmt.Sprintf("using kernel %s", name), nil
}

func (c *Controller) manifestStage(ctx context.Context) (string, datasize.ByteSize, error) {
	bookkeeper := c.bookkeeper()
	custom := c.Config.Custom

	if custom.UpdateOSRelease {
		if err := bookkeeper.UpdateOSRelease(ctx, custom.VolumeID); err != nil {
			return "", 0, err
		}
	}

	packages, packagesErr := bookkeeper.InstalledPackages(ctx)
	if packagesErr != nil {
		return "", 0, packagesErr
	}
	marked, summary, removeErr := bookkeeper.UpdateRemoveLists(packages)
	if removeErr != nil {
		return "", 0, removeErr
	}
	if err := bookkeeper.WriteManifest(marked); err != nil {
		return "", 0, err
	}

	rootSize, sizeErr := bookkeeper.RootSize(ctx)
	if sizeErr != nil {
		return "", 0, sizeErr
	}
	if err := bookkeeper.WriteSizes(rootSize); err != nil {
		return "", 0, err
	}
	if err := bookkeeper.UpdateInstallSources(configure.InstallSource{
		Path:        c.Config.Layout.Chosen(layout.MinimalSquashfsFileName),
		Description: custom.ReleaseName,
		Name:        custom.VolumeID,
		Size:        rootSize,
	}); err != nil {
		return "", 0, err
	}
	if err := bookkeeper.WritePayloadMetadata(ctx, configure.Payload{
		DiskName:        custom.DiskName,
		ReleaseNotesURL: custom.ReleaseNotesURL,
		SourceISO:       c.Config.Original.Path(),
		Version:         c.Version,
		Date:            c.Now(),
	}); err != nil {
		return "", 0, err
	}
	return summary, rootSize, nil
}

func (c *Controller) squashfsDirectory() string {
	return filepath.Join(c.Project.CustomDisk(), c.Config.Layout.Chosen(layout.SquashfsDirectory))
}

func (c *Controller) squashfsStage(ctx context.Context, compression string, progress runner.ProgressFunc) (string, error) {
	directory := c.squashfsDirectory()
	output := filepath.Join(directory, squashfs.OutputName(c.Config.Layout))
	assembler := squashfs.NewAssembler(c.Fs, c.Runner, c.Log, c.wrapper)
	if err := assembler.Assemble(ctx, c.Project.CustomRoot(), output, compression, progress); err != nil {
		return "", err
	}
	if err := squashfs.LinkAliases(c.Fs, directory, c.Config.Layout); err != nil {
		return "", err
	}
	return fmt.Sprintf("compressed with %s", compression), nil
}

// relativeToDisk names a file of the squashfs directory relative to the
// custom disk, or "" when name is empty.
func (c *Controller) relativeToDisk(name string) string {
	if name == "" {
		return ""
	}
	return path.Join(filepath.ToSlash(c.Config.Layout.Chosen(layout.SquashfsDirectory)), name)
}

func (c *Controller) checksumStage(ctx context.Context, progress runner.ProgressFunc) (string, error) {
	bootFiles, bootErr := eltorito.BootFiles(c.Config.Status.Template)
	if bootErr != nil {
		return "", failure.Wrap(failure.ConfigCorrupt, bootErr, "stored template cannot be read")
	}
	policy := checksum.Policy{
		BootFiles:         bootFiles,
		MinimalRemoveFile: c.relativeToDisk(c.Config.Layout.Chosen(layout.MinimalRemoveFileName)),
		HasMinimalInstall: c.Config.Layout.HasMinimalInstall(),
	}
	count, err := checksum.NewEngine(c.Fs, c.Log).Write(ctx, c.Project.CustomDisk(), policy, progress)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d files checksummed", count), nil
}

// assemblyExcludes leaves the same metadata out of the ISO as out of the
// checksum list.
func (c *Controller) assemblyExcludes() []string {
	model := c.Config.Layout
	var excludes []string
	if sources := c.relativeToDisk(model.Chosen(layout.InstallerSourcesFileName)); sources != "" {
		excludes = append(excludes, sources+configure.BackupSuffix)
	}
	for _, list := range []layout.Attribute{layout.StandardRemoveFileName, layout.MinimalRemoveFileName} {
		if remove := c.relativeToDisk(model.Chosen(list)); remove != "" {
			excludes = append(excludes, remove+configure.BackupSuffix)
		}
	}
	if !model.HasMinimalInstall() {
		if remove := c.relativeToDisk(model.Chosen(layout.MinimalRemoveFileName)); remove != "" {
			excludes = append(excludes, remove)
		}
	}
	return excludes
}

func (c *Controller) assemblyStage(ctx context.Context, progress runner.ProgressFunc) (string, error) {
	custom := c.Config.Custom
	result, err := assemble.NewEngine(c.Fs, c.Runner, c.Log, c.wrapper).Build(ctx, assemble.Request{
		Template:           c.Config.Status.Template,
		VolumeID:           custom.VolumeID,
		BootImageDirectory: c.Project.Directory,
		CustomDisk:         c.Project.CustomDisk(),
		Output:             custom.Path(),
		Excludes:           c.assemblyExcludes(),
	}, progress)
	if err != nil {
		return "", err
	}
	c.Config.Status.Checksum = result.Checksum
	c.Config.Status.ChecksumFileName = result.ChecksumFileName
	if err := c.save(); err != nil {
		return "", err
	}
	return fmt.Sprintf("md5 %s written to %s", result.Checksum, result.ChecksumFileName), nil
}
