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

package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/LadySerena/iso-remaster/eltorito"
	"github.com/LadySerena/iso-remaster/kernel"
	"github.com/LadySerena/iso-remaster/layout"
	"github.com/LadySerena/iso-remaster/pipeline"
	"github.com/LadySerena/iso-remaster/project"
	"github.com/LadySerena/iso-remaster/squashfs"
	"github.com/LadySerena/iso-remaster/utility"
	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
)

func newCreateCommand(options *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create the project directory and its configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(options, true, false, func(s *session) error {
				if err := s.config().Save(s.fs, s.project); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "project ready in %s\n", s.project.Directory)
				return nil
			})
		},
	}
}

func newPrepareCommand(options *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prepare ISO",
		Short: "Analyze the source ISO, copy its payload and extract its root filesystem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			iso, absErr := filepath.Abs(args[0])
			if absErr != nil {
				return absErr
			}
			return withSession(options, true, true, func(s *session) error {
				s.remember(iso)
				if err := s.run(cmd.Context(), func(ctx context.Context) error {
					return s.controller.Prepare(ctx, iso)
				}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "customize %s, then run remaster generate\n", s.project.CustomRoot())
				return nil
			})
		},
	}
}

func newKernelsCommand(options *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "kernels",
		Short: "List the kernels the custom ISO can boot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(options, false, true, func(s *session) error {
				var records []kernel.Record
				if err := s.run(cmd.Context(), func(ctx context.Context) error {
					var collectErr error
					records, collectErr = s.controller.Kernels(ctx)
					return collectErr
				}); err != nil {
					return err
				}
				writeKernels(cmd.OutOrStdout(), records)
				return nil
			})
		},
	}
}

// writeKernels prints one block per record; the index is what --kernel
// takes.
func writeKernels(w io.Writer, records []kernel.Record) {
	for index, record := range records {
		marker := " "
		if record.Selected {
			marker = "*"
		}
		name := record.VersionName
		if name == "" {
			name = "unknown version"
		}
		fmt.Fprintf(w, "%s %d  %s\n", marker, index, name)
		fmt.Fprintf(w, "     %s -> %s\n", record.VmlinuzPath(), record.NewVmlinuzFileName)
		fmt.Fprintf(w, "     %s -> %s\n", record.InitrdPath(), record.NewInitrdFileName)
		if record.Note != "" {
			fmt.Fprintf(w, "     %s\n", record.Note)
		}
	}
}

// descriptorFlags override fields of the custom descriptor. Only flags the
// operator set are applied.
type descriptorFlags struct {
	fileName        string
	directory       string
	volumeID        string
	releaseName     string
	diskName        string
	releaseNotesURL string
	updateOSRelease bool
}

func (d *descriptorFlags) register(flags *flag.FlagSet) {
	flags.StringVar(&d.fileName, "file-name", "", "file name of the custom ISO")
	flags.StringVar(&d.directory, "directory", "", "directory the custom ISO is written to")
	flags.StringVar(&d.volumeID, "volume-id", "", "volume ID of the custom ISO")
	flags.StringVar(&d.releaseName, "release-name", "", "release name shown by the installer")
	flags.StringVar(&d.diskName, "disk-name", "", "disk name written to README.diskdefines and .disk/info")
	flags.StringVar(&d.releaseNotesURL, "release-notes-url", "", "release notes URL, empty to drop it")
	flags.BoolVar(&d.updateOSRelease, "update-os-release", false, "rename the distribution in custom-root to the volume ID")
}

func (d *descriptorFlags) apply(flags *flag.FlagSet, custom *project.Custom) {
	overrides := []struct {
		name   string
		target *string
		value  string
	}{
		{"file-name", &custom.FileName, d.fileName},
		{"directory", &custom.Directory, d.directory},
		{"volume-id", &custom.VolumeID, d.volumeID},
		{"release-name", &custom.ReleaseName, d.releaseName},
		{"disk-name", &custom.DiskName, d.diskName},
		{"release-notes-url", &custom.ReleaseNotesURL, d.releaseNotesURL},
	}
	for _, override := range overrides {
		if flags.Changed(override.name) {
			*override.target = override.value
		}
	}
	if flags.Changed("update-os-release") {
		custom.UpdateOSRelease = d.updateOSRelease
	}
}

// writeValidations prints the fields that would stop generation.
func writeValidations(w io.Writer, validations project.Validations) {
	fields := make([]string, 0, len(validations))
	for field, validation := range validations {
		if !validation.Valid {
			fields = append(fields, string(field))
		}
	}
	sort.Strings(fields)
	for _, field := range fields {
		fmt.Fprintf(w, "%s: %s\n", field, validations[project.Field(field)].Message)
	}
}

func newGenerateCommand(options *globalOptions) *cobra.Command {
	descriptor := &descriptorFlags{}
	var kernelIndex int
	var compression string
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Rebuild the custom ISO from custom-root and custom-disk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if compression != "" && !squashfs.ValidCompression(compression) {
				return fmt.Errorf("compression must be one of %v", squashfs.Compressions)
			}
			return withSession(options, false, true, func(s *session) error {
				config := s.config()
				descriptor.apply(cmd.Flags(), &config.Custom)
				config.Custom.Normalize()
				if validations := config.Custom.Validate(); validations.Err() != nil {
					writeValidations(cmd.ErrOrStderr(), validations)
					return validations.Err()
				}
				if err := config.Save(s.fs, s.project); err != nil {
					return err
				}

				if err := s.run(cmd.Context(), func(ctx context.Context) error {
					return s.controller.Generate(ctx, pipeline.GenerateOptions{KernelIndex: kernelIndex, Compression: compression})
				}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\nmd5 %s (%s)\n", config.Custom.Path(), config.Status.Checksum, config.Status.ChecksumFileName)
				return nil
			})
		},
	}
	flags := generate.Flags()
	descriptor.register(flags)
	flags.IntVarP(&kernelIndex, "kernel", "k", -1, "index from remaster kernels of the kernel to boot, default is the newest")
	flags.StringVarP(&compression, "compression", "c", "", fmt.Sprintf("squashfs compression, one of %v", squashfs.Compressions))
	return generate
}

func doneMark(done bool) string {
	if done {
		return "done"
	}
	return "pending"
}

func writeStatus(w io.Writer, p project.Project, config *project.Config) {
	fmt.Fprintf(w, "project    %s\n", p.Directory)
	if config.Original.FileName != "" {
		fmt.Fprintf(w, "source     %s (%s)\n", config.Original.Path(), config.Original.VolumeID)
	}
	if config.MountedISO != "" {
		fmt.Fprintf(w, "mounted    %s\n", config.MountedISO)
	}
	if casper := config.Layout.Chosen(layout.CasperDirectory); casper != "" {
		fmt.Fprintf(w, "layout     /%s, squashfs in /%s\n", casper, config.Layout.Chosen(layout.SquashfsDirectory))
	}
	status := config.Status
	fmt.Fprintf(w, "analyze    %s\n", doneMark(status.AnalyzeDone))
	fmt.Fprintf(w, "copy       %s\n", doneMark(status.CopyDone))
	fmt.Fprintf(w, "extract    %s\n", doneMark(status.ExtractDone))
	if status.FailedStage != "" {
		fmt.Fprintf(w, "failed     %s\n", status.FailedStage)
	}
	if config.Custom.FileName != "" {
		fmt.Fprintf(w, "output     %s (%s)\n", config.Custom.Path(), config.Custom.VolumeID)
	}
	if status.Checksum != "" {
		fmt.Fprintf(w, "md5        %s\n", status.Checksum)
	}
}

func newStatusCommand(options *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show which stages of the project are done",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(options, false, false, func(s *session) error {
				writeStatus(cmd.OutOrStdout(), s.project, s.config())
				return nil
			})
		},
	}
}

func newDeleteCommand(options *globalOptions) *cobra.Command {
	var assumeYes bool
	deleteCommand := &cobra.Command{
		Use:   "delete",
		Short: "Delete custom-root; the next prepare extracts it again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(options, false, false, func(s *session) error {
				if !assumeYes && !utility.ConfirmDialog("delete %s and every customization in it? [Y/n]: ", s.project.CustomRoot()) {
					fmt.Fprintln(cmd.OutOrStdout(), "nothing deleted")
					return nil
				}
				return s.run(cmd.Context(), s.controller.Delete)
			})
		},
	}
	deleteCommand.Flags().BoolVarP(&assumeYes, "yes", "y", false, "do not ask for confirmation")
	return deleteCommand
}

func newTemplateCommand(options *globalOptions) *cobra.Command {
	var instantiate bool
	template := &cobra.Command{
		Use:   "template",
		Short: "Print the xorriso boot arguments recorded for the source ISO",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(options, false, false, func(s *session) error {
				config := s.config()
				if config.Status.Template == "" {
					return fmt.Errorf("no template yet, run remaster prepare first")
				}
				text := config.Status.Template
				if instantiate {
					text = eltorito.Instantiate(text, config.Custom.VolumeID, s.project.Directory)
				}
				fmt.Fprintln(cmd.OutOrStdout(), text)
				return nil
			})
		},
	}
	template.Flags().BoolVar(&instantiate, "instantiate", false, "fill in the custom volume ID and the boot image directory")
	return template
}
