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

// Package eltorito turns the boot structure xorriso reports for a source
// ISO into a reusable recipe for rebuilding an ISO that boots the same way.
package eltorito

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/LadySerena/iso-remaster/failure"
	"github.com/LadySerena/iso-remaster/partition"
	"github.com/LadySerena/iso-remaster/runner"
	"github.com/LadySerena/iso-remaster/telemetry"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const (
	VolumeIDSlot           = "{volume_id}"
	BootImageDirectorySlot = "{boot_image_directory}"

	localFsFlags           = "local_fs"
	appendedPartitionFlags = "appended_partition"
	hybridMBR              = "-part_like_isohybrid"
	gptPartitions          = "-appended_part_as_gpt"
)

// intervalPattern matches --interval:FLAGS:START-STOP:ZEROIZERS:SOURCE where
// SOURCE is either single-quoted or a bare word.
var intervalPattern = regexp.MustCompile(`--interval:([^:\s']+):([^:\s']*):([^:\s']*):('[^']*'|[^\s']*)`)

// ExtractFunc writes the bytes of interval to the n-th boot image.
type ExtractFunc func(interval partition.Interval, n int) error

// Rewrite converts an `-report_el_torito as_mkisofs` report into a template.
func Rewrite(report string, extract ExtractFunc) (string, error) {
	lines := strings.Split(strings.ReplaceAll(report, "\r\n", "\n"), "\n")
	start := -1
	for index, line := range lines {
		if isVolumeID(line) {
			start = index
			break
		}
	}
	if start < 0 {
		return "", failure.New(failure.UnsupportedBootLayout, "report has no -V line")
	}

	imageNumber := 0
	var rewritten []string
	for _, line := range lines[start:] {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			continue
		case isVolumeID(trimmed):
			rewritten = append(rewritten, fmt.Sprintf("-V '%s'", VolumeIDSlot))
		case strings.HasPrefix(trimmed, "--modification-date"):
			continue
		case trimmed == hybridMBR:
			rewritten = append(rewritten, gptPartitions)
		default:
			var rewriteErr error
			replaced := intervalPattern.ReplaceAllStringFunc(trimmed, func(match string) string {
				if rewriteErr != nil {
					return match
				}
				var result string
				result, rewriteErr = rewriteInterval(match, &imageNumber, extract)
				return result
			})
			if rewriteErr != nil {
				return "", rewriteErr
			}
			rewritten = append(rewritten, replaced)
		}
	}
	return strings.Join(rewritten, "\n"), nil
}

func isVolumeID(line string) bool {
	trimmed := strings.TrimSpace(line)
	return trimmed == "-V" || strings.HasPrefix(trimmed, "-V ")
}

func rewriteInterval(match string, imageNumber *int, extract ExtractFunc) (string, error) {
	groups := intervalPattern.FindStringSubmatch(match)
	flags, bounds, zeroizers, source := groups[1], groups[2], groups[3], groups[4]

	switch {
	case strings.HasPrefix(flags, localFsFlags):
		interval, parseErr := partition.ParseInterval(bounds)
		if parseErr != nil {
			return "", failure.Wrap(failure.UnsupportedBootLayout, parseErr, "cannot read interval %s", match)
		}
		*imageNumber++
		if extract != nil {
			if err := extract(interval, *imageNumber); err != nil {
				return "", err
			}
		}
		image := fmt.Sprintf("'%s/%s'", BootImageDirectorySlot, partition.ImageName(*imageNumber))
		return fmt.Sprintf("--interval:%s:%s:%s:%s", flags, interval.Rebased(), zeroizers, image), nil
	case strings.HasPrefix(flags, appendedPartitionFlags):
		tokens := strings.Split(flags, "_")
		if len(tokens) > 3 {
			tokens = tokens[:3]
		}
		return fmt.Sprintf("--interval:%s:%s:%s:%s", strings.Join(tokens, "_"), bounds, zeroizers, source), nil
	default:
		return "", failure.New(failure.UnsupportedBootLayout, "unsupported interval flags %q", flags)
	}
}

// Generator asks xorriso for the boot structure of a source ISO and
// extracts the referenced boot images into the project directory.
type Generator struct {
	Fs     afero.Fs
	Runner runner.Runner
	Log    *logrus.Entry
}

func NewGenerator(fs afero.Fs, r runner.Runner, log *logrus.Entry) *Generator {
	return &Generator{Fs: fs, Runner: r, Log: log}
}

// Generate returns the template for sourceISO. Boot images are read from
// sourceISO itself, whatever path the report names.
func (g *Generator) Generate(ctx context.Context, sourceISO string, imageDirectory string) (string, error) {
	ctx, span := telemetry.GetTracer().Start(ctx, "generating iso template")
	defer span.End()

	report, reportErr := runner.Output(ctx, g.Runner, runner.Command{
		Args: []string{"xorriso", "-indev", sourceISO, "-report_el_torito", "as_mkisofs"},
	})
	if reportErr != nil {
		return "", reportErr
	}

	template, rewriteErr := Rewrite(string(report), func(interval partition.Interval, n int) error {
		destination := filepath.Join(imageDirectory, partition.ImageName(n))
		written, err := partition.Extract(ctx, g.Fs, sourceISO, interval, destination)
		if err != nil {
			return fmt.Errorf("extracting %s to %s: %w", interval, destination, err)
		}
		g.logger().WithFields(logrus.Fields{
			"interval": interval.String(),
			"size":     written.HumanReadable(),
		}).Infof("extracted %s", partition.ImageName(n))
		return nil
	})
	if rewriteErr != nil {
		return "", rewriteErr
	}
	return template, nil
}

func (g *Generator) logger() *logrus.Entry {
	if g.Log == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return g.Log
}
