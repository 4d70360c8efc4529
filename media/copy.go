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

package media

import (
	"context"
	"path"

	"github.com/LadySerena/iso-remaster/layout"
	"github.com/LadySerena/iso-remaster/runner"
	"github.com/LadySerena/iso-remaster/telemetry"
	"github.com/LadySerena/iso-remaster/utility"
	"github.com/sirupsen/logrus"
)

// excludedFiles are rebuilt for every custom ISO whatever the layout.
var excludedFiles = []string{"md5sum.txt", "MD5SUMS", ".disk/release_notes_url"}

var includedCasperFiles = []layout.Attribute{
	layout.InitrdFileName,
	layout.VmlinuzFileName,
}

var includedSquashfsFiles = []layout.Attribute{
	layout.MinimalRemoveFileName,
	layout.StandardRemoveFileName,
	layout.InstallerSourcesFileName,
	layout.InstallerSquashfsFileName,
	layout.InstallerManifestFileName,
	layout.InstallerSizeFileName,
	layout.InstallerGenericSquashfsFileName,
	layout.InstallerGenericManifestFileName,
	layout.InstallerGenericSizeFileName,
}

// CopyRules returns the rsync include and exclude patterns for model. The
// patterns are anchored at the root of the transfer.
func CopyRules(model *layout.Model) (includes []string, excludes []string) {
	casper := model.Chosen(layout.CasperDirectory)
	squashfs := model.Chosen(layout.SquashfsDirectory)

	for _, attribute := range includedCasperFiles {
		if name := model.Chosen(attribute); name != "" && casper != "" {
			includes = append(includes, "/"+path.Join(casper, name))
		}
	}
	for _, attribute := range includedSquashfsFiles {
		if name := model.Chosen(attribute); name != "" && squashfs != "" {
			includes = append(includes, "/"+path.Join(squashfs, name))
		}
	}

	for _, file := range excludedFiles {
		excludes = append(excludes, "/"+file)
	}
	for _, directory := range []string{casper, squashfs} {
		if directory == "" {
			continue
		}
		pattern := "/" + path.Join(directory, "*")
		if !contains(excludes, pattern) {
			excludes = append(excludes, pattern)
		}
	}
	return includes, excludes
}

func contains(values []string, value string) bool {
	for _, existing := range values {
		if existing == value {
			return true
		}
	}
	return false
}

// CopyArguments builds the rsync argv. Includes come first so they take
// precedence over the directory excludes. --delete drops files the ISO no
// longer has but keeps excluded ones, which Generate rewrites.
func CopyArguments(source string, destination string, model *layout.Model) []string {
	includes, excludes := CopyRules(model)
	args := []string{"rsync", "--archive", "--delete", "--chmod=u+w", "--info=progress2"}
	for _, include := range includes {
		args = append(args, "--include="+include)
	}
	for _, exclude := range excludes {
		args = append(args, "--exclude="+exclude)
	}
	return append(args, utility.TrailingSlash(source), utility.TrailingSlash(destination))
}

type Copier struct {
	Runner runner.Runner
	Log    *logrus.Entry
}

func NewCopier(r runner.Runner, log *logrus.Entry) *Copier {
	return &Copier{Runner: r, Log: log}
}

// Copy seeds destination from the mounted ISO at source.
func (c *Copier) Copy(ctx context.Context, source string, destination string, model *layout.Model, progress runner.ProgressFunc) error {
	ctx, span := telemetry.GetTracer().Start(ctx, "copying iso payload")
	defer span.End()

	cmd := runner.Command{Args: CopyArguments(source, destination, model)}
	c.logger().WithFields(logrus.Fields{"source": source, "destination": destination}).Info("copying iso payload")
	_, err := c.Runner.Track(ctx, cmd, runner.Rsync, progress)
	return err
}

func (c *Copier) logger() *logrus.Entry {
	if c.Log == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return c.Log
}
