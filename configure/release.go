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
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/LadySerena/iso-remaster/telemetry"
	"github.com/spf13/afero"
)

var (
	prettyName         = regexp.MustCompile(`(?m)^PRETTY_NAME=.*$`)
	distribDescription = regexp.MustCompile(`(?m)^DISTRIB_DESCRIPTION=.*$`)
)

func quote(value string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`, "$", `\$`, "`", "\\`").Replace(value) + `"`
}

// ReleaseFiles returns the new contents of the release files in etc that
// name the distribution, keyed by path relative to the root.
func ReleaseFiles(osRelease, lsbRelease []byte, volumeID string) map[string][]byte {
	files := map[string][]byte{
		"etc/issue":     []byte(volumeID + ` \n \l` + "\n\n"),
		"etc/issue.net": []byte(volumeID + "\n"),
	}
	if osRelease != nil {
		files["etc/os-release"] = replaceOrAppend(osRelease, prettyName, "PRETTY_NAME="+quote(volumeID))
	}
	if lsbRelease != nil {
		files["etc/lsb-release"] = replaceOrAppend(lsbRelease, distribDescription, "DISTRIB_DESCRIPTION="+quote(volumeID))
	}
	return files
}

func replaceOrAppend(data []byte, pattern *regexp.Regexp, line string) []byte {
	if pattern.Match(data) {
		return pattern.ReplaceAllLiteral(data, []byte(line))
	}
	text := string(data)
	if text != "" && !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return []byte(text + line + "\n")
}

// UpdateOSRelease makes the customized root report volumeID as its name.
func (b *Bookkeeper) UpdateOSRelease(ctx context.Context, volumeID string) error {
	ctx, span := telemetry.GetTracer().Start(ctx, "updating os release")
	defer span.End()

	osRelease, osErr := b.readRootFile("etc/os-release")
	if osErr != nil {
		return osErr
	}
	lsbRelease, lsbErr := b.readRootFile("etc/lsb-release")
	if lsbErr != nil {
		return lsbErr
	}

	files := ReleaseFiles(osRelease, lsbRelease, volumeID)
	for _, relative := range []string{"etc/os-release", "etc/lsb-release", "etc/issue", "etc/issue.net"} {
		data, ok := files[relative]
		if !ok {
			continue
		}
		if err := b.privilegedWrite(ctx, data, b.rootPath(relative)); err != nil {
			return err
		}
	}
	b.logger().WithField("volume_id", volumeID).Info("updated release files")
	return nil
}

// rootPath follows the os-release link inside the root rather than on the
// host.
func (b *Bookkeeper) rootPath(relative string) string {
	path := filepath.Join(b.CustomRoot, relative)
	if reader, ok := b.Fs.(afero.LinkReader); ok {
		if target, err := reader.ReadlinkIfPossible(path); err == nil {
			if filepath.IsAbs(target) {
				return filepath.Join(b.CustomRoot, target)
			}
			return filepath.Join(filepath.Dir(path), target)
		}
	}
	return path
}

func (b *Bookkeeper) readRootFile(relative string) ([]byte, error) {
	data, err := afero.ReadFile(b.Fs, b.rootPath(relative))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", relative, err)
	}
	return data, nil
}
