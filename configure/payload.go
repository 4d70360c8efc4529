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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/LadySerena/iso-remaster/utility"
	"github.com/spf13/afero"
)

const (
	DiskDefinesFileName     = "README.diskdefines"
	DiskInfoPath            = ".disk/info"
	ReleaseNotesURLPath     = ".disk/release_notes_url"
	defaultArch             = "amd64"
	diskDefinesTemplatePath = "files/README.diskdefines.template"
)

// DiskDefines feeds the README.diskdefines template.
type DiskDefines struct {
	DiskName string
	Arch     string
	Note     string
}

// ReadDefines parses "#define KEY  value" lines.
func ReadDefines(data []byte) map[string]string {
	defines := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != "#define" {
			continue
		}
		defines[fields[1]] = strings.Join(fields[2:], " ")
	}
	return defines
}

// Payload describes the custom disk for the metadata files at its root.
type Payload struct {
	DiskName        string
	ReleaseNotesURL string
	SourceISO       string
	Version         string
	Date            time.Time
}

// WritePayloadMetadata writes README.diskdefines, .disk/info and the
// release notes URL. The architecture is kept from the existing defines.
func (b *Bookkeeper) WritePayloadMetadata(ctx context.Context, payload Payload) error {
	definesPath := filepath.Join(b.CustomDisk, DiskDefinesFileName)
	arch := defaultArch
	if existing, err := afero.ReadFile(b.Fs, definesPath); err == nil {
		if value := ReadDefines(existing)["ARCH"]; value != "" {
			arch = value
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	defines := DiskDefines{
		DiskName: payload.DiskName,
		Arch:     arch,
		Note:     fmt.Sprintf("Remastered with iso-remaster %s from %s", payload.Version, filepath.Base(payload.SourceISO)),
	}
	rendered, renderErr := utility.RenderTemplate(ctx, configFiles, diskDefinesTemplatePath, defines)
	if renderErr != nil {
		return renderErr
	}
	if err := IdempotentWrite(b.Fs, &rendered, definesPath, 0o644); err != nil {
		return err
	}

	info := fmt.Sprintf("%s (%s)", payload.DiskName, payload.Date.Format("20060102"))
	if err := IdempotentWrite(b.Fs, strings.NewReader(info), filepath.Join(b.CustomDisk, DiskInfoPath), 0o644); err != nil {
		return err
	}

	urlPath := filepath.Join(b.CustomDisk, ReleaseNotesURLPath)
	if payload.ReleaseNotesURL == "" {
		if err := b.Fs.Remove(urlPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	return IdempotentWrite(b.Fs, strings.NewReader(payload.ReleaseNotesURL+"\n"), urlPath, 0o644)
}
