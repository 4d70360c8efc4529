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

// Package configure maintains the metadata files of the custom disk that
// describe its root filesystem: manifests, sizes, remove lists, installer
// sources, disk defines and the kernel files boot menus point at.
package configure

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/LadySerena/iso-remaster/layout"
	"github.com/LadySerena/iso-remaster/runner"
	"github.com/LadySerena/iso-remaster/utility"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

//go:embed files/*
var configFiles embed.FS

// Bookkeeper carries what every metadata writer needs. CustomRoot is owned
// by root, so anything written there goes through Wrapper.
type Bookkeeper struct {
	Fs         afero.Fs
	Runner     runner.Runner
	Log        *logrus.Entry
	Wrapper    []string
	CustomRoot string
	CustomDisk string
	Model      *layout.Model
}

func (b *Bookkeeper) squashfsDirectory() string {
	return filepath.Join(b.CustomDisk, b.Model.Chosen(layout.SquashfsDirectory))
}

func (b *Bookkeeper) casperDirectory() string {
	return filepath.Join(b.CustomDisk, b.Model.Chosen(layout.CasperDirectory))
}

func (b *Bookkeeper) logger() *logrus.Entry {
	if b.Log == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return b.Log
}

// IdempotentWrite leaves path untouched when it already holds the data.
func IdempotentWrite(fs afero.Fs, reader io.Reader, path string, mode os.FileMode) error {
	incomingData, readErr := io.ReadAll(reader)
	if readErr != nil {
		return readErr
	}
	currentData, currentErr := afero.ReadFile(fs, path)
	if currentErr == nil && bytes.Equal(incomingData, currentData) {
		return nil
	}
	if currentErr != nil && !errors.Is(currentErr, os.ErrNotExist) {
		return currentErr
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(fs, path, incomingData, mode)
}

// privilegedWrite replaces the contents of a root owned file. The data is
// staged in a temporary file and copied over so the destination keeps its
// owner and mode.
func (b *Bookkeeper) privilegedWrite(ctx context.Context, data []byte, destination string) error {
	staged, tempErr := afero.TempFile(b.Fs, "", "remaster-")
	if tempErr != nil {
		return tempErr
	}
	defer func() {
		if err := b.Fs.Remove(staged.Name()); err != nil {
			b.logger().WithError(err).Warnf("could not remove %s", staged.Name())
		}
	}()
	if _, err := staged.Write(data); err != nil {
		utility.WrappedClose(staged)
		return err
	}
	utility.WrappedClose(staged)

	cmd := runner.Command{Args: runner.Elevate(b.Wrapper, "cp", staged.Name(), destination)}
	if _, err := runner.Output(ctx, b.Runner, cmd); err != nil {
		return fmt.Errorf("writing %s: %w", destination, err)
	}
	return nil
}
