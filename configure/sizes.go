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
	"strconv"
	"strings"

	"github.com/LadySerena/iso-remaster/layout"
	"github.com/LadySerena/iso-remaster/runner"
	"github.com/LadySerena/iso-remaster/squashfs"
	"github.com/LadySerena/iso-remaster/telemetry"
	"github.com/c2h5oh/datasize"
	"github.com/spf13/afero"
)

// RootSize is the apparent size of the customized root in bytes.
func (b *Bookkeeper) RootSize(ctx context.Context) (datasize.ByteSize, error) {
	ctx, span := telemetry.GetTracer().Start(ctx, "measuring custom root")
	defer span.End()

	cmd := runner.Command{Args: runner.Elevate(b.Wrapper, "du", "--summarize", "--bytes", "--apparent-size", b.CustomRoot)}
	output, err := runner.Output(ctx, b.Runner, cmd)
	if err != nil {
		return 0, fmt.Errorf("measuring %s: %w", b.CustomRoot, err)
	}
	fields := strings.Fields(string(output))
	if len(fields) == 0 {
		return 0, fmt.Errorf("du printed nothing for %s", b.CustomRoot)
	}
	size, parseErr := strconv.ParseUint(fields[0], 10, 64)
	if parseErr != nil {
		return 0, fmt.Errorf("reading du output %q: %w", fields[0], parseErr)
	}
	return datasize.ByteSize(size), nil
}

// readSize reads a size file; a missing file counts as zero.
func readSize(fs afero.Fs, path string) (datasize.ByteSize, error) {
	data, err := afero.ReadFile(fs, path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	size, parseErr := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if parseErr != nil {
		return 0, fmt.Errorf("%s does not hold a size: %w", path, parseErr)
	}
	return datasize.ByteSize(size), nil
}

func writeSize(fs afero.Fs, path string, size datasize.ByteSize) error {
	return IdempotentWrite(fs, strings.NewReader(fmt.Sprintf("%d\n", size.Bytes())), path, 0o644)
}

// WriteSizes records rootSize in the minimal size file and rootSize plus the
// installer layers in the regular size file.
func (b *Bookkeeper) WriteSizes(rootSize datasize.ByteSize) error {
	directory := b.squashfsDirectory()

	total := rootSize
	for _, attribute := range []layout.Attribute{layout.InstallerSizeFileName, layout.InstallerGenericSizeFileName} {
		name := b.Model.Chosen(attribute)
		if name == "" {
			continue
		}
		size, err := readSize(b.Fs, filepath.Join(directory, name))
		if err != nil {
			return err
		}
		total += size
	}

	if minimal := b.Model.Chosen(layout.MinimalSizeFileName); minimal != "" {
		if err := writeSize(b.Fs, filepath.Join(directory, minimal), rootSize); err != nil {
			return err
		}
		if standard := b.Model.Chosen(layout.StandardSizeFileName); standard != "" {
			if err := squashfs.Link(b.Fs, directory, minimal, standard); err != nil {
				return err
			}
		}
	}
	if err := writeSize(b.Fs, filepath.Join(directory, b.Model.Chosen(layout.SizeFileName)), total); err != nil {
		return err
	}

	b.logger().WithField("root_size", rootSize.HumanReadable()).Info("wrote filesystem sizes")
	return nil
}
