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
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/LadySerena/iso-remaster/kernel"
	"github.com/LadySerena/iso-remaster/runner"
	"github.com/LadySerena/iso-remaster/telemetry"
	"github.com/gobwas/glob"
	"github.com/spf13/afero"
)

var (
	kernelFileGlob = glob.MustCompile("{vmlinu[xz]*,initrd*}")
	// boot menus that load the live kernel
	bootConfigPatterns = []string{
		"boot/grub/grub.cfg",
		"boot/grub/loopback.cfg",
		"isolinux/*.cfg",
	}
)

// InstallKernel copies the selected kernel into the casper directory of the
// custom disk under its canonical names, removes the kernel files it
// replaces and points the boot menus at the new names.
func (b *Bookkeeper) InstallKernel(ctx context.Context, record kernel.Record, progress runner.ProgressFunc) error {
	ctx, span := telemetry.GetTracer().Start(ctx, "installing kernel")
	defer span.End()

	casper := b.casperDirectory()
	if err := b.Fs.MkdirAll(casper, 0o755); err != nil {
		return err
	}
	if err := b.removeKernelFiles(casper); err != nil {
		return err
	}

	tracker := runner.NewTracker(progress)
	copies := [][2]string{
		{record.VmlinuzPath(), filepath.Join(casper, record.NewVmlinuzFileName)},
		{record.InitrdPath(), filepath.Join(casper, record.NewInitrdFileName)},
	}
	for index, files := range copies {
		cmd := runner.Command{Args: runner.Elevate(b.Wrapper, "install", "--mode=0644", files[0], files[1])}
		if _, err := runner.Output(ctx, b.Runner, cmd); err != nil {
			return fmt.Errorf("copying %s: %w", files[0], err)
		}
		tracker.Report(float64(100*(index+1)) / float64(len(copies)))
	}

	changed, rewriteErr := b.RewriteBootConfigs(record.NewVmlinuzFileName, record.NewInitrdFileName)
	if rewriteErr != nil {
		return rewriteErr
	}
	b.logger().WithField("boot_configs", changed).Infof("installed kernel %s", record.VersionName)
	return nil
}

func (b *Bookkeeper) removeKernelFiles(casper string) error {
	entries, err := afero.ReadDir(b.Fs, casper)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !kernelFileGlob.Match(entry.Name()) {
			continue
		}
		if err := b.Fs.Remove(filepath.Join(casper, entry.Name())); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// RewriteBootConfigs replaces /<casper>/vmlinuz* and /<casper>/initrd*
// references in the boot menus and returns the menus it changed.
func (b *Bookkeeper) RewriteBootConfigs(vmlinuz, initrd string) ([]string, error) {
	var configs []string
	for _, pattern := range bootConfigPatterns {
		matches, err := afero.Glob(b.Fs, filepath.Join(b.CustomDisk, pattern))
		if err != nil {
			return nil, err
		}
		configs = append(configs, matches...)
	}

	var changed []string
	for _, config := range configs {
		original, readErr := afero.ReadFile(b.Fs, config)
		if readErr != nil {
			return nil, readErr
		}
		updated := RewriteKernelReferences(original, casperName(b), vmlinuz, initrd)
		if bytes.Equal(original, updated) {
			continue
		}
		if err := IdempotentWrite(b.Fs, bytes.NewReader(updated), config, 0o644); err != nil {
			return nil, err
		}
		relative, _ := filepath.Rel(b.CustomDisk, config)
		changed = append(changed, relative)
	}
	return changed, nil
}

func casperName(b *Bookkeeper) string {
	relative, err := filepath.Rel(b.CustomDisk, b.casperDirectory())
	if err != nil {
		return ""
	}
	return relative
}

// RewriteKernelReferences points every /<casper>/vmlinuz* and
// /<casper>/initrd* path in a boot menu at the given file names.
func RewriteKernelReferences(config []byte, casper, vmlinuz, initrd string) []byte {
	prefix := "/" + strings.Trim(casper, "/") + "/"
	pattern := regexp.MustCompile(regexp.QuoteMeta(prefix) + `(vmlinu[xz][^\s/]*|initrd[^\s/]*)`)
	return pattern.ReplaceAllFunc(config, func(match []byte) []byte {
		name := string(match[len(prefix):])
		if strings.HasPrefix(name, "initrd") {
			return []byte(prefix + initrd)
		}
		return []byte(prefix + vmlinuz)
	})
}
