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

// Package kernel finds the vmlinuz and initrd pairs available to the custom
// ISO, works out their versions and picks the one to boot.
package kernel

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/LadySerena/iso-remaster/failure"
	"github.com/LadySerena/iso-remaster/runner"
	"github.com/LadySerena/iso-remaster/telemetry"
	"github.com/LadySerena/iso-remaster/utility"
	"github.com/gobwas/glob"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const (
	NewVmlinuzFileName = "vmlinuz"
	defaultConcurrency = 4
)

var (
	vmlinuzGlob = glob.MustCompile("vmlinu[xz]*")
	initrdGlob  = glob.MustCompile("initrd*")
	// signatures and backups that sit next to kernels but are not kernels
	ignoredGlob = glob.MustCompile("{*.sig,*.bak,*.dpkg-*}")
)

type fileKind int

const (
	vmlinuzFile fileKind = iota
	initrdFile
)

// Record describes one bootable vmlinuz/initrd pair.
type Record struct {
	Version            Version
	VersionName        string
	VmlinuzFileName    string
	NewVmlinuzFileName string
	InitrdFileName     string
	NewInitrdFileName  string
	Directory          string
	Note               string
	Selected           bool
}

func (r Record) VmlinuzPath() string {
	return filepath.Join(r.Directory, r.VmlinuzFileName)
}

func (r Record) InitrdPath() string {
	return filepath.Join(r.Directory, r.InitrdFileName)
}

type probe struct {
	path        string
	kind        fileKind
	version     string
	compression string
}

// Inventory collects kernel records from custom-root/boot and the casper
// directory of the mounted ISO.
type Inventory struct {
	Fs     afero.Fs
	Runner runner.Runner
	Log    *logrus.Entry
	// Wrapper elevates probes of files the user cannot read.
	Wrapper             []string
	CustomRoot          string
	IsoMount            string
	CasperDirectory     string
	HasInstallerSources bool
	// HostRelease defaults to the running kernel release.
	HostRelease string
	Concurrency int
}

func (i *Inventory) directories() []string {
	return []string{
		filepath.Join(i.CustomRoot, "boot"),
		filepath.Join(i.IsoMount, i.CasperDirectory),
	}
}

func (i *Inventory) isoCasper() string {
	return filepath.Clean(filepath.Join(i.IsoMount, i.CasperDirectory))
}

// Collect returns the records newest first with exactly one selected.
func (i *Inventory) Collect(ctx context.Context) ([]Record, error) {
	ctx, span := telemetry.GetTracer().Start(ctx, "collecting kernels")
	defer span.End()

	probes, order, discoverErr := i.discover()
	if discoverErr != nil {
		return nil, discoverErr
	}

	group, groupCtx := errgroup.WithContext(ctx)
	limit := i.Concurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}
	group.SetLimit(limit)
	for _, directory := range order {
		for index := range probes[directory] {
			candidate := probes[directory][index]
			group.Go(func() error {
				return i.probe(groupCtx, candidate)
			})
		}
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	var records []Record
	for _, directory := range order {
		records = append(records, pair(directory, probes[directory])...)
	}
	if len(records) == 0 {
		return nil, failure.New(failure.NoKernelsFound, "no vmlinuz and initrd pair found").WithPath(strings.Join(i.directories(), ", "))
	}

	sort.SliceStable(records, func(a, b int) bool {
		return records[a].Version.Compare(records[b].Version) > 0
	})
	i.selectRecord(records)

	host := ParseVersion(i.hostRelease())
	for index := range records {
		records[index].Note = i.note(records[index], host)
		i.logger().WithFields(logrus.Fields{
			"version":  records[index].VersionName,
			"vmlinuz":  records[index].VmlinuzPath(),
			"initrd":   records[index].InitrdPath(),
			"selected": records[index].Selected,
		}).Debug("found kernel")
	}
	return records, nil
}

// discover lists kernel files grouped by the directory of their resolved
// path, in scan order.
func (i *Inventory) discover() (map[string][]*probe, []string, error) {
	resolve := resolver{fs: i.Fs, root: filepath.Clean(i.CustomRoot)}
	seen := make(map[string]bool)
	probes := make(map[string][]*probe)
	var order []string

	for _, directory := range i.directories() {
		entries, readErr := afero.ReadDir(i.Fs, directory)
		if readErr != nil {
			if os.IsNotExist(readErr) {
				continue
			}
			return nil, nil, fmt.Errorf("listing %s: %w", directory, readErr)
		}
		for _, entry := range entries {
			name := entry.Name()
			var kind fileKind
			switch {
			case ignoredGlob.Match(name):
				continue
			case vmlinuzGlob.Match(name):
				kind = vmlinuzFile
			case initrdGlob.Match(name):
				kind = initrdFile
			default:
				continue
			}
			resolved, resolveErr := resolve.resolve(filepath.Join(directory, name))
			if resolveErr != nil {
				i.logger().WithError(resolveErr).Debugf("skipping %s", name)
				continue
			}
			if seen[resolved] {
				continue
			}
			if isDir, _ := afero.IsDir(i.Fs, resolved); isDir {
				continue
			}
			seen[resolved] = true
			parent := filepath.Dir(resolved)
			if _, ok := probes[parent]; !ok {
				order = append(order, parent)
			}
			probes[parent] = append(probes[parent], &probe{path: resolved, kind: kind})
		}
	}
	return probes, order, nil
}

func (i *Inventory) probe(ctx context.Context, candidate *probe) error {
	candidate.version = versionFromFileName(filepath.Base(candidate.path))

	needsDescription := candidate.version == "" || candidate.kind == initrdFile
	var description string
	if needsDescription {
		output, err := runner.Output(ctx, i.Runner, runner.Command{Args: i.argv(candidate.path, "file", "-b", candidate.path)})
		if err != nil {
			if failure.Is(err, failure.Cancelled) {
				return err
			}
			i.logger().WithError(err).Debugf("file could not describe %s", candidate.path)
		}
		description = string(output)
	}
	if candidate.version == "" {
		candidate.version = versionFromContent(description)
	}

	if candidate.kind == initrdFile {
		candidate.compression = compressionFromDescription(description)
		if candidate.compression == "" {
			candidate.compression = i.scan(candidate.path, compressionFromContent)
		}
	}

	if candidate.version != "" {
		return nil
	}
	if candidate.kind == vmlinuzFile {
		candidate.version = i.scan(candidate.path, printableVersion)
		return nil
	}
	candidate.version = i.scan(candidate.path, modulesVersion)
	if candidate.version == "" {
		candidate.version = i.listModules(ctx, candidate.path)
	}
	return nil
}

// scan applies reader to the contents of path and returns "" on any error.
func (i *Inventory) scan(path string, reader func(r io.Reader) (string, error)) string {
	file, openErr := i.Fs.Open(path)
	if openErr != nil {
		return ""
	}
	defer utility.WrappedClose(file)
	value, err := reader(file)
	if err != nil {
		i.logger().WithError(err).Debugf("could not scan %s", path)
		return ""
	}
	return value
}

func (i *Inventory) listModules(ctx context.Context, path string) string {
	output, err := runner.Output(ctx, i.Runner, runner.Command{Args: i.argv(path, "lsinitramfs", path)})
	if err != nil {
		i.logger().WithError(err).Debugf("lsinitramfs could not list %s", path)
		return ""
	}
	for _, line := range strings.Split(string(output), "\n") {
		if version := versionFromModulesPath(strings.TrimSpace(line)); version != "" {
			return version
		}
	}
	return ""
}

func (i *Inventory) argv(path string, args ...string) []string {
	if i.readable(path) {
		return args
	}
	return runner.Elevate(i.Wrapper, args...)
}

func (i *Inventory) readable(path string) bool {
	file, err := i.Fs.Open(path)
	if err != nil {
		return false
	}
	utility.WrappedClose(file)
	return true
}

// pair matches vmlinuz and initrd files of one directory. A lone pair is
// accepted when at most one side knows its version; otherwise versions must
// match exactly.
func pair(directory string, probes []*probe) []Record {
	var vmlinuzes, initrds []*probe
	for _, candidate := range probes {
		if candidate.kind == vmlinuzFile {
			vmlinuzes = append(vmlinuzes, candidate)
		} else {
			initrds = append(initrds, candidate)
		}
	}
	sort.Slice(vmlinuzes, func(a, b int) bool { return vmlinuzes[a].path < vmlinuzes[b].path })
	sort.Slice(initrds, func(a, b int) bool { return initrds[a].path < initrds[b].path })

	if len(vmlinuzes) == 1 && len(initrds) == 1 {
		vmlinuz, initrd := vmlinuzes[0], initrds[0]
		if vmlinuz.version != "" && initrd.version != "" && ParseVersion(vmlinuz.version) != ParseVersion(initrd.version) {
			return nil
		}
		name := vmlinuz.version
		if name == "" {
			name = initrd.version
		}
		return []Record{newRecord(directory, name, vmlinuz, initrd)}
	}

	var records []Record
	used := make(map[*probe]bool)
	for _, vmlinuz := range vmlinuzes {
		if vmlinuz.version == "" {
			continue
		}
		for _, initrd := range initrds {
			if used[initrd] || initrd.version == "" {
				continue
			}
			if ParseVersion(vmlinuz.version) == ParseVersion(initrd.version) {
				used[initrd] = true
				records = append(records, newRecord(directory, vmlinuz.version, vmlinuz, initrd))
				break
			}
		}
	}
	return records
}

func newRecord(directory, versionName string, vmlinuz, initrd *probe) Record {
	record := Record{
		VersionName:        versionName,
		VmlinuzFileName:    filepath.Base(vmlinuz.path),
		NewVmlinuzFileName: NewVmlinuzFileName,
		InitrdFileName:     filepath.Base(initrd.path),
		NewInitrdFileName:  InitrdFileName(initrd.compression),
		Directory:          directory,
	}
	if versionName != "" {
		record.Version = ParseVersion(versionName)
	}
	return record
}

func (i *Inventory) selectRecord(records []Record) {
	selected := 0
	if i.HasInstallerSources {
		for index, record := range records {
			if record.Directory == i.isoCasper() {
				selected = index
				break
			}
		}
	}
	for index := range records {
		records[index].Selected = index == selected
	}
}

func (i *Inventory) note(record Record, host Version) string {
	var sentences []string
	if record.Directory == i.isoCasper() {
		sentences = append(sentences, "This kernel is on the original ISO.")
	}
	if !record.Version.IsZero() && record.Version == host {
		sentences = append(sentences, "This kernel matches the running host.")
	}
	casper := "/" + strings.Trim(i.CasperDirectory, "/")
	sentences = append(sentences, fmt.Sprintf("Boot configurations should reference %s/%s and %s/%s.",
		casper, record.NewVmlinuzFileName, casper, record.NewInitrdFileName))
	return strings.Join(sentences, " ")
}

func (i *Inventory) hostRelease() string {
	if i.HostRelease != "" {
		return i.HostRelease
	}
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return ""
	}
	return unix.ByteSliceToString(uts.Release[:])
}

// Selected returns the selected record.
func Selected(records []Record) (Record, bool) {
	for _, record := range records {
		if record.Selected {
			return record, true
		}
	}
	return Record{}, false
}

func (i *Inventory) logger() *logrus.Entry {
	if i.Log == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return i.Log
}
