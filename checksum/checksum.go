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

// Package checksum writes the md5sum.txt list casper uses to verify the
// disk it boots from.
package checksum

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/LadySerena/iso-remaster/failure"
	"github.com/LadySerena/iso-remaster/runner"
	"github.com/LadySerena/iso-remaster/telemetry"
	"github.com/LadySerena/iso-remaster/utility"
	"github.com/c2h5oh/datasize"
	"github.com/gobwas/glob"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const (
	FileName   = "md5sum.txt"
	bufferSize = datasize.MB
)

// backupGlob matches the untouched copies kept of edited metadata files.
var backupGlob = glob.MustCompile("**.original", '/')

// Policy decides which files of the disk are left out of the list. Paths
// are relative to the disk root, without a leading slash.
type Policy struct {
	// BootFiles are the El Torito boot image and catalog, which xorriso
	// patches while writing the ISO.
	BootFiles         []string
	MinimalRemoveFile string
	HasMinimalInstall bool
}

func (p Policy) Excluded(relative string) bool {
	relative = strings.TrimPrefix(filepath.ToSlash(relative), "./")
	if relative == FileName || backupGlob.Match(relative) {
		return true
	}
	if !p.HasMinimalInstall && p.MinimalRemoveFile != "" && relative == p.MinimalRemoveFile {
		return true
	}
	for _, bootFile := range p.BootFiles {
		if relative == strings.TrimPrefix(bootFile, "/") {
			return true
		}
	}
	return false
}

// Digest is the hex MD5 of path.
func Digest(fileSystem afero.Fs, path string) (string, error) {
	file, openErr := fileSystem.Open(path)
	if openErr != nil {
		return "", openErr
	}
	defer utility.WrappedClose(file)

	hash := md5.New() //nolint:gosec
	buffer := make([]byte, bufferSize.Bytes())
	if _, err := io.CopyBuffer(hash, file, buffer); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

type Engine struct {
	Fs  afero.Fs
	Log *logrus.Entry
}

func NewEngine(fileSystem afero.Fs, log *logrus.Entry) *Engine {
	return &Engine{Fs: fileSystem, Log: log}
}

// Files lists the regular files under root that policy keeps, relative to
// root and sorted case-insensitively.
func (e *Engine) Files(root string, policy Policy) ([]string, error) {
	var files []string
	walkErr := afero.Walk(e.Fs, root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		relative, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		relative = filepath.ToSlash(relative)
		if policy.Excluded(relative) {
			return nil
		}
		files = append(files, relative)
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	sort.SliceStable(files, func(a, b int) bool {
		lowerA, lowerB := strings.ToLower(files[a]), strings.ToLower(files[b])
		if lowerA != lowerB {
			return lowerA < lowerB
		}
		return files[a] < files[b]
	})
	return files, nil
}

// Write regenerates root/md5sum.txt and returns the number of entries.
func (e *Engine) Write(ctx context.Context, root string, policy Policy, progress runner.ProgressFunc) (int, error) {
	ctx, span := telemetry.GetTracer().Start(ctx, "writing checksums")
	defer span.End()

	files, listErr := e.Files(root, policy)
	if listErr != nil {
		return 0, listErr
	}

	tracker := runner.NewTracker(progress)
	var buffer bytes.Buffer
	for index, relative := range files {
		if err := ctx.Err(); err != nil {
			return 0, failure.Wrap(failure.Cancelled, err, "checksums cancelled")
		}
		digest, digestErr := Digest(e.Fs, filepath.Join(root, relative))
		if digestErr != nil {
			return 0, classify(digestErr, relative)
		}
		fmt.Fprintf(&buffer, "%s  ./%s\n", digest, relative)
		tracker.Report(100 * float64(index+1) / float64(len(files)))
	}

	if err := afero.WriteFile(e.Fs, filepath.Join(root, FileName), buffer.Bytes(), 0o644); err != nil {
		return 0, classify(err, FileName)
	}
	tracker.Report(100)
	e.logger().WithField("files", len(files)).Info("wrote checksums")
	return len(files), nil
}

func classify(err error, path string) error {
	if errors.Is(err, syscall.ENOSPC) {
		return failure.Wrap(failure.DiskFull, err, "writing checksums").WithPath(path)
	}
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s vanished while writing checksums: %w", path, err)
	}
	return fmt.Errorf("checksumming %s: %w", path, err)
}

func (e *Engine) logger() *logrus.Entry {
	if e.Log == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return e.Log
}
