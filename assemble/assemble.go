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

// Package assemble writes the custom ISO from the custom disk and the boot
// template, then records the checksum of the result.
package assemble

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/LadySerena/iso-remaster/checksum"
	"github.com/LadySerena/iso-remaster/eltorito"
	"github.com/LadySerena/iso-remaster/failure"
	"github.com/LadySerena/iso-remaster/runner"
	"github.com/LadySerena/iso-remaster/telemetry"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

var preamble = []string{"xorriso", "-as", "mkisofs", "-r", "-J", "-joliet-long", "-l", "-iso-level", "3"}

// Request describes one ISO build.
type Request struct {
	Template string
	VolumeID string
	// BootImageDirectory holds the image-N.img files the template names.
	BootImageDirectory string
	CustomDisk         string
	Output             string
	// Excludes are paths relative to CustomDisk left out of the ISO.
	Excludes []string
}

// Result names the checksum written next to the ISO.
type Result struct {
	Checksum         string
	ChecksumFileName string
}

type Engine struct {
	Fs      afero.Fs
	Runner  runner.Runner
	Log     *logrus.Entry
	Wrapper []string
}

func NewEngine(fs afero.Fs, r runner.Runner, log *logrus.Entry, wrapper []string) *Engine {
	return &Engine{Fs: fs, Runner: r, Log: log, Wrapper: wrapper}
}

// Arguments builds the xorriso argv for request.
func Arguments(request Request) ([]string, error) {
	instantiated := eltorito.Instantiate(request.Template, request.VolumeID, request.BootImageDirectory)
	templateArgs, err := eltorito.Arguments(instantiated)
	if err != nil {
		return nil, failure.Wrap(failure.ConfigCorrupt, err, "boot template cannot be split into arguments")
	}
	args := append([]string{}, preamble...)
	args = append(args, templateArgs...)
	for _, exclude := range request.Excludes {
		args = append(args, "-m", exclude)
	}
	return append(args, "-o", request.Output, "."), nil
}

// ChecksumFileName is <stem>.md5 for an ISO file name.
func ChecksumFileName(isoPath string) string {
	base := filepath.Base(isoPath)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".md5"
}

// Build runs xorriso in the custom disk and writes <stem>.md5 next to the
// ISO.
func (e *Engine) Build(ctx context.Context, request Request, progress runner.ProgressFunc) (Result, error) {
	ctx, span := telemetry.GetTracer().Start(ctx, "assembling iso")
	defer span.End()

	args, argsErr := Arguments(request)
	if argsErr != nil {
		return Result{}, argsErr
	}
	if _, err := runner.Output(ctx, e.Runner, runner.Command{Args: runner.Elevate(e.Wrapper, "rm", "-f", request.Output)}); err != nil {
		return Result{}, fmt.Errorf("removing previous %s: %w", request.Output, err)
	}

	e.logger().WithFields(logrus.Fields{"output": request.Output, "volume_id": request.VolumeID}).Info("assembling iso")
	cmd := runner.Command{Args: runner.Elevate(e.Wrapper, args...), Dir: request.CustomDisk, ProgressOnStderr: true}
	if _, err := e.Runner.Track(ctx, cmd, runner.Xorriso, progress); err != nil {
		return Result{}, err
	}

	digest, digestErr := checksum.Digest(e.Fs, request.Output)
	if digestErr != nil {
		return Result{}, fmt.Errorf("checksumming %s: %w", request.Output, digestErr)
	}
	name := ChecksumFileName(request.Output)
	line := fmt.Sprintf("%s  %s\n", digest, filepath.Base(request.Output))
	if err := afero.WriteFile(e.Fs, filepath.Join(filepath.Dir(request.Output), name), []byte(line), 0o644); err != nil {
		return Result{}, err
	}
	e.logger().WithField("md5", digest).Infof("wrote %s", name)
	return Result{Checksum: digest, ChecksumFileName: name}, nil
}

func (e *Engine) logger() *logrus.Entry {
	if e.Log == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return e.Log
}
