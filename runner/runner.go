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

// Package runner executes the external tools the remaster pipeline depends
// on: one-shot commands whose output is collected, and tracked commands whose
// stdout is parsed into progress percentages while they run.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/LadySerena/iso-remaster/failure"
	"github.com/LadySerena/iso-remaster/telemetry"
	"github.com/sirupsen/logrus"
)

const diskFullSentinel = "no space left on device"

// Command is an exact argv plus an optional working directory.
type Command struct {
	Args []string
	Dir  string
	// ProgressOnStderr makes Track parse stderr instead of stdout, for
	// tools such as xorriso that report progress there.
	ProgressOnStderr bool
}

func (c Command) name() string {
	if len(c.Args) == 0 {
		return ""
	}
	return c.Args[0]
}

func (c Command) String() string {
	return strings.Join(c.Args, " ")
}

// Result describes a terminated child process.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	// Signal names the signal that terminated the child, if any.
	Signal string
}

// Err classifies a non-zero exit as DiskFull or ChildFailure.
func (r Result) Err(cmd Command) error {
	if r.ExitCode == 0 && r.Signal == "" {
		return nil
	}
	if isDiskFull(r.Stderr) || isDiskFull(r.Stdout) {
		return failure.New(failure.DiskFull, "%s: %s", cmd.Args[0], strings.TrimSpace(string(r.Stderr)))
	}
	if r.Signal != "" {
		return failure.New(failure.ChildFailure, "%s terminated by signal %s", cmd.Args[0], r.Signal)
	}
	return failure.New(failure.ChildFailure, "%s exited with code %d: %s", cmd.Args[0], r.ExitCode, strings.TrimSpace(string(r.Stderr)))
}

// ProgressFunc receives non-decreasing percentages in [0, 100].
type ProgressFunc func(percent float64)

// Runner is the only component allowed to spawn processes.
type Runner interface {
	// Run waits for cmd to finish. Non-zero exits are reported in Result,
	// not as errors; errors are ProcessLaunch or Cancelled.
	Run(ctx context.Context, cmd Command) (Result, error)
	// Track streams stdout through parser and reports progress. A non-zero
	// exit is returned as a DiskFull or ChildFailure error.
	Track(ctx context.Context, cmd Command, parser Parser, progress ProgressFunc) (Result, error)
}

// Output runs cmd and returns stdout, converting a non-zero exit into an error.
func Output(ctx context.Context, r Runner, cmd Command) ([]byte, error) {
	result, err := r.Run(ctx, cmd)
	if err != nil {
		return result.Stdout, err
	}
	return result.Stdout, result.Err(cmd)
}

// Elevate prefixes args with the privilege escalation wrapper.
func Elevate(wrapper []string, args ...string) []string {
	elevated := make([]string, 0, len(wrapper)+len(args))
	elevated = append(elevated, wrapper...)
	return append(elevated, args...)
}

// Exec runs commands on the host.
type Exec struct {
	Log *logrus.Entry
	// KillGrace is how long a cancelled child may take to exit after
	// SIGTERM before it is killed.
	KillGrace time.Duration
}

func NewExec(log *logrus.Entry) *Exec {
	return &Exec{Log: log, KillGrace: 10 * time.Second}
}

func (e *Exec) command(ctx context.Context, cmd Command) (*exec.Cmd, error) {
	if len(cmd.Args) == 0 {
		return nil, failure.New(failure.ProcessLaunch, "empty command")
	}
	child := exec.CommandContext(ctx, cmd.Args[0], cmd.Args[1:]...) //nolint:gosec
	child.Dir = cmd.Dir
	child.Cancel = func() error {
		return child.Process.Signal(syscall.SIGTERM)
	}
	child.WaitDelay = e.KillGrace
	return child, nil
}

func (e *Exec) Run(ctx context.Context, cmd Command) (Result, error) {
	ctx, span := telemetry.GetTracer().Start(ctx, fmt.Sprintf("running command: %s", cmd.name()))
	defer span.End()

	child, commandErr := e.command(ctx, cmd)
	if commandErr != nil {
		return Result{}, commandErr
	}
	var stdout, stderr bytes.Buffer
	child.Stdout = &stdout
	child.Stderr = &stderr

	e.logger().WithField("dir", cmd.Dir).Debugf("running %s", cmd)
	if err := child.Start(); err != nil {
		return Result{}, startErr(ctx, cmd, err)
	}
	waitErr := child.Wait()
	result := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	return finish(ctx, cmd, child, waitErr, result)
}

func (e *Exec) Track(ctx context.Context, cmd Command, parser Parser, progress ProgressFunc) (Result, error) {
	ctx, span := telemetry.GetTracer().Start(ctx, fmt.Sprintf("tracking command: %s", cmd.name()))
	defer span.End()

	child, commandErr := e.command(ctx, cmd)
	if commandErr != nil {
		return Result{}, commandErr
	}
	var stdout, stderr bytes.Buffer
	var progressPipe io.ReadCloser
	var pipeErr error
	if cmd.ProgressOnStderr {
		child.Stdout = &stdout
		progressPipe, pipeErr = child.StderrPipe()
	} else {
		child.Stderr = &stderr
		progressPipe, pipeErr = child.StdoutPipe()
	}
	if pipeErr != nil {
		return Result{}, failure.Wrap(failure.ProcessLaunch, pipeErr, "could not attach to %s", cmd.Args[0])
	}

	e.logger().WithField("dir", cmd.Dir).Debugf("tracking %s", cmd)
	if err := child.Start(); err != nil {
		return Result{}, startErr(ctx, cmd, err)
	}

	captured := &stdout
	if cmd.ProgressOnStderr {
		captured = &stderr
	}
	tracker := NewTracker(progress)
	consume(io.TeeReader(progressPipe, captured), parser, tracker)

	waitErr := child.Wait()
	result := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	result, err := finish(ctx, cmd, child, waitErr, result)
	if err != nil {
		return result, err
	}
	if classified := result.Err(cmd); classified != nil {
		return result, classified
	}
	tracker.Report(100)
	return result, nil
}

func (e *Exec) logger() *logrus.Entry {
	if e.Log == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return e.Log
}

// consume feeds every line of r through parser. Progress bars redraw with
// carriage returns, so both \r and \n terminate a line.
func consume(r io.Reader, parser Parser, tracker *Tracker) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanner.Split(scanLines)
	for scanner.Scan() {
		if parser == nil {
			continue
		}
		if percent, ok := parser(scanner.Text()); ok {
			tracker.Report(percent)
		}
	}
	// drain so the child never blocks on a full pipe
	_, _ = io.Copy(io.Discard, r)
}

func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func finish(ctx context.Context, cmd Command, child *exec.Cmd, waitErr error, result Result) (Result, error) {
	if ctx.Err() != nil {
		return result, failure.Wrap(failure.Cancelled, ctx.Err(), "%s was cancelled", cmd.Args[0])
	}
	if waitErr == nil {
		return result, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			result.Signal = status.Signal().String()
		}
		return result, nil
	}
	if child.ProcessState == nil {
		return result, failure.Wrap(failure.ProcessLaunch, waitErr, "could not run %s", cmd.Args[0])
	}
	return result, failure.Wrap(failure.ChildFailure, waitErr, "%s failed", cmd.Args[0])
}

func startErr(ctx context.Context, cmd Command, err error) error {
	if ctx.Err() != nil {
		return failure.Wrap(failure.Cancelled, ctx.Err(), "%s was cancelled", cmd.Args[0])
	}
	return failure.Wrap(failure.ProcessLaunch, err, "could not start %s", cmd.Args[0])
}

func isDiskFull(output []byte) bool {
	return bytes.Contains(bytes.ToLower(output), []byte(diskFullSentinel))
}
