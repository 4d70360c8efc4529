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

// Package pipeline sequences the remaster stages for one project, persists
// which of them completed and tears down cleanly on failure or cancel.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LadySerena/iso-remaster/failure"
	"github.com/LadySerena/iso-remaster/media"
	"github.com/LadySerena/iso-remaster/project"
	"github.com/LadySerena/iso-remaster/runner"
	"github.com/LadySerena/iso-remaster/telemetry"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// ErrBusy is returned when a pipeline is already running on the controller.
var ErrBusy = errors.New("a pipeline is already running for this project")

// Controller runs the stages of one project. Only one pipeline runs at a
// time.
type Controller struct {
	Fs       afero.Fs
	Runner   runner.Runner
	Log      *logrus.Entry
	Observer Observer
	Project  project.Project
	Config   *project.Config
	Mounter  *media.Mounter
	// Owner is who the files of the mounted ISO appear owned by.
	Owner *media.Owner
	// Version is recorded in the payload metadata.
	Version string
	Now     func() time.Time

	wrapper []string

	running         sync.Mutex
	cancelMu        sync.Mutex
	cancel          context.CancelFunc
	unmountOnCancel bool
}

func NewController(fs afero.Fs, r runner.Runner, log *logrus.Entry, p project.Project, config *project.Config, version string) (*Controller, error) {
	wrapper, wrapperErr := config.Options.Wrapper()
	if wrapperErr != nil {
		return nil, failure.Wrap(failure.ConfigCorrupt, wrapperErr, "unreadable privilege wrapper %q", config.Options.PrivilegeWrapper)
	}
	return &Controller{
		Fs:       fs,
		Runner:   r,
		Log:      log,
		Observer: nopObserver{},
		Project:  p,
		Config:   config,
		Mounter:  media.NewMounter(fs, r, log, wrapper),
		Owner:    media.CurrentOwner(),
		Version:  version,
		Now:      time.Now,
		wrapper:  wrapper,
	}, nil
}

// Cancel stops the running pipeline. With final set the source ISO is
// unmounted once the pipeline has stopped.
func (c *Controller) Cancel(final bool) {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	c.unmountOnCancel = c.unmountOnCancel || final
	if c.cancel != nil {
		c.cancel()
	}
}

// begin claims the controller for one pipeline run.
func (c *Controller) begin(ctx context.Context) (context.Context, func(), error) {
	if !c.running.TryLock() {
		return nil, nil, ErrBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancelMu.Lock()
	c.cancel = cancel
	c.unmountOnCancel = false
	c.cancelMu.Unlock()

	end := func() {
		c.cancelMu.Lock()
		cancelled := ctx.Err() != nil
		unmount := c.unmountOnCancel
		c.cancel = nil
		c.cancelMu.Unlock()
		cancel()
		if cancelled && unmount {
			if err := c.Close(context.Background()); err != nil {
				c.logger().WithError(err).Warn("cleanup after cancel was incomplete")
			}
		}
		c.running.Unlock()
	}
	return ctx, end, nil
}

type stageFunc func(ctx context.Context, progress runner.ProgressFunc) (string, error)

// run executes one stage and reports it to the observer. On failure the
// done flags of the stage and every later one are cleared.
func (c *Controller) run(ctx context.Context, stage Stage, fn stageFunc) error {
	observer := c.observer()
	observer.Status(stage, IndicatorProcessing, "")

	ctx, span := telemetry.GetTracer().Start(ctx, fmt.Sprintf("stage: %s", stage))
	defer span.End()

	message, err := fn(ctx, func(percent float64) {
		observer.Progress(stage, percent)
	})
	if err == nil {
		if c.Config.Status.FailedStage == string(stage) {
			c.Config.Status.FailedStage = ""
		}
		observer.Status(stage, IndicatorOK, message)
		return nil
	}

	annotated := annotate(stage, err)
	if failure.Is(annotated, failure.Cancelled) {
		c.logger().WithField("stage", stage).Info("cancelled")
		observer.Status(stage, IndicatorBullet, "cancelled")
	} else {
		span.RecordError(annotated)
		c.logger().WithFields(logrus.Fields{"stage": stage, "kind": failure.KindOf(annotated)}).WithError(err).Error("stage failed")
		observer.Status(stage, IndicatorError, annotated.Error())
		c.Config.Status.FailedStage = string(stage)
	}
	c.invalidateFrom(stage)
	if saveErr := c.save(); saveErr != nil {
		c.logger().WithError(saveErr).Warn("could not record the failed stage")
	}
	return annotated
}

// annotate tags err with the stage it failed in, keeping its kind.
func annotate(stage Stage, err error) error {
	var classified *failure.Error
	if errors.As(err, &classified) && classified.Stage != "" {
		return err
	}
	if direct, ok := err.(*failure.Error); ok { //nolint:errorlint
		return direct.WithStage(string(stage))
	}
	return &failure.Error{Kind: failure.KindOf(err), Stage: string(stage), Err: err}
}

// invalidateFrom clears the done flags of stage and all later stages.
func (c *Controller) invalidateFrom(stage Stage) {
	status := &c.Config.Status
	switch stage {
	case StageAnalyze:
		status.AnalyzeDone = false
		fallthrough
	case StageCopy:
		status.CopyDone = false
		fallthrough
	case StageExtract:
		status.ExtractDone = false
	}
}

func (c *Controller) save() error {
	return c.Config.Save(c.Fs, c.Project)
}

// ensureMounted mounts the original ISO on iso-mount.
func (c *Controller) ensureMounted(ctx context.Context) error {
	iso := c.Config.Original.Path()
	if err := c.Mounter.Mount(ctx, iso, c.Project.IsoMount(), c.Owner); err != nil {
		return err
	}
	if c.Config.MountedISO != iso {
		c.Config.MountedISO = iso
		return c.save()
	}
	return nil
}

// Close unmounts the source ISO and records that it is unmounted. Errors
// are collected and returned for logging; nothing is retried.
func (c *Controller) Close(ctx context.Context) error {
	var result *multierror.Error
	if err := c.Mounter.Unmount(ctx, c.Project.IsoMount(), false); err != nil {
		result = multierror.Append(result, err)
	} else if c.Config.MountedISO != "" {
		c.Config.MountedISO = ""
		if err := c.save(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (c *Controller) observer() Observer {
	if c.Observer == nil {
		return nopObserver{}
	}
	return c.Observer
}

func (c *Controller) logger() *logrus.Entry {
	if c.Log == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return c.Log
}
