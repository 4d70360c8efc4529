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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/LadySerena/iso-remaster/pipeline"
	"github.com/LadySerena/iso-remaster/project"
	"github.com/LadySerena/iso-remaster/runner"
	"github.com/LadySerena/iso-remaster/telemetry"
	"github.com/LadySerena/iso-remaster/utility"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// session is one CLI invocation against one project.
type session struct {
	fs         afero.Fs
	log        *logrus.Entry
	project    project.Project
	controller *pipeline.Controller
	logFile    afero.File
	shutdown   telemetry.ShutdownFunc
}

func newLogger(output io.Writer, verbose bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(output)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

// openSession loads the project. With create set a missing project is
// created, otherwise it is an error.
func openSession(options *globalOptions, create bool) (*session, error) {
	localFs := afero.NewOsFs()
	p, projectErr := project.New(options.projectDirectory)
	if projectErr != nil {
		return nil, projectErr
	}
	if !p.Exists(localFs) {
		if !create {
			return nil, fmt.Errorf("no project in %s, run remaster create first", p.Directory)
		}
		if err := p.Create(localFs); err != nil {
			return nil, fmt.Errorf("creating project %s: %w", p.Directory, err)
		}
	}

	logFile, logErr := localFs.OpenFile(p.LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if logErr != nil {
		return nil, fmt.Errorf("opening %s: %w", p.LogPath(), logErr)
	}
	log := newLogger(io.MultiWriter(os.Stderr, logFile), options.verbose).WithField("project", p.Directory)

	shutdown, telemetryErr := telemetry.Init(serviceName, options.traceEndpoint)
	if telemetryErr != nil {
		log.WithError(telemetryErr).Warn("tracing disabled")
		shutdown = func(context.Context) error { return nil }
	}

	config, configErr := project.LoadConfig(localFs, p)
	if errors.Is(configErr, fs.ErrNotExist) {
		config, configErr = project.NewConfig(p), nil
	}
	if configErr != nil {
		_ = logFile.Close()
		return nil, configErr
	}

	controller, controllerErr := pipeline.NewController(localFs, runner.NewExec(log.WithField("component", "runner")), log, p, config, version)
	if controllerErr != nil {
		_ = logFile.Close()
		return nil, controllerErr
	}
	controller.Observer = pipeline.NewLogObserver(log.WithField("component", "pipeline"))

	s := &session{fs: localFs, log: log, project: p, controller: controller, logFile: logFile, shutdown: shutdown}
	s.remember("")
	return s, nil
}

func (s *session) config() *project.Config {
	return s.controller.Config
}

// remember records the project, and iso when set, in the application
// configuration. Failures only cost the history, so they are logged.
func (s *session) remember(iso string) {
	path, pathErr := project.AppConfigPath()
	if pathErr != nil {
		s.log.WithError(pathErr).Debug("no application configuration directory")
		return
	}
	app, loadErr := project.LoadAppConfig(s.fs, path)
	if loadErr != nil {
		s.log.WithError(loadErr).Warn("application configuration ignored")
		app = &project.AppConfig{}
	}
	app.Remember(s.project.Directory)
	if iso != "" {
		app.LastISO = iso
	}
	if err := app.Save(s.fs, path); err != nil {
		s.log.WithError(err).Warn("could not save the application configuration")
	}
}

// run calls fn and cancels it on SIGINT or SIGTERM. A cancelled run
// unmounts the source ISO before returning.
func (s *session) run(ctx context.Context, fn func(ctx context.Context) error) error {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case sig := <-signals:
			s.log.WithField("signal", sig.String()).Info("stopping")
			s.controller.Cancel(true)
		case <-done:
		}
	}()
	return fn(ctx)
}

// Close unmounts the source ISO unless keepMounted is set, then flushes
// traces and closes the log file. Nothing here is retried.
func (s *session) Close(keepMounted bool) {
	var result *multierror.Error
	if !keepMounted {
		if err := s.controller.Close(context.Background()); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := s.shutdown(context.Background()); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		s.log.WithError(err).Warn("cleanup was incomplete")
	}
	utility.WrappedClose(s.logFile)
}

// withSession opens the project, hands it to fn and closes it again.
// Commands that mount leave the ISO mounted only with --keep-mounted.
func withSession(options *globalOptions, create bool, mounts bool, fn func(s *session) error) error {
	s, err := openSession(options, create)
	if err != nil {
		return err
	}
	defer s.Close(!mounts || options.keepMounted)
	return fn(s)
}
