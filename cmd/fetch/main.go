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
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/LadySerena/iso-remaster/media"
	"github.com/LadySerena/iso-remaster/telemetry"
	"github.com/LadySerena/iso-remaster/utility"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	flag "github.com/spf13/pflag"
	"google.golang.org/api/option"
)

func main() {
	source := flag.StringP("source", "s", "", "gs://bucket/object or https:// location of the source iso")
	directory := flag.StringP("directory", "d", ".", "directory the iso is saved to")
	force := flag.BoolP("force", "f", false, "download again even when the iso is already present")
	verify := flag.Bool("verify", true, "check the iso against the .md5 file next to it")
	credentials := flag.String("credentials", "", "service account key for gs:// sources, default credentials when empty")
	traceEndpoint := flag.String("trace-endpoint", "", "jaeger collector endpoint, tracing is off when empty")
	verbose := flag.BoolP("verbose", "v", false, "log at debug level")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	log := logrus.WithField("component", "fetch")

	if *source == "" {
		log.Fatal("you must specify a source with --source")
	}
	name, nameErr := media.SourceName(*source)
	if nameErr != nil {
		log.Fatalf("invalid source: %v", nameErr)
	}

	localFs := afero.NewOsFs()
	if *force {
		target := filepath.Join(*directory, name)
		if exists, _ := afero.Exists(localFs, target); exists && !utility.ConfirmDialog("overwrite %s: [Y/n]: ", target) {
			fmt.Println("nothing downloaded")
			return
		}
	}

	shutdown, telemetryErr := telemetry.Init("iso-remaster-fetch", *traceEndpoint)
	if telemetryErr != nil {
		log.Fatalf("could not set up tracing: %v", telemetryErr)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.WithError(err).Warn("traces were not flushed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var storageOptions []option.ClientOption
	if *credentials != "" {
		storageOptions = append(storageOptions, option.WithCredentialsFile(*credentials))
	}
	fetcher := media.NewFetcher(localFs, log, storageOptions...)
	path, fetchErr := fetcher.Fetch(ctx, *source, *directory, *force, *verify)
	if fetchErr != nil {
		log.WithError(fetchErr).Error("could not fetch the source iso")
		stop()
		os.Exit(1)
	}
	fmt.Println(path)
}
