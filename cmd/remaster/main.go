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
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at link time.
var version = "dev"

const serviceName = "iso-remaster"

type globalOptions struct {
	projectDirectory string
	verbose          bool
	traceEndpoint    string
	keepMounted      bool
}

func newRootCommand() *cobra.Command {
	options := &globalOptions{}
	root := &cobra.Command{
		Use:           "remaster",
		Short:         "Customize an Ubuntu live ISO and rebuild it so it still boots",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&options.projectDirectory, "project", "p", ".", "project directory holding iso-mount, custom-root and custom-disk")
	flags.BoolVarP(&options.verbose, "verbose", "v", false, "log at debug level")
	flags.StringVar(&options.traceEndpoint, "trace-endpoint", "", "jaeger collector endpoint, tracing is off when empty")
	flags.BoolVar(&options.keepMounted, "keep-mounted", false, "leave the source iso mounted after the command")

	root.AddCommand(
		newCreateCommand(options),
		newPrepareCommand(options),
		newKernelsCommand(options),
		newGenerateCommand(options),
		newStatusCommand(options),
		newDeleteCommand(options),
		newTemplateCommand(options),
	)
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
