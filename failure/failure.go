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

// Package failure defines the error kinds surfaced by the remaster engine.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

type Kind int

const (
	Unknown Kind = iota
	MountFailed
	UnmountFailed
	LayoutUnrecognized
	NoKernelsFound
	UnsupportedBootLayout
	DiskFull
	ProcessLaunch
	ChildFailure
	Cancelled
	ConfigCorrupt
	InvalidDescriptor
)

var kindNames = map[Kind]string{
	Unknown:               "unknown",
	MountFailed:           "mount failed",
	UnmountFailed:         "unmount failed",
	LayoutUnrecognized:    "layout unrecognized",
	NoKernelsFound:        "no kernels found",
	UnsupportedBootLayout: "unsupported boot layout",
	DiskFull:              "disk full",
	ProcessLaunch:         "process launch",
	ChildFailure:          "child failure",
	Cancelled:             "cancelled",
	ConfigCorrupt:         "configuration corrupt",
	InvalidDescriptor:     "invalid descriptor",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error carries a Kind plus the path or stage it relates to.
type Error struct {
	Kind    Kind
	Message string
	Path    string
	Stage   string
	Err     error
}

func (e *Error) Error() string {
	var builder strings.Builder
	builder.WriteString(e.Kind.String())
	if e.Stage != "" {
		fmt.Fprintf(&builder, " during %s", e.Stage)
	}
	if e.Message != "" {
		fmt.Fprintf(&builder, ": %s", e.Message)
	}
	if e.Path != "" {
		fmt.Fprintf(&builder, " (%s)", e.Path)
	}
	if e.Err != nil {
		fmt.Fprintf(&builder, ": %v", e.Err)
	}
	return builder.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithPath returns a copy of e annotated with path.
func (e *Error) WithPath(path string) *Error {
	clone := *e
	clone.Path = path
	return &clone
}

// WithStage returns a copy of e annotated with stage.
func (e *Error) WithStage(stage string) *Error {
	clone := *e
	clone.Stage = stage
	return &clone
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var target *Error
	if errors.As(err, &target) {
		return target.Kind
	}
	return Unknown
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
