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

package runner

import (
	"context"
	"strings"
	"sync"

	"github.com/LadySerena/iso-remaster/failure"
)

// MockCall records a single command invocation.
type MockCall struct {
	Args             []string
	Dir              string
	ProgressOnStderr bool
}

// MockResponse is what a MockRunner answers for one call.
type MockResponse struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Lines are fed through the parser of a tracked call.
	Lines []string
	// Err is returned as-is, standing in for launch failures.
	Err error
}

// MockRunner records calls and answers them from Responses, keyed by the
// 0-based call index, or from Handler when set.
type MockRunner struct {
	mu        sync.Mutex
	Calls     []MockCall
	Responses map[int]MockResponse
	Handler   func(call MockCall) MockResponse
}

func NewMockRunner() *MockRunner {
	return &MockRunner{Responses: map[int]MockResponse{}}
}

// NewMockRunnerWithHandler answers every call through handler.
func NewMockRunnerWithHandler(handler func(call MockCall) MockResponse) *MockRunner {
	return &MockRunner{Responses: map[int]MockResponse{}, Handler: handler}
}

func (m *MockRunner) respond(cmd Command) MockResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := MockCall{Args: append([]string(nil), cmd.Args...), Dir: cmd.Dir, ProgressOnStderr: cmd.ProgressOnStderr}
	m.Calls = append(m.Calls, call)
	if m.Handler != nil {
		return m.Handler(call)
	}
	return m.Responses[len(m.Calls)-1]
}

func (m *MockRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	if ctx.Err() != nil {
		return Result{}, failure.Wrap(failure.Cancelled, ctx.Err(), "%s was cancelled", cmd.Args[0])
	}
	response := m.respond(cmd)
	if response.Err != nil {
		return Result{}, response.Err
	}
	return Result{Stdout: []byte(response.Stdout), Stderr: []byte(response.Stderr), ExitCode: response.ExitCode}, nil
}

func (m *MockRunner) Track(ctx context.Context, cmd Command, parser Parser, progress ProgressFunc) (Result, error) {
	if ctx.Err() != nil {
		return Result{}, failure.Wrap(failure.Cancelled, ctx.Err(), "%s was cancelled", cmd.Args[0])
	}
	response := m.respond(cmd)
	if response.Err != nil {
		return Result{}, response.Err
	}
	tracker := NewTracker(progress)
	for _, line := range response.Lines {
		if parser == nil {
			continue
		}
		if percent, ok := parser(line); ok {
			tracker.Report(percent)
		}
	}
	result := Result{Stdout: []byte(strings.Join(response.Lines, "\n") + response.Stdout), Stderr: []byte(response.Stderr), ExitCode: response.ExitCode}
	if err := result.Err(cmd); err != nil {
		return result, err
	}
	tracker.Report(100)
	return result, nil
}

// Commands returns the recorded argv joined by spaces.
func (m *MockRunner) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	commands := make([]string, 0, len(m.Calls))
	for _, call := range m.Calls {
		commands = append(commands, strings.Join(call.Args, " "))
	}
	return commands
}
