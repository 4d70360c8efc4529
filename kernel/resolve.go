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

package kernel

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

const maxLinkHops = 40

var errLinkCycle = errors.New("symbolic link cycle")

// resolver expands symbolic links one hop at a time. Absolute targets of
// links inside root refer to the root filesystem being customized, so they
// are re-rooted; elsewhere they are re-rooted only when missing on the host.
type resolver struct {
	fs   afero.Fs
	root string
}

func (r resolver) lstat(path string) (fs.FileInfo, error) {
	if lstater, ok := r.fs.(afero.Lstater); ok {
		info, _, err := lstater.LstatIfPossible(path)
		return info, err
	}
	return r.fs.Stat(path)
}

func (r resolver) readlink(path string) (string, error) {
	if reader, ok := r.fs.(afero.LinkReader); ok {
		return reader.ReadlinkIfPossible(path)
	}
	return "", fmt.Errorf("symbolic links are not supported: %s", path)
}

func (r resolver) insideRoot(path string) bool {
	if r.root == "" {
		return false
	}
	return path == r.root || strings.HasPrefix(path, r.root+string(filepath.Separator))
}

func (r resolver) resolve(path string) (string, error) {
	visited := make(map[string]bool)
	current := filepath.Clean(path)
	for hop := 0; hop < maxLinkHops; hop++ {
		if visited[current] {
			return "", fmt.Errorf("%w at %s", errLinkCycle, current)
		}
		visited[current] = true

		info, statErr := r.lstat(current)
		if statErr != nil {
			return "", statErr
		}
		if info.Mode()&os.ModeSymlink == 0 {
			return current, nil
		}

		target, linkErr := r.readlink(current)
		if linkErr != nil {
			return "", linkErr
		}
		if !filepath.IsAbs(target) {
			current = filepath.Join(filepath.Dir(current), target)
			continue
		}
		target = filepath.Clean(target)
		if r.insideRoot(current) && !r.insideRoot(target) {
			current = filepath.Join(r.root, target)
			continue
		}
		if _, err := r.lstat(target); err != nil && r.root != "" && !r.insideRoot(target) {
			current = filepath.Join(r.root, target)
			continue
		}
		current = target
	}
	return "", fmt.Errorf("%w: too many links from %s", errLinkCycle, path)
}
