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
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// fileNameVersion finds the version embedded in names such as
	// vmlinuz-5.15.0-84-generic.
	fileNameVersion = regexp.MustCompile(`\d[\d.-]*\d`)
	// contentVersion finds a kernel release in tool output or binary strings.
	contentVersion    = regexp.MustCompile(`\d+\.\d+\.\d+(?:-\d+)*`)
	versionSeparators = regexp.MustCompile(`[.-]`)
)

// Version holds major, minor, patch and revision. The zero Version means
// the version is unknown.
type Version [4]int

func ParseVersion(name string) Version {
	var version Version
	index := 0
	for _, part := range versionSeparators.Split(name, -1) {
		if index == len(version) {
			break
		}
		number, err := strconv.Atoi(part)
		if err != nil {
			break
		}
		version[index] = number
		index++
	}
	return version
}

func (v Version) IsZero() bool {
	return v == Version{}
}

// Compare returns -1, 0 or 1.
func (v Version) Compare(other Version) int {
	for i := range v {
		switch {
		case v[i] < other[i]:
			return -1
		case v[i] > other[i]:
			return 1
		}
	}
	return 0
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d-%d", v[0], v[1], v[2], v[3])
}

func versionFromFileName(name string) string {
	return fileNameVersion.FindString(name)
}

func versionFromContent(text string) string {
	return contentVersion.FindString(text)
}

// versionFromModulesPath extracts the release from lib/modules/<release>/...
func versionFromModulesPath(name string) string {
	index := strings.Index(name, "lib/modules/")
	if index < 0 {
		return ""
	}
	release := strings.SplitN(name[index+len("lib/modules/"):], "/", 2)[0]
	return versionFromContent(release)
}
