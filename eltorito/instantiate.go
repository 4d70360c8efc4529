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

package eltorito

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// Escape makes value safe inside a single-quoted word.
func Escape(value string) string {
	return strings.ReplaceAll(value, "'", `'"'"'`)
}

// Instantiate fills the template slots.
func Instantiate(template, volumeID, bootImageDirectory string) string {
	replacer := strings.NewReplacer(
		VolumeIDSlot, Escape(volumeID),
		BootImageDirectorySlot, Escape(bootImageDirectory),
	)
	return replacer.Replace(template)
}

// Arguments splits an instantiated template into xorriso arguments.
func Arguments(instantiated string) ([]string, error) {
	args, err := shlex.Split(instantiated)
	if err != nil {
		return nil, fmt.Errorf("splitting template: %w", err)
	}
	return args, nil
}

// BootFiles returns the boot image (-b) and boot catalog (-c) paths the
// template names, relative to the disk root. Interval arguments are not
// files on the disk and are left out.
func BootFiles(template string) ([]string, error) {
	args, err := Arguments(template)
	if err != nil {
		return nil, err
	}
	var paths []string
	for index := 0; index+1 < len(args); index++ {
		switch args[index] {
		case "-b", "-c", "-eltorito-boot", "-eltorito-catalog":
			value := args[index+1]
			if strings.HasPrefix(value, "--interval:") {
				continue
			}
			paths = append(paths, strings.TrimPrefix(value, "/"))
		}
	}
	return paths, nil
}
