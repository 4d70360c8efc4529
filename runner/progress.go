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
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Parser extracts a percentage from one line of tool output.
type Parser func(line string) (float64, bool)

var (
	barePercent     = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*%?\s*$`)
	embeddedPercent = regexp.MustCompile(`(\d+(?:\.\d+)?)%`)
	// "  1,234,567  42%   12.34MB/s    0:00:12 (xfr#12, to-chk=0/100)"
	rsyncProgress = regexp.MustCompile(`^\s*[\d,.]+[KMGT]?\s+(\d+)%`)
	// "[=========/       ] 12345/67890  18%"
	squashfsProgress = regexp.MustCompile(`\]\s+\d+/\d+\s+(\d+)%`)
	// "xorriso : UPDATE :  12.34% done, estimate finish Mon Jan 1 ..."
	xorrisoProgress = regexp.MustCompile(`UPDATE\s*:\s*(\d+(?:\.\d+)?)% done`)
)

// Generic recognises a percent on its own or a "NN%" inside a larger line.
func Generic(line string) (float64, bool) {
	if match := barePercent.FindStringSubmatch(line); match != nil {
		return parsePercent(match[1])
	}
	matches := embeddedPercent.FindAllStringSubmatch(line, -1)
	if len(matches) == 0 {
		return 0, false
	}
	return parsePercent(matches[len(matches)-1][1])
}

// Rsync parses `rsync --info=progress2` output.
func Rsync(line string) (float64, bool) {
	if match := rsyncProgress.FindStringSubmatch(line); match != nil {
		return parsePercent(match[1])
	}
	return 0, false
}

// Mksquashfs parses the mksquashfs progress bar.
func Mksquashfs(line string) (float64, bool) {
	return squashfs(line)
}

// Unsquashfs parses the unsquashfs progress bar, which shares the
// mksquashfs format.
func Unsquashfs(line string) (float64, bool) {
	return squashfs(line)
}

func squashfs(line string) (float64, bool) {
	if match := squashfsProgress.FindStringSubmatch(line); match != nil {
		return parsePercent(match[1])
	}
	return 0, false
}

// Xorriso parses xorriso UPDATE lines.
func Xorriso(line string) (float64, bool) {
	if match := xorrisoProgress.FindStringSubmatch(line); match != nil {
		return parsePercent(match[1])
	}
	return 0, false
}

func parsePercent(value string) (float64, bool) {
	percent, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, false
	}
	return clamp(percent), true
}

func clamp(percent float64) float64 {
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}

// Tracker forwards percentages to a sink, never reporting a value lower
// than one already reported.
type Tracker struct {
	mu       sync.Mutex
	sink     ProgressFunc
	last     float64
	reported bool
}

func NewTracker(sink ProgressFunc) *Tracker {
	return &Tracker{sink: sink}
}

func (t *Tracker) Report(percent float64) {
	if t == nil || t.sink == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	percent = clamp(percent)
	if t.reported && percent <= t.last {
		return
	}
	t.last = percent
	t.reported = true
	t.sink(percent)
}

// Scaled maps the 0-100 range of one step onto its share of an aggregate:
// (100 × index + percent) / total.
func Scaled(sink ProgressFunc, index int, total int) ProgressFunc {
	if total <= 0 {
		total = 1
	}
	return func(percent float64) {
		if sink == nil {
			return
		}
		sink((100*float64(index) + clamp(percent)) / float64(total))
	}
}
