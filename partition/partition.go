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

// Package partition handles the byte ranges xorriso reports for El Torito
// boot images and appended partitions, and copies them out of a source ISO.
package partition

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"

	"github.com/LadySerena/iso-remaster/telemetry"
	"github.com/LadySerena/iso-remaster/utility"
	"github.com/c2h5oh/datasize"
	"github.com/spf13/afero"
)

const (
	// sectorUnit is an ISO 9660 logical block.
	sectorUnit = 2048 * datasize.B
	// diskUnit is a 512 byte disk sector.
	diskUnit = 512 * datasize.B
)

var (
	units = map[string]datasize.ByteSize{
		"":  datasize.B,
		"k": datasize.KB,
		"m": datasize.MB,
		"g": datasize.GB,
		"t": datasize.TB,
		"s": sectorUnit,
		"d": diskUnit,
	}
	boundPattern    = regexp.MustCompile(`^(\d+)([kmgtsd]?)$`)
	intervalPattern = regexp.MustCompile(`^([^-]+)-([^-]+)$`)
)

// Interval is an inclusive START-STOP range expressed in one unit.
type Interval struct {
	Start uint64
	Stop  uint64
	Unit  string
}

func parseBound(bound string) (uint64, string, error) {
	match := boundPattern.FindStringSubmatch(bound)
	if match == nil {
		return 0, "", fmt.Errorf("invalid interval bound: %q", bound)
	}
	value, err := strconv.ParseUint(match[1], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid interval bound %q: %w", bound, err)
	}
	return value, match[2], nil
}

// ParseInterval parses "0s-3071s".
func ParseInterval(text string) (Interval, error) {
	match := intervalPattern.FindStringSubmatch(text)
	if match == nil {
		return Interval{}, fmt.Errorf("invalid interval: %q", text)
	}
	start, startUnit, startErr := parseBound(match[1])
	if startErr != nil {
		return Interval{}, startErr
	}
	stop, stopUnit, stopErr := parseBound(match[2])
	if stopErr != nil {
		return Interval{}, stopErr
	}
	if startUnit != stopUnit {
		return Interval{}, fmt.Errorf("interval %q mixes units %q and %q", text, startUnit, stopUnit)
	}
	if stop < start {
		return Interval{}, fmt.Errorf("interval %q ends before it starts", text)
	}
	return Interval{Start: start, Stop: stop, Unit: startUnit}, nil
}

func (i Interval) UnitSize() datasize.ByteSize {
	return units[i.Unit]
}

// Count is the number of units covered, both bounds included.
func (i Interval) Count() uint64 {
	return i.Stop - i.Start + 1
}

func (i Interval) Offset() int64 {
	return int64(i.Start * i.UnitSize().Bytes())
}

func (i Interval) Length() datasize.ByteSize {
	return datasize.ByteSize(i.Count()) * i.UnitSize()
}

// Rebased describes the same number of units starting at zero, which is
// where the range lives once extracted to its own file.
func (i Interval) Rebased() string {
	return fmt.Sprintf("0%s-%d%s", i.Unit, i.Count()-1, i.Unit)
}

func (i Interval) String() string {
	return fmt.Sprintf("%d%s-%d%s", i.Start, i.Unit, i.Stop, i.Unit)
}

// ImageName is the file name of the n-th extracted boot image.
func ImageName(n int) string {
	return fmt.Sprintf("image-%d.img", n)
}

// Extract copies the bytes interval covers in source to destination. A
// source shorter than the interval yields a shorter image.
func Extract(ctx context.Context, fileSystem afero.Fs, source string, interval Interval, destination string) (datasize.ByteSize, error) {
	_, span := telemetry.GetTracer().Start(ctx, fmt.Sprintf("extracting interval: %s", interval))
	defer span.End()

	input, openErr := fileSystem.Open(source)
	if openErr != nil {
		return 0, openErr
	}
	defer utility.WrappedClose(input)

	if _, err := input.Seek(interval.Offset(), io.SeekStart); err != nil {
		return 0, err
	}

	output, createErr := fileSystem.Create(destination)
	if createErr != nil {
		return 0, createErr
	}
	defer utility.WrappedClose(output)

	written, copyErr := io.CopyN(output, input, int64(interval.Length().Bytes()))
	if copyErr != nil && copyErr != io.EOF {
		return datasize.ByteSize(written), copyErr
	}
	return datasize.ByteSize(written), nil
}
