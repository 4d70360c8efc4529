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

package partition

import (
	"bytes"
	"context"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInterval(t *testing.T) {
	cases := []struct {
		input    string
		expected Interval
		count    uint64
		offset   int64
		length   datasize.ByteSize
		rebased  string
	}{
		{
			input:    "0s-3071s",
			expected: Interval{Start: 0, Stop: 3071, Unit: "s"},
			count:    3072,
			offset:   0,
			length:   6291456,
			rebased:  "0s-3071s",
		},
		{
			input:    "12345d-22584d",
			expected: Interval{Start: 12345, Stop: 22584, Unit: "d"},
			count:    10240,
			offset:   12345 * 512,
			length:   10240 * 512,
			rebased:  "0d-10239d",
		},
		{
			input:    "1024-2047",
			expected: Interval{Start: 1024, Stop: 2047},
			count:    1024,
			offset:   1024,
			length:   1024,
			rebased:  "0-1023",
		},
		{
			input:    "2k-3k",
			expected: Interval{Start: 2, Stop: 3, Unit: "k"},
			count:    2,
			offset:   2048,
			length:   2 * datasize.KB,
			rebased:  "0k-1k",
		},
	}
	for _, tt := range cases {
		actual, err := ParseInterval(tt.input)
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.expected, actual, tt.input)
		assert.Equal(t, tt.count, actual.Count(), tt.input)
		assert.Equal(t, tt.offset, actual.Offset(), tt.input)
		assert.Equal(t, tt.length, actual.Length(), tt.input)
		assert.Equal(t, tt.rebased, actual.Rebased(), tt.input)
		assert.Equal(t, tt.input, actual.String(), tt.input)
	}
}

func TestParseIntervalRejects(t *testing.T) {
	for _, input := range []string{"", "0s", "0s-10d", "10s-0s", "0x-1x", "a-b"} {
		_, err := ParseInterval(input)
		assert.Error(t, err, input)
	}
}

func TestExtract(t *testing.T) {
	fileSystem := afero.NewMemMapFs()
	source := make([]byte, 8*2048)
	for i := range source {
		source[i] = byte(i / 2048)
	}
	require.NoError(t, afero.WriteFile(fileSystem, "/source.iso", source, 0o644))

	interval, err := ParseInterval("2s-4s")
	require.NoError(t, err)
	written, err := Extract(context.Background(), fileSystem, "/source.iso", interval, "/project/image-1.img")
	require.NoError(t, err)
	assert.Equal(t, datasize.ByteSize(3*2048), written)

	image, err := afero.ReadFile(fileSystem, "/project/image-1.img")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(source[2*2048:5*2048], image))
}

func TestExtractShortSource(t *testing.T) {
	fileSystem := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fileSystem, "/source.iso", make([]byte, 100), 0o644))
	interval := Interval{Start: 0, Stop: 0, Unit: "s"}
	written, err := Extract(context.Background(), fileSystem, "/source.iso", interval, "/image-1.img")
	require.NoError(t, err)
	assert.Equal(t, datasize.ByteSize(100), written)
}

func TestImageName(t *testing.T) {
	assert.Equal(t, "image-3.img", ImageName(3))
}
