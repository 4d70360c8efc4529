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

package assemble

import (
	"context"
	"testing"

	"github.com/LadySerena/iso-remaster/failure"
	"github.com/LadySerena/iso-remaster/runner"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const template = `-V '{volume_id}'
-b --interval:local_fs:0s-3071s:zero_mbrpt,zero_gpt:'{boot_image_directory}/image-1.img'
-appended_part_as_gpt`

func request() Request {
	return Request{
		Template:           template,
		VolumeID:           "Serena's Jammy",
		BootImageDirectory: "/home/me/my project",
		CustomDisk:         "/home/me/my project/custom-disk",
		Output:             "/home/me/isos/custom-2024.09.15.iso",
		Excludes:           []string{"casper/install-sources.yaml.original"},
	}
}

func TestArguments(t *testing.T) {
	args, err := Arguments(request())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"xorriso", "-as", "mkisofs", "-r", "-J", "-joliet-long", "-l", "-iso-level", "3",
		"-V", "Serena's Jammy",
		"-b", "--interval:local_fs:0s-3071s:zero_mbrpt,zero_gpt:/home/me/my project/image-1.img",
		"-appended_part_as_gpt",
		"-m", "casper/install-sources.yaml.original",
		"-o", "/home/me/isos/custom-2024.09.15.iso", ".",
	}, args)
}

func TestChecksumFileName(t *testing.T) {
	assert.Equal(t, "custom-2024.09.15.md5", ChecksumFileName("/isos/custom-2024.09.15.iso"))
}

func TestBuild(t *testing.T) {
	fileSystem := afero.NewMemMapFs()
	mock := runner.NewMockRunnerWithHandler(func(call runner.MockCall) runner.MockResponse {
		if call.Args[1] == "xorriso" {
			require.NoError(t, afero.WriteFile(fileSystem, "/home/me/isos/custom-2024.09.15.iso", []byte("hello\n"), 0o644))
			return runner.MockResponse{Lines: []string{"xorriso : UPDATE :  42.00% done"}}
		}
		return runner.MockResponse{}
	})

	var reported []float64
	result, err := NewEngine(fileSystem, mock, nil, []string{"sudo"}).Build(context.Background(), request(), func(percent float64) {
		reported = append(reported, percent)
	})
	require.NoError(t, err)
	assert.Equal(t, "b1946ac92492d2347c6235b4d2611184", result.Checksum)
	assert.Equal(t, "custom-2024.09.15.md5", result.ChecksumFileName)
	assert.Equal(t, []float64{42, 100}, reported)
	require.Len(t, mock.Calls, 2)
	assert.Equal(t, "/home/me/my project/custom-disk", mock.Calls[1].Dir)
	assert.True(t, mock.Calls[1].ProgressOnStderr)

	md5, err := afero.ReadFile(fileSystem, "/home/me/isos/custom-2024.09.15.md5")
	require.NoError(t, err)
	assert.Equal(t, "b1946ac92492d2347c6235b4d2611184  custom-2024.09.15.iso\n", string(md5))
}

func TestBuildDiskFull(t *testing.T) {
	mock := runner.NewMockRunner()
	mock.Responses[1] = runner.MockResponse{ExitCode: 5, Stderr: "libburn : SORRY : Write error: No space left on device"}
	_, err := NewEngine(afero.NewMemMapFs(), mock, nil, []string{"sudo"}).Build(context.Background(), request(), nil)
	assert.True(t, failure.Is(err, failure.DiskFull))
}
