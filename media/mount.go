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

package media

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/LadySerena/iso-remaster/failure"
	"github.com/LadySerena/iso-remaster/runner"
	"github.com/LadySerena/iso-remaster/telemetry"
	"github.com/LadySerena/iso-remaster/utility"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const (
	DefaultMountInfoPath = "/proc/self/mountinfo"
	DefaultSysBlockPath  = "/sys/block"
)

// MountEntry is one parsed line of a mountinfo file.
type MountEntry struct {
	MountPoint string
	FSType     string
	Source     string
	Options    string
}

// Owner is the uid/gid files of the mounted ISO should appear owned by.
type Owner struct {
	UID int
	GID int
}

// CurrentOwner returns the owner of the running process.
func CurrentOwner() *Owner {
	return &Owner{UID: os.Getuid(), GID: os.Getgid()}
}

// Mounter keeps a single source ISO mounted read-only on a mount point.
type Mounter struct {
	Fs      afero.Fs
	Runner  runner.Runner
	Log     *logrus.Entry
	Wrapper []string
	// MountInfoPath and SysBlockPath are read through Fs.
	MountInfoPath string
	SysBlockPath  string
	// Canonical resolves paths before comparison.
	Canonical func(path string) string
}

func NewMounter(fs afero.Fs, r runner.Runner, log *logrus.Entry, wrapper []string) *Mounter {
	return &Mounter{
		Fs:            fs,
		Runner:        r,
		Log:           log,
		Wrapper:       wrapper,
		MountInfoPath: DefaultMountInfoPath,
		SysBlockPath:  DefaultSysBlockPath,
		Canonical:     canonicalPath,
	}
}

// canonicalPath returns the absolute path with symlinks resolved, falling
// back to the cleaned absolute path when it cannot be resolved.
func canonicalPath(path string) string {
	absolute, absErr := filepath.Abs(path)
	if absErr != nil {
		return filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(absolute); err == nil {
		return resolved
	}
	return absolute
}

// Mounts parses the mountinfo file.
func (m *Mounter) Mounts() ([]MountEntry, error) {
	file, openErr := m.Fs.Open(m.MountInfoPath)
	if openErr != nil {
		return nil, openErr
	}
	defer utility.WrappedClose(file)

	var entries []MountEntry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		entry, ok := parseMountInfoLine(scanner.Text())
		if ok {
			entries = append(entries, entry)
		}
	}
	return entries, scanner.Err()
}

// parseMountInfoLine reads
// id parent major:minor root mountpoint options [optional...] - fstype source super
func parseMountInfoLine(line string) (MountEntry, bool) {
	parts := strings.SplitN(line, " - ", 2)
	if len(parts) != 2 {
		return MountEntry{}, false
	}
	left := strings.Fields(parts[0])
	right := strings.Fields(parts[1])
	if len(left) < 6 || len(right) < 2 {
		return MountEntry{}, false
	}
	return MountEntry{
		MountPoint: unescapeOctal(left[4]),
		Options:    left[5],
		FSType:     right[0],
		Source:     unescapeOctal(right[1]),
	}, true
}

// unescapeOctal decodes the \040 style escapes mountinfo uses for spaces,
// tabs, newlines and backslashes.
func unescapeOctal(value string) string {
	if !strings.ContainsRune(value, '\\') {
		return value
	}
	var builder strings.Builder
	for i := 0; i < len(value); i++ {
		if value[i] == '\\' && i+3 < len(value) {
			if code, err := strconv.ParseUint(value[i+1:i+4], 8, 8); err == nil {
				builder.WriteByte(byte(code))
				i += 3
				continue
			}
		}
		builder.WriteByte(value[i])
	}
	return builder.String()
}

// backingFile maps a loop device source to the file behind it.
func (m *Mounter) backingFile(source string) string {
	if !strings.HasPrefix(source, "/dev/loop") {
		return source
	}
	data, err := afero.ReadFile(m.Fs, filepath.Join(m.SysBlockPath, filepath.Base(source), "loop", "backing_file"))
	if err != nil {
		return source
	}
	if backing := strings.TrimSpace(string(data)); backing != "" {
		return backing
	}
	return source
}

// IsMounted reports whether mountPoint is a mount and, when isoPath is not
// empty, whether that mount is of isoPath. Mounts stacked on the same point
// are resolved to the most recent one.
func (m *Mounter) IsMounted(mountPoint string, isoPath string) (bool, error) {
	entries, mountsErr := m.Mounts()
	if mountsErr != nil {
		return false, mountsErr
	}
	target := m.Canonical(mountPoint)
	for i := len(entries) - 1; i >= 0; i-- {
		if m.Canonical(entries[i].MountPoint) != target {
			continue
		}
		if isoPath == "" {
			return true, nil
		}
		return m.Canonical(m.backingFile(entries[i].Source)) == m.Canonical(isoPath), nil
	}
	return false, nil
}

// Mount mounts isoPath read-only on mountPoint. A mount of the same ISO is
// left alone; a mount of anything else is replaced.
func (m *Mounter) Mount(ctx context.Context, isoPath string, mountPoint string, owner *Owner) error {
	ctx, span := telemetry.GetTracer().Start(ctx, "mounting source iso")
	defer span.End()

	same, checkErr := m.IsMounted(mountPoint, isoPath)
	if checkErr != nil {
		return failure.Wrap(failure.MountFailed, checkErr, "could not read mount table").WithPath(mountPoint)
	}
	if same {
		m.logger().WithField("iso", isoPath).Debug("source iso already mounted")
		return nil
	}
	occupied, _ := m.IsMounted(mountPoint, "")
	if occupied {
		if err := m.Unmount(ctx, mountPoint, false); err != nil {
			return err
		}
	}

	if err := m.Fs.MkdirAll(mountPoint, 0o755); err != nil {
		return failure.Wrap(failure.MountFailed, err, "could not create mount point").WithPath(mountPoint)
	}
	options := "loop,ro"
	if owner != nil {
		options = fmt.Sprintf("%s,uid=%d,gid=%d", options, owner.UID, owner.GID)
	}
	cmd := runner.Command{Args: runner.Elevate(m.Wrapper, "mount", "-o", options, isoPath, mountPoint)}
	if _, err := runner.Output(ctx, m.Runner, cmd); err != nil {
		if failure.Is(err, failure.Cancelled) {
			return err
		}
		return failure.Wrap(failure.MountFailed, err, "could not mount %s", isoPath).WithPath(mountPoint)
	}
	m.logger().WithFields(logrus.Fields{"iso": isoPath, "mount_point": mountPoint}).Info("mounted source iso")
	return nil
}

// Unmount unmounts mountPoint when it is mounted. With removeDirectory set
// the then empty mount point is removed as well.
func (m *Mounter) Unmount(ctx context.Context, mountPoint string, removeDirectory bool) error {
	ctx, span := telemetry.GetTracer().Start(ctx, "unmounting source iso")
	defer span.End()

	mounted, checkErr := m.IsMounted(mountPoint, "")
	if checkErr != nil {
		return failure.Wrap(failure.UnmountFailed, checkErr, "could not read mount table").WithPath(mountPoint)
	}
	if mounted {
		cmd := runner.Command{Args: runner.Elevate(m.Wrapper, "umount", mountPoint)}
		if _, err := runner.Output(ctx, m.Runner, cmd); err != nil {
			return failure.Wrap(failure.UnmountFailed, err, "could not unmount").WithPath(mountPoint)
		}
		m.logger().WithField("mount_point", mountPoint).Info("unmounted source iso")
	}
	if removeDirectory {
		if err := m.Fs.Remove(mountPoint); err != nil && !os.IsNotExist(err) {
			m.logger().WithError(err).Warn("mount point left in place")
		}
	}
	return nil
}

func (m *Mounter) logger() *logrus.Entry {
	if m.Log == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return m.Log
}
