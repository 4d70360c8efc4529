/*
 * Copyright (c) 2021 Serena Tiede
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
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/LadySerena/iso-remaster/checksum"
	"github.com/LadySerena/iso-remaster/telemetry"
	"github.com/LadySerena/iso-remaster/utility"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"
)

// Fetcher downloads source ISOs from https:// or gs:// locations.
type Fetcher struct {
	Fs     afero.Fs
	Client *http.Client
	Log    *logrus.Entry
	// StorageOptions configure the client used for gs:// sources.
	StorageOptions []option.ClientOption
}

func NewFetcher(fileSystem afero.Fs, log *logrus.Entry, storageOptions ...option.ClientOption) *Fetcher {
	return &Fetcher{
		Fs: fileSystem,
		Client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   time.Hour,
		},
		Log:            log,
		StorageOptions: storageOptions,
	}
}

// SourceName returns the file name a source URL is saved under.
func SourceName(source string) (string, error) {
	parsed, parseErr := url.Parse(source)
	if parseErr != nil {
		return "", parseErr
	}
	switch parsed.Scheme {
	case "https", "http", "gs":
	default:
		return "", fmt.Errorf("unsupported source scheme %q", parsed.Scheme)
	}
	name := path.Base(parsed.Path)
	if name == "." || name == "/" {
		return "", fmt.Errorf("source %s does not name a file", source)
	}
	return name, nil
}

// Fetch downloads source and, with verify set, its .md5 sidecar into
// directory, then checks the ISO against the sidecar. Existing files are
// reused unless forceOverwrite is set.
func (f *Fetcher) Fetch(ctx context.Context, source string, directory string, forceOverwrite bool, verify bool) (string, error) {
	ctx, span := telemetry.GetTracer().Start(ctx, "fetching source iso")
	defer span.End()

	mediaName, nameErr := SourceName(source)
	if nameErr != nil {
		return "", nameErr
	}
	mediaPath := filepath.Join(directory, mediaName)
	checksumSource := strings.TrimSuffix(source, path.Ext(source)) + ".md5"
	checksumPath := strings.TrimSuffix(mediaPath, filepath.Ext(mediaPath)) + ".md5"

	_, mediaStatErr := f.Fs.Stat(mediaPath)
	_, checksumStatErr := f.Fs.Stat(checksumPath)
	if !verify {
		checksumStatErr = nil
	}

	if needsToDownload(forceOverwrite, mediaStatErr, checksumStatErr) {
		if err := f.Fs.MkdirAll(directory, 0o755); err != nil {
			return "", err
		}
		group, groupCtx := errgroup.WithContext(ctx)
		group.Go(func() error {
			return f.DownloadFile(groupCtx, mediaPath, source)
		})
		if verify {
			group.Go(func() error {
				return f.DownloadFile(groupCtx, checksumPath, checksumSource)
			})
		}
		if waitErr := group.Wait(); waitErr != nil {
			return "", waitErr
		}
	}

	if verify {
		checksumBytes, readErr := afero.ReadFile(f.Fs, checksumPath)
		if readErr != nil {
			return "", readErr
		}
		if err := ValidateHashes(f.Fs, mediaPath, checksumBytes); err != nil {
			return "", err
		}
	}
	f.logger().WithField("path", mediaPath).Info("source iso ready")
	return mediaPath, nil
}

func needsToDownload(force bool, mediaErr error, checksumErr error) bool {
	return force || (errors.Is(mediaErr, fs.ErrNotExist) || errors.Is(checksumErr, fs.ErrNotExist))
}

// DownloadFile copies source to fileName.
func (f *Fetcher) DownloadFile(ctx context.Context, fileName string, source string) error {
	body, openErr := f.open(ctx, source)
	if openErr != nil {
		return openErr
	}
	defer utility.WrappedClose(body)

	media, mediaErr := f.Fs.Create(fileName)
	if mediaErr != nil {
		return mediaErr
	}
	defer utility.WrappedClose(media)

	f.logger().WithField("source", source).Info("downloading")
	if _, copyErr := io.Copy(media, body); copyErr != nil {
		return copyErr
	}
	return nil
}

func (f *Fetcher) open(ctx context.Context, source string) (io.ReadCloser, error) {
	parsed, parseErr := url.Parse(source)
	if parseErr != nil {
		return nil, parseErr
	}
	if parsed.Scheme == "gs" {
		client, clientErr := storage.NewClient(ctx, f.StorageOptions...)
		if clientErr != nil {
			return nil, clientErr
		}
		reader, readerErr := client.Bucket(parsed.Host).Object(strings.TrimPrefix(parsed.Path, "/")).NewReader(ctx)
		if readerErr != nil {
			utility.WrappedClose(client)
			return nil, readerErr
		}
		return &storageReader{Reader: reader, client: client}, nil
	}

	request, requestErr := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if requestErr != nil {
		return nil, requestErr
	}
	response, responseErr := f.Client.Do(request)
	if responseErr != nil {
		return nil, responseErr
	}
	if response.StatusCode != http.StatusOK {
		utility.WrappedClose(response.Body)
		return nil, fmt.Errorf("downloading %s: %s", source, response.Status)
	}
	return response.Body, nil
}

// storageReader closes the client along with the object reader.
type storageReader struct {
	*storage.Reader
	client *storage.Client
}

func (s *storageReader) Close() error {
	readerErr := s.Reader.Close()
	clientErr := s.client.Close()
	if readerErr != nil {
		return readerErr
	}
	return clientErr
}

// ValidateHashes compares the md5 of mediaPath against an md5sum style
// checksum file.
func ValidateHashes(fileSystem afero.Fs, mediaPath string, md5fileBytes []byte) error {
	mediaHash, hashErr := checksum.Digest(fileSystem, mediaPath)
	if hashErr != nil {
		return hashErr
	}
	expected, extractErr := extractChecksum(md5fileBytes)
	if extractErr != nil {
		return extractErr
	}
	if !strings.EqualFold(mediaHash, expected) {
		return errors.New("checksums do not match")
	}
	return nil
}

func extractChecksum(fileBytes []byte) (string, error) {
	fields := strings.Fields(string(fileBytes))
	if len(fields) != 2 {
		return "", errors.New("length mismatch check file format")
	}
	return fields[0], nil
}

func (f *Fetcher) logger() *logrus.Entry {
	if f.Log == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return f.Log
}
