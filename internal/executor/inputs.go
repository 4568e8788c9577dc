package executor

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"net/http"
	"path"
	"slices"
	"strings"
	"time"
)

// maxInputSize caps a single downloaded input.
const maxInputSize = 64 << 20 // 64 MB

// stageInputs builds a tar archive of a job's inputs for copying into the
// workspace. Values with an http or https scheme are downloaded; anything
// else is written verbatim as the file content.
func stageInputs(ctx context.Context, client *http.Client, inputs map[string]string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()

	dirs := make(map[string]bool)
	for _, name := range slices.Sorted(maps.Keys(inputs)) {
		clean := path.Clean(name)
		if clean == "." || path.IsAbs(clean) || strings.HasPrefix(clean, "..") {
			return nil, fmt.Errorf("input %q: path must stay inside the workspace", name)
		}

		content, err := inputContent(ctx, client, inputs[name])
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}

		for dir := path.Dir(clean); dir != "." && !dirs[dir]; dir = path.Dir(dir) {
			dirs[dir] = true
			if err := tw.WriteHeader(&tar.Header{Typeflag: tar.TypeDir, Name: dir + "/", Mode: 0o755, ModTime: now}); err != nil {
				return nil, fmt.Errorf("failed to write tar header: %w", err)
			}
		}

		header := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     clean,
			Mode:     0o644,
			Size:     int64(len(content)),
			ModTime:  now,
		}
		if err := tw.WriteHeader(header); err != nil {
			return nil, fmt.Errorf("failed to write tar header: %w", err)
		}
		if _, err := tw.Write(content); err != nil {
			return nil, fmt.Errorf("failed to write file to tar: %w", err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish tar: %w", err)
	}
	return &buf, nil
}

func inputContent(ctx context.Context, client *http.Client, value string) ([]byte, error) {
	lower := strings.ToLower(value)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return []byte(value), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, value, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxInputSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read download: %w", err)
	}
	if len(data) > maxInputSize {
		return nil, fmt.Errorf("download exceeds %d bytes", maxInputSize)
	}
	return data, nil
}
