// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package modelhub mirrors model directories from a Hugging Face repository
// pinned to one revision.
package modelhub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultRepo     = "Nextcloud-AI/vosk-models"
	DefaultRevision = "06f2f156dcd79092400891afb6cf8101e54f6ba2"

	defaultAPIBase     = "https://huggingface.co/api/models"
	defaultResolveBase = "https://huggingface.co"
	defaultParallelism = 4
)

type Options struct {
	Repo     string
	Revision string
	// APIBase and ResolveBase override the hub endpoints.
	APIBase     string
	ResolveBase string
	Parallelism int
	HTTPClient  *http.Client
}

// Progress is called after every finished file, possibly concurrently.
type Progress func(done, total int)

type Downloader struct {
	opts   Options
	client *http.Client
	logger *slog.Logger
}

type entry struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

func New(opts Options) *Downloader {
	if opts.Repo == "" {
		opts.Repo = DefaultRepo
	}
	if opts.Revision == "" {
		opts.Revision = DefaultRevision
	}
	if opts.APIBase == "" {
		opts.APIBase = defaultAPIBase
	}
	if opts.ResolveBase == "" {
		opts.ResolveBase = defaultResolveBase
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = defaultParallelism
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	return &Downloader{
		opts:   opts,
		client: client,
		logger: slog.With("component", "model_download", "repo", opts.Repo),
	}
}

// Download fetches every file under the given directories of the repository
// into dir. Files already present with the expected size are skipped.
func (d *Downloader) Download(ctx context.Context, dir string, prefixes []string, progress Progress) error {
	d.logger.Info("starting model download", "dest", dir, "models", len(prefixes))

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}

	var files []entry
	for _, prefix := range prefixes {
		found, err := d.list(ctx, prefix)
		if err != nil {
			return fmt.Errorf("list files of %s: %w", prefix, err)
		}
		files = append(files, found...)
	}

	var pending []entry
	for _, f := range files {
		if info, err := os.Stat(filepath.Join(dir, f.Path)); err == nil && info.Size() == f.Size {
			continue
		}
		pending = append(pending, f)
	}

	if len(pending) == 0 {
		d.logger.Info("all models already downloaded", "files", len(files))
		return nil
	}
	d.logger.Info("downloading models", "files", len(pending), "skipped", len(files)-len(pending))

	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Parallelism)
	for _, f := range pending {
		g.Go(func() error {
			if err := d.fetch(gctx, dir, f.Path); err != nil {
				return fmt.Errorf("download %s: %w", f.Path, err)
			}
			n := int(done.Add(1))
			if progress != nil {
				progress(n, len(pending))
			}
			if n%50 == 0 {
				d.logger.Info("download progress", "completed", n, "total", len(pending))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	d.logger.Info("model download complete", "files", len(pending))
	return nil
}

func (d *Downloader) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request %s: %w", url, err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return resp, nil
}

func (d *Downloader) list(ctx context.Context, prefix string) ([]entry, error) {
	url := fmt.Sprintf("%s/%s/tree/%s", d.opts.APIBase, d.opts.Repo, d.opts.Revision)
	if prefix != "" {
		url += "/" + strings.TrimPrefix(prefix, "/")
	}

	resp, err := d.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var entries []entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode listing: %w", err)
	}

	var files []entry
	for _, e := range entries {
		switch e.Type {
		case "file":
			files = append(files, e)
		case "directory":
			sub, err := d.list(ctx, e.Path)
			if err != nil {
				return nil, err
			}
			files = append(files, sub...)
		}
	}
	return files, nil
}

// fetch writes to a temp file first so a partial download is never mistaken
// for a complete one.
func (d *Downloader) fetch(ctx context.Context, dir, path string) error {
	local := filepath.Join(dir, filepath.FromSlash(path))
	rel, err := filepath.Rel(dir, local)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("path %q escapes storage dir", path)
	}
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	url := fmt.Sprintf("%s/%s/resolve/%s/%s", d.opts.ResolveBase, d.opts.Repo, d.opts.Revision, path)
	resp, err := d.get(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	tmp := local + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp, local); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
