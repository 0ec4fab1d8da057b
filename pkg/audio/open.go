package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
)

var (
	// ErrUnsupported is returned by [Open] for streams that are neither Ogg
	// Opus nor raw PCM.
	ErrUnsupported = errors.New("audio: unsupported stream, need ogg/opus or raw pcm")

	// ErrLocalDisabled is returned by [Open] for a file path when no media
	// directory is configured.
	ErrLocalDisabled = errors.New("audio: local files are disabled")
)

// StatusError is returned by [Open] when a URL answers with anything but
// 200 OK.
type StatusError struct {
	URL    string
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("audio: fetch %s: unexpected status %s", e.URL, e.Status)
}

// Source is an opened frame source. Close releases the underlying file or
// response body.
type Source interface {
	ReadFrame() ([]byte, error)
	Close() error
}

// OpenOption configures [Open].
type OpenOption func(*openConfig)

type openConfig struct {
	client    *http.Client
	mediaDir  string
	probeSize int
	volume    float64
}

// WithHTTPClient sets the client for http(s) references. Defaults to
// [http.DefaultClient].
func WithHTTPClient(c *http.Client) OpenOption {
	return func(o *openConfig) {
		if c != nil {
			o.client = c
		}
	}
}

// WithMediaDir allows references to files below dir. Paths cannot escape it.
func WithMediaDir(dir string) OpenOption {
	return func(o *openConfig) { o.mediaDir = dir }
}

// WithProbeSize overrides [DefaultProbeSize].
func WithProbeSize(n int) OpenOption {
	return func(o *openConfig) { o.probeSize = n }
}

// WithVolume sets the gain for raw PCM streams. Ogg Opus is passed through
// untouched.
func WithVolume(v float64) OpenOption {
	return func(o *openConfig) { o.volume = v }
}

// IsURL reports whether ref is an http(s) URL.
func IsURL(ref string) bool {
	u, err := url.Parse(ref)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Open resolves ref to a [Source]. ref is an http(s) URL or a path relative
// to the media directory. Names ending in .pcm or .raw are read as 48 kHz
// stereo PCM; everything else is probed and must be Ogg Opus.
//
// For URLs ctx stays attached to the response body, so it must outlive
// playback. Closing the source ends the download.
func Open(ctx context.Context, ref string, opts ...OpenOption) (Source, StreamType, error) {
	cfg := openConfig{client: http.DefaultClient, volume: 1}
	for _, opt := range opts {
		opt(&cfg)
	}

	var (
		rc   io.ReadCloser
		name string
		err  error
	)
	if IsURL(ref) {
		rc, err = fetch(ctx, cfg.client, ref)
		u, _ := url.Parse(ref)
		name = path.Base(u.Path)
	} else {
		rc, err = openLocal(cfg.mediaDir, ref)
		name = filepath.Base(ref)
	}
	if err != nil {
		return nil, StreamArbitrary, err
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".pcm", ".raw":
		src, err := NewPCMSource(rc, Discord)
		if err != nil {
			_ = rc.Close()
			return nil, StreamArbitrary, err
		}
		src.SetVolume(cfg.volume)
		return src, StreamRaw, nil
	}

	kind, replay, err := Probe(rc, cfg.probeSize)
	if err != nil {
		_ = rc.Close()
		return nil, StreamArbitrary, err
	}
	if kind != StreamOggOpus {
		_ = rc.Close()
		return nil, kind, ErrUnsupported
	}
	src, err := NewOggSource(readCloser{Reader: replay, Closer: rc})
	if err != nil {
		_ = rc.Close()
		return nil, kind, err
	}
	return src, kind, nil
}

func fetch(ctx context.Context, client *http.Client, ref string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("audio: create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("audio: fetch %s: %w", ref, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, &StatusError{URL: ref, Code: resp.StatusCode, Status: resp.Status}
	}
	return resp.Body, nil
}

func openLocal(dir, name string) (io.ReadCloser, error) {
	if dir == "" {
		return nil, ErrLocalDisabled
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("audio: open media dir: %w", err)
	}
	defer root.Close()

	f, err := root.Open(filepath.Clean(name))
	if err != nil {
		return nil, fmt.Errorf("audio: open %s: %w", name, err)
	}
	return f, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

// mediaExts are the file extensions [ListMedia] reports.
var mediaExts = []string{".ogg", ".opus", ".pcm", ".raw"}

// ListMedia returns up to limit playable files below dir whose slash
// separated path contains query, case-insensitively, in lexical order.
func ListMedia(dir, query string, limit int) ([]string, error) {
	if dir == "" {
		return nil, ErrLocalDisabled
	}
	query = strings.ToLower(query)
	var names []string
	err := fs.WalkDir(os.DirFS(dir), ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !slices.Contains(mediaExts, strings.ToLower(path.Ext(p))) {
			return nil
		}
		if query != "" && !strings.Contains(strings.ToLower(p), query) {
			return nil
		}
		names = append(names, p)
		if limit > 0 && len(names) >= limit {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("audio: list media: %w", err)
	}
	return names, nil
}
