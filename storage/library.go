// Package storage exposes the agent's recordings directory as a listable,
// range-readable video library. Layout on disk:
//
//	<root>/<camera_id>/merged/YYYYMMDD_HH:MM.mp4
//
// The timestamp is parsed from the filename; files that don't match fall
// back to their modification time and are skipped by date/hour filters.
package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/jellydator/ttlcache/v3"
)

// filenameLayout matches YYYYMMDD_HH:MM (the .mp4 suffix stripped).
const filenameLayout = "20060102_15:04"

const mergedDir = "merged"

var (
	// ErrNotFound — no such camera directory entry or file.
	ErrNotFound = errors.New("storage: file not found")
	// ErrInvalidName — filename contains path separators, "..", or NUL.
	ErrInvalidName = errors.New("storage: invalid filename")
	// ErrInvalidRange — requested byte range falls outside the file.
	ErrInvalidRange = errors.New("storage: range not satisfiable")
)

// Video is one recording on disk.
type Video struct {
	Filename  string
	Size      int64
	Timestamp time.Time
	// parsed is false when the timestamp came from mtime rather than the
	// filename; such entries are excluded from date/hour filtering.
	parsed bool
}

// ListFilter narrows and paginates a listing.
type ListFilter struct {
	Date     string // YYYYMMDD, empty = all days
	Hour     *int   // 0-23, nil = all hours
	Page     int    // 1-based
	PageSize int
}

// Range is an open recording positioned at the requested byte range.
// Close it after streaming.
type Range struct {
	io.Reader
	closer io.Closer

	Size        int64 // total file size
	Start       int64 // resolved inclusive range
	End         int64
	Length      int64 // End - Start + 1
	ContentType string
}

func (r *Range) Close() error { return r.closer.Close() }

// Library lists and opens recordings under one root directory. Directory
// scans are cached per camera with a short TTL — listings are requested in
// bursts by paginating clients while the directory rarely changes.
type Library struct {
	root  string
	cache *ttlcache.Cache[string, []Video]
}

func NewLibrary(root string, cacheTTL time.Duration) *Library {
	cache := ttlcache.New[string, []Video](
		ttlcache.WithTTL[string, []Video](cacheTTL),
		ttlcache.WithDisableTouchOnHit[string, []Video](),
	)
	go cache.Start() // automatic expired-entry eviction
	return &Library{root: root, cache: cache}
}

// Stop halts the cache eviction loop.
func (l *Library) Stop() {
	l.cache.Stop()
}

// List returns one page of recordings for a camera, newest first, plus the
// total count after filtering. A missing camera directory yields an empty
// listing, not an error — cameras may not have recorded yet.
func (l *Library) List(camera string, f ListFilter) ([]Video, int, error) {
	videos, err := l.scan(camera)
	if err != nil {
		return nil, 0, err
	}

	filtered := videos[:0:0]
	for _, v := range videos {
		if f.Date != "" || f.Hour != nil {
			if !v.parsed {
				continue
			}
			if f.Date != "" && v.Timestamp.Format("20060102") != f.Date {
				continue
			}
			if f.Hour != nil && v.Timestamp.Hour() != *f.Hour {
				continue
			}
		}
		filtered = append(filtered, v)
	}

	total := len(filtered)
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		return nil, total, fmt.Errorf("storage: page size must be positive")
	}
	start := (f.Page - 1) * f.PageSize
	if start >= total {
		return []Video{}, total, nil
	}
	end := start + f.PageSize
	if end > total {
		end = total
	}
	return filtered[start:end], total, nil
}

// Open opens a recording positioned at [start, end] (end inclusive; nil end
// means to EOF) and reports the resolved range and sniffed content type.
func (l *Library) Open(camera, filename string, start int64, end *int64) (*Range, error) {
	path, err := l.resolve(camera, filename)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, filename)
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	size := info.Size()

	actualEnd := size - 1
	if end != nil {
		actualEnd = *end
	}
	if start < 0 || start > actualEnd || actualEnd >= size {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %d-%d of %d bytes", ErrInvalidRange, start, actualEnd, size)
	}
	length := actualEnd - start + 1

	return &Range{
		Reader:      io.NewSectionReader(f, start, length),
		closer:      f,
		Size:        size,
		Start:       start,
		End:         actualEnd,
		Length:      length,
		ContentType: detectContentType(path),
	}, nil
}

// resolve joins camera/merged/filename under the root, rejecting anything
// that could escape it.
func (l *Library) resolve(camera, filename string) (string, error) {
	if !SafeName(camera) || !SafeName(filename) {
		return "", ErrInvalidName
	}
	return filepath.Join(l.root, camera, mergedDir, filename), nil
}

// SafeName reports whether a path element is a plain filename: no
// separators, no parent references, no NUL, not empty.
func SafeName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return false
	}
	if strings.Contains(name, "..") {
		return false
	}
	return true
}

func (l *Library) scan(camera string) ([]Video, error) {
	if item := l.cache.Get(camera); item != nil {
		return item.Value(), nil
	}

	dir := filepath.Join(l.root, camera, mergedDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Warn("camera directory missing", "camera", camera, "dir", dir)
			return nil, nil
		}
		return nil, fmt.Errorf("storage: reading %s: %w", dir, err)
	}

	videos := make([]Video, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".mp4") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		v := Video{Filename: e.Name(), Size: info.Size()}
		stamp := strings.TrimSuffix(e.Name(), ".mp4")
		if ts, err := time.ParseInLocation(filenameLayout, stamp, time.UTC); err == nil {
			v.Timestamp = ts
			v.parsed = true
		} else {
			v.Timestamp = info.ModTime().UTC()
		}
		videos = append(videos, v)
	}

	// Newest first.
	sort.Slice(videos, func(i, j int) bool {
		return videos[i].Timestamp.After(videos[j].Timestamp)
	})

	l.cache.Set(camera, videos, ttlcache.DefaultTTL)
	return videos, nil
}

// detectContentType sniffs the file's content type, falling back to
// video/mp4 — recordings are MP4 containers unless something else ended up
// in the directory.
func detectContentType(path string) string {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "video/mp4"
	}
	ct := mt.String()
	if i := strings.Index(ct, ";"); i > 0 {
		ct = ct[:i]
	}
	if ct == "application/octet-stream" {
		return "video/mp4"
	}
	return ct
}
