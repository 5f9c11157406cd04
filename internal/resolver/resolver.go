// Package resolver translates user-visible handles in tool arguments
// (cache identifiers, preview URLs, Google Drive links) into local file
// paths before an adapter call.
package resolver

import (
	"context"
	"log/slog"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/haasonsaas/relay/internal/cache"
)

// DriveDownloader fetches Google Drive file content for a user.
type DriveDownloader interface {
	DownloadDriveFile(ctx context.Context, userID, fileID string) ([]byte, string, error)
}

// Resolver rewrites string argument leaves. Every produced local path is
// validated to lie within the cache root.
type Resolver struct {
	cache  *cache.Store
	drive  DriveDownloader
	logger *slog.Logger

	// previewPrefixes are URL prefixes stripped down to a cache id.
	previewPrefixes []string
}

// Option configures the resolver.
type Option func(*Resolver)

// WithLogger sets the resolver logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithPreviewPrefix adds a preview URL prefix recognized as a cache
// reference.
func WithPreviewPrefix(prefix string) Option {
	return func(r *Resolver) {
		if prefix != "" {
			r.previewPrefixes = append(r.previewPrefixes, prefix)
		}
	}
}

// New creates a resolver. drive may be nil when no Drive credential flow is
// configured; Drive URLs then pass through unchanged.
func New(store *cache.Store, drive DriveDownloader, opts ...Option) *Resolver {
	r := &Resolver{
		cache:           store,
		drive:           drive,
		logger:          slog.Default().With("component", "resolver"),
		previewPrefixes: []string{"/preview/"},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns a copy of the arguments with every string leaf rewritten;
// the input map is not modified. Non-string values and unrecognized strings
// pass through.
func (r *Resolver) Resolve(ctx context.Context, userID string, args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = r.resolveValue(ctx, userID, v)
	}
	return out
}

func (r *Resolver) resolveValue(ctx context.Context, userID string, v any) any {
	switch val := v.(type) {
	case string:
		return r.resolveString(ctx, userID, val)
	case map[string]any:
		return r.Resolve(ctx, userID, val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.resolveValue(ctx, userID, item)
		}
		return out
	default:
		return v
	}
}

func (r *Resolver) resolveString(ctx context.Context, userID, s string) string {
	// (i) Google Drive URL with an extractable file id.
	if fileID, ok := extractDriveFileID(s); ok {
		if resolved, ok := r.resolveDrive(ctx, userID, fileID); ok {
			return resolved
		}
		return s
	}

	// (ii) cache://{id} scheme.
	if id, ok := strings.CutPrefix(s, "cache://"); ok {
		if resolved, ok := r.resolveCacheID(id); ok {
			return resolved
		}
		return s
	}

	// (iii) preview URL, stripped to a cache id.
	if id, ok := r.stripPreviewPrefix(s); ok {
		if resolved, ok := r.resolveCacheID(id); ok {
			return resolved
		}
		return s
	}

	// (ii) bare id matching the cache-id grammar with a cache hit.
	if cache.ValidID(s) {
		if resolved, ok := r.resolveCacheID(s); ok {
			return resolved
		}
	}

	// (iv) passthrough.
	return s
}

func (r *Resolver) resolveCacheID(id string) (string, bool) {
	if !cache.ValidID(id) {
		return "", false
	}
	path, err := r.cache.Resolve(id)
	if err != nil {
		return "", false
	}
	return "file://" + path, true
}

func (r *Resolver) resolveDrive(ctx context.Context, userID, fileID string) (string, bool) {
	if !cache.ValidID(fileID) {
		return "", false
	}

	// Download once: a prior fetch of the same file id is reused.
	if path, err := r.cache.Resolve(fileID); err == nil {
		return "file://" + path, true
	}
	if r.drive == nil {
		return "", false
	}

	data, mediaType, err := r.drive.DownloadDriveFile(ctx, userID, fileID)
	if err != nil {
		r.logger.Warn("drive download failed", "file_id", fileID, "error", err)
		return "", false
	}
	path, err := r.cache.Put(fileID, extensionFor(mediaType), data)
	if err != nil {
		r.logger.Warn("cache drive file failed", "file_id", fileID, "error", err)
		return "", false
	}
	return "file://" + path, true
}

func (r *Resolver) stripPreviewPrefix(s string) (string, bool) {
	candidate := s
	if u, err := url.Parse(s); err == nil && u.Scheme != "" {
		candidate = u.Path
	}
	for _, prefix := range r.previewPrefixes {
		if rest, ok := strings.CutPrefix(candidate, prefix); ok {
			rest = strings.Trim(rest, "/")
			if idx := strings.IndexByte(rest, '/'); idx >= 0 {
				rest = rest[:idx]
			}
			// Drop a filename-style extension if present.
			if ext := path.Ext(rest); ext != "" {
				rest = strings.TrimSuffix(rest, ext)
			}
			if rest != "" {
				return rest, true
			}
		}
	}
	return "", false
}

var drivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`https://drive\.google\.com/file/d/([A-Za-z0-9_-]+)`),
	regexp.MustCompile(`https://drive\.google\.com/open\?id=([A-Za-z0-9_-]+)`),
	regexp.MustCompile(`https://docs\.google\.com/\w+/d/([A-Za-z0-9_-]+)`),
}

func extractDriveFileID(s string) (string, bool) {
	for _, pattern := range drivePatterns {
		if m := pattern.FindStringSubmatch(s); m != nil {
			return m[1], true
		}
	}
	return "", false
}

func extensionFor(mediaType string) string {
	switch {
	case strings.Contains(mediaType, "pdf"):
		return "pdf"
	case strings.Contains(mediaType, "json"):
		return "json"
	case strings.Contains(mediaType, "html"):
		return "html"
	case strings.HasPrefix(mediaType, "text/"):
		return "txt"
	default:
		return "bin"
	}
}
