package media

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/waxline/waxline/internal/domain"
	"github.com/waxline/waxline/internal/store"
	"github.com/waxline/waxline/pkg/metrics"
)

// ErrUnavailable means no source in the priority chain produced a usable
// reference. It is a typed miss, not a fault; batch renders skip and move on.
var ErrUnavailable = errors.New("media unavailable")

// Source names which rung of the priority chain produced the reference.
type Source string

const (
	SourceInlineHint       Source = "inline_hint"
	SourceCacheInline      Source = "cache_inline"
	SourceCacheRef         Source = "cache_ref"
	SourceFallbackOriginal Source = "fallback_original"
)

// Resolution is a renderable media reference: either a self-contained data
// URL or a fetchable remote URL.
type Resolution struct {
	Ref      string `json:"ref"`
	Source   Source `json:"source"`
	MimeType string `json:"mime_type"`
}

// Resolver walks a fixed priority chain of media sources. First match wins;
// sources are never merged.
type Resolver struct {
	cache store.MediaCacheStore
}

func NewResolver(cache store.MediaCacheStore) *Resolver {
	return &Resolver{cache: cache}
}

// Resolve finds a renderable reference for the message's media.
// Order: self-contained hint, cached inline data, cached remote copy,
// the runtime's original URL. Anything else is ErrUnavailable.
func (r *Resolver) Resolve(ctx context.Context, messageID, inlineHint, mediaType string) (Resolution, error) {
	if isDataURL(inlineHint) {
		metrics.IncrCounter(metrics.CtMediaResolved, 1)
		return Resolution{
			Ref:      inlineHint,
			Source:   SourceInlineHint,
			MimeType: dataURLMime(inlineHint, mediaType),
		}, nil
	}

	entry := r.lookup(ctx, messageID, inlineHint)
	if entry != nil {
		if entry.MediaType != "" {
			mediaType = entry.MediaType
		}
		if entry.Base64Data != nil && *entry.Base64Data != "" {
			metrics.IncrCounter(metrics.CtMediaResolved, 1)
			return Resolution{
				Ref:      asDataURL(*entry.Base64Data, mediaType),
				Source:   SourceCacheInline,
				MimeType: dataURLMime(asDataURL(*entry.Base64Data, mediaType), mediaType),
			}, nil
		}
		if entry.CachedURL != nil && *entry.CachedURL != "" {
			metrics.IncrCounter(metrics.CtMediaResolved, 1)
			return Resolution{
				Ref:      *entry.CachedURL,
				Source:   SourceCacheRef,
				MimeType: fallbackMime(mediaType),
			}, nil
		}
		if entry.OriginalURL != nil && *entry.OriginalURL != "" && !isDataURL(*entry.OriginalURL) {
			metrics.IncrCounter(metrics.CtMediaResolved, 1)
			return Resolution{
				Ref:      *entry.OriginalURL,
				Source:   SourceFallbackOriginal,
				MimeType: fallbackMime(mediaType),
			}, nil
		}
	}

	metrics.IncrCounter(metrics.CtMediaUnavailable, 1)
	return Resolution{}, errors.Wrapf(ErrUnavailable, "message %s", messageID)
}

// lookup tries the message id first, then the hint as an original URL.
// Retrofitted rows were written before message ids were stable, so the
// original URL is their only handle.
func (r *Resolver) lookup(ctx context.Context, messageID, inlineHint string) *domain.MediaCacheEntry {
	entry, err := r.cache.Get(ctx, messageID)
	if err == nil {
		return entry
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		zap.L().Error("media cache lookup failed", zap.String("message_id", messageID), zap.Error(err))
		return nil
	}
	if inlineHint == "" {
		return nil
	}
	entry, err = r.cache.GetByOriginalURL(ctx, inlineHint)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			zap.L().Error("media cache url lookup failed", zap.Error(err))
		}
		return nil
	}
	return entry
}

func isDataURL(s string) bool {
	return strings.HasPrefix(s, "data:")
}

// asDataURL wraps stored base64 into a data URL unless it already is one.
func asDataURL(b64, mediaType string) string {
	if isDataURL(b64) {
		return b64
	}
	return "data:" + fallbackMime(mediaType) + ";base64," + b64
}

// dataURLMime extracts the mime from a data URL, falling back on the media
// type table when the header is malformed or empty.
func dataURLMime(ref, mediaType string) string {
	rest := strings.TrimPrefix(ref, "data:")
	if i := strings.IndexAny(rest, ";,"); i > 0 {
		return rest[:i]
	}
	return fallbackMime(mediaType)
}

// fallbackMime maps a media type onto a generic mime, for rows whose
// original metadata is gone.
func fallbackMime(mediaType string) string {
	switch mediaType {
	case domain.MediaImage:
		return "image/jpeg"
	case domain.MediaVideo:
		return "video/mp4"
	case domain.MediaAudio:
		return "audio/mpeg"
	default:
		return "application/octet-stream"
	}
}

// DecodeDataURL splits a data URL into raw bytes and its mime type, for
// callers that serve the bytes directly.
func DecodeDataURL(ref string) ([]byte, string, error) {
	if !isDataURL(ref) {
		return nil, "", errors.New("not a data url")
	}
	rest := strings.TrimPrefix(ref, "data:")
	comma := strings.Index(rest, ",")
	if comma < 0 {
		return nil, "", errors.New("malformed data url")
	}
	header, payload := rest[:comma], rest[comma+1:]
	mime := header
	if i := strings.Index(header, ";"); i >= 0 {
		mime = header[:i]
	}
	if mime == "" {
		mime = "application/octet-stream"
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", errors.Wrap(err, "decode data url payload")
	}
	return raw, mime, nil
}
