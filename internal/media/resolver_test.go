package media

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/waxline/waxline/internal/domain"
	"github.com/waxline/waxline/internal/store"
)

func strptr(s string) *string { return &s }

func newResolver(t *testing.T) (*Resolver, store.MediaCacheStore) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(domain.Tables...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cache := store.NewGormMediaCacheStore(db)
	return NewResolver(cache), cache
}

func TestInlineHintWins(t *testing.T) {
	r, cache := newResolver(t)
	// Even with a cached row present, a self-contained hint short-circuits.
	if err := cache.Upsert(context.Background(), &domain.MediaCacheEntry{
		MessageID: "m1",
		MediaType: domain.MediaImage,
		CachedURL: strptr("https://cdn.example.com/m1.jpg"),
	}); err != nil {
		t.Fatal(err)
	}

	res, err := r.Resolve(context.Background(), "m1", "data:image/png;base64,aGk=", domain.MediaImage)
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != SourceInlineHint {
		t.Fatalf("source = %s, want inline_hint", res.Source)
	}
	if res.MimeType != "image/png" {
		t.Fatalf("mime = %s, want image/png", res.MimeType)
	}
}

func TestCacheInlineBeatsCachedRef(t *testing.T) {
	r, cache := newResolver(t)
	if err := cache.Upsert(context.Background(), &domain.MediaCacheEntry{
		MessageID:  "m1",
		MediaType:  domain.MediaImage,
		Base64Data: strptr(base64.StdEncoding.EncodeToString([]byte("pixels"))),
		CachedURL:  strptr("https://cdn.example.com/m1.jpg"),
	}); err != nil {
		t.Fatal(err)
	}

	res, err := r.Resolve(context.Background(), "m1", "", domain.MediaImage)
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != SourceCacheInline {
		t.Fatalf("source = %s, want cache_inline", res.Source)
	}
	raw, mime, err := DecodeDataURL(res.Ref)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "pixels" {
		t.Fatalf("decoded payload = %q", raw)
	}
	if mime != "image/jpeg" {
		t.Fatalf("mime = %s, want image/jpeg fallback", mime)
	}
}

func TestCachedRefBeatsOriginal(t *testing.T) {
	r, cache := newResolver(t)
	if err := cache.Upsert(context.Background(), &domain.MediaCacheEntry{
		MessageID:   "m1",
		MediaType:   domain.MediaVideo,
		CachedURL:   strptr("https://cdn.example.com/m1.mp4"),
		OriginalURL: strptr("https://runtime.example.com/raw/m1"),
	}); err != nil {
		t.Fatal(err)
	}

	res, err := r.Resolve(context.Background(), "m1", "", domain.MediaVideo)
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != SourceCacheRef {
		t.Fatalf("source = %s, want cache_ref", res.Source)
	}
	if res.Ref != "https://cdn.example.com/m1.mp4" {
		t.Fatalf("ref = %s", res.Ref)
	}
}

func TestFallbackOriginal(t *testing.T) {
	r, cache := newResolver(t)
	if err := cache.Upsert(context.Background(), &domain.MediaCacheEntry{
		MessageID:   "m1",
		MediaType:   domain.MediaAudio,
		OriginalURL: strptr("https://runtime.example.com/raw/m1"),
	}); err != nil {
		t.Fatal(err)
	}

	res, err := r.Resolve(context.Background(), "m1", "", domain.MediaAudio)
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != SourceFallbackOriginal {
		t.Fatalf("source = %s, want fallback_original", res.Source)
	}
	if res.MimeType != "audio/mpeg" {
		t.Fatalf("mime = %s, want audio/mpeg", res.MimeType)
	}
}

func TestDataOriginalNotServed(t *testing.T) {
	r, cache := newResolver(t)
	// original_url rows that hold a data URL are leftovers from a bad
	// import; they are not a fetchable reference.
	if err := cache.Upsert(context.Background(), &domain.MediaCacheEntry{
		MessageID:   "m1",
		MediaType:   domain.MediaImage,
		OriginalURL: strptr("data:image/png;base64,aGk="),
	}); err != nil {
		t.Fatal(err)
	}

	_, err := r.Resolve(context.Background(), "m1", "", domain.MediaImage)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}
}

func TestMissIsTyped(t *testing.T) {
	r, _ := newResolver(t)
	_, err := r.Resolve(context.Background(), "nope", "", domain.MediaDocument)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}
}

func TestLookupByOriginalURL(t *testing.T) {
	r, cache := newResolver(t)
	if err := cache.Upsert(context.Background(), &domain.MediaCacheEntry{
		MessageID:  "legacy-1",
		MediaType:  domain.MediaImage,
		Base64Data: strptr(base64.StdEncoding.EncodeToString([]byte("old"))),
		OriginalURL: strptr("https://runtime.example.com/raw/legacy"),
	}); err != nil {
		t.Fatal(err)
	}

	// Caller only knows the original URL; the row is found through it.
	res, err := r.Resolve(context.Background(), "unknown-id", "https://runtime.example.com/raw/legacy", domain.MediaImage)
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != SourceCacheInline {
		t.Fatalf("source = %s, want cache_inline", res.Source)
	}
}

func TestFallbackMimeTable(t *testing.T) {
	cases := map[string]string{
		domain.MediaImage:    "image/jpeg",
		domain.MediaVideo:    "video/mp4",
		domain.MediaAudio:    "audio/mpeg",
		domain.MediaDocument: "application/octet-stream",
		"":                   "application/octet-stream",
	}
	for in, want := range cases {
		if got := fallbackMime(in); got != want {
			t.Errorf("fallbackMime(%q) = %q, want %q", in, got, want)
		}
	}
}
