package domain

import "time"

// Media types carried in the cache. Unknown inbound types are stored as
// document so the mime fallback table always has an answer.
const (
	MediaImage    = "image"
	MediaVideo    = "video"
	MediaAudio    = "audio"
	MediaDocument = "document"
)

// MediaCacheEntry holds the resolvable sources for one message's attachment.
// Rows are created lazily, at most once per message (upsert on MessageID);
// at least one of Base64Data, CachedURL, OriginalURL is non-null once the
// row exists.
type MediaCacheEntry struct {
	MessageID         string    `json:"message_id" gorm:"primaryKey;size:128"`
	ExternalMessageID string    `json:"external_message_id" gorm:"index;size:128"`
	MediaType         string    `json:"media_type" gorm:"size:16"`
	Base64Data        *string   `json:"base64_data"`  // self-contained bytes, no data: prefix
	CachedURL         *string   `json:"cached_url"`   // pointer into durable object storage
	OriginalURL       *string   `json:"original_url"` // source the runtime originally offered
	FileSize          int64     `json:"file_size"`
	FileName          string    `json:"file_name"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (MediaCacheEntry) TableName() string {
	return "media_cache"
}
