package ingest

import (
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Canonical webhook event types. Raw strings from the runtime are mapped
// onto these at the boundary; nothing downstream ever branches on a raw
// runtime string.
const (
	EvQRUpdate          = "qr_update"
	EvAuthenticated     = "authenticated"
	EvReady             = "ready"
	EvDisconnected      = "disconnected"
	EvAuthFailure       = "auth_failure"
	EvInstanceCreated   = "instance_created"
	EvInstanceDestroyed = "instance_destroyed"
)

// Event is one inbound webhook notification.
type Event struct {
	Type       string                 `json:"event"`
	InstanceID string                 `json:"instanceId"`
	Timestamp  time.Time              `json:"timestamp"`
	Data       map[string]interface{} `json:"data"`
}

// eventAliases maps the spellings observed from runtime builds onto the
// canonical types. Socket-level names ("open", "close", "qr") come from
// older runtime versions and still show up in the wild.
var eventAliases = map[string]string{
	"qr_update":          EvQRUpdate,
	"qr":                 EvQRUpdate,
	"qrcode":             EvQRUpdate,
	"authenticated":      EvAuthenticated,
	"auth":               EvAuthenticated,
	"ready":              EvReady,
	"open":               EvReady,
	"connected":          EvReady,
	"disconnected":       EvDisconnected,
	"close":              EvDisconnected,
	"closed":             EvDisconnected,
	"connection_closed":  EvDisconnected,
	"auth_failure":       EvAuthFailure,
	"auth_failed":        EvAuthFailure,
	"instance_created":   EvInstanceCreated,
	"created":            EvInstanceCreated,
	"instance_destroyed": EvInstanceDestroyed,
	"destroyed":          EvInstanceDestroyed,
	"removed":            EvInstanceDestroyed,
}

// NormalizeEventType maps a raw runtime event name onto the canonical enum.
func NormalizeEventType(raw string) (string, bool) {
	typ, ok := eventAliases[strings.ToLower(strings.TrimSpace(raw))]
	return typ, ok
}

type qrPayload struct {
	QRCode string `mapstructure:"qrCode"`
	QR     string `mapstructure:"qr"`
}

func (p qrPayload) payload() string {
	if p.QRCode != "" {
		return p.QRCode
	}
	return p.QR
}

type readyPayload struct {
	Phone       string `mapstructure:"phone"`
	Name        string `mapstructure:"name"`
	ProfileName string `mapstructure:"profileName"`
	AvatarURL   string `mapstructure:"avatarUrl"`
}

func (p readyPayload) displayName() string {
	if p.ProfileName != "" {
		return p.ProfileName
	}
	return p.Name
}

// disconnectedPayload carries both the reason code and the free-form error
// text; classification needs both because conflict markers can show up in
// either field.
type disconnectedPayload struct {
	Reason  string `mapstructure:"reason"`
	Message string `mapstructure:"message"`
}

func decodePayload(data map[string]interface{}, out interface{}) {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return
	}
	// Untrusted input; a shape mismatch just leaves zero values behind.
	_ = dec.Decode(data)
}
