package identity

import (
	"strings"

	"maunium.net/go/mautrix/id"
)

// Bridging platforms.
const (
	PlatformDiscord = "discord"
	PlatformMatrix  = "matrix"
)

// DefaultPlatform is assumed when a hint does not name one.
const DefaultPlatform = PlatformDiscord

// Hint carries the chat-platform account that identifies a source user
// across systems. Legacy and current systems both record it, which makes it
// the bridge between a source-specific user ID and a canonical persona.
type Hint struct {
	Platform  string
	AccountID string
}

// NormalizeBridgingKey returns the canonical bridging key for h, or false
// when h carries nothing usable.
//
// Matrix accounts are keyed by their full user ID ("@alice:example.org"),
// lowercased. Other platforms are keyed as "platform:account".
func NormalizeBridgingKey(h *Hint) (string, bool) {
	if h == nil {
		return "", false
	}
	account := strings.TrimSpace(h.AccountID)
	if account == "" {
		return "", false
	}
	platform := strings.ToLower(strings.TrimSpace(h.Platform))
	if platform == "" {
		platform = DefaultPlatform
		if strings.HasPrefix(account, "@") && strings.Contains(account, ":") {
			platform = PlatformMatrix
		}
	}

	if platform == PlatformMatrix {
		localpart, homeserver, err := id.UserID(account).Parse()
		if err != nil || localpart == "" || homeserver == "" {
			return "", false
		}
		return id.NewUserID(strings.ToLower(localpart), strings.ToLower(homeserver)).String(), true
	}
	return platform + ":" + account, true
}
