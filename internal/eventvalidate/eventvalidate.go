// Package eventvalidate checks and normalizes inbound provider events
// before they reach the topic bus. Each known event type has its own
// field rules; unknown types pass through with only the universal caps
// enforced.
package eventvalidate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bryanveloso/landale-bridge/internal/rterr"
)

// Universal caps applied to every payload regardless of type.
const (
	MaxPayloadBytes  = 100 * 1024
	MaxUnknownKeys   = 50
	MaxStringBytes   = 2 * 1024
	MaxChatTextBytes = 500
	MaxArrayItems    = 100
)

var usernameRE = regexp.MustCompile(`^[A-Za-z0-9_]{1,25}$`)

// fieldCheck validates one field value in place.
type fieldCheck func(key string, value any) error

// typeRules maps a known event type to per-field checks. A rule only
// fires when the field is present; required-field enforcement belongs to
// the provider protocol, not the normalizer.
var typeRules = map[string]map[string]fieldCheck{
	"channel.follow": {
		"user_id":                numericString,
		"broadcaster_user_id":    numericString,
		"user_login":             username,
		"broadcaster_user_login": username,
		"followed_at":            isoTimestamp,
	},
	"channel.update": {
		"broadcaster_user_id":    numericString,
		"broadcaster_user_login": username,
	},
	"channel.subscribe": {
		"user_id":             numericString,
		"broadcaster_user_id": numericString,
		"user_login":          username,
		"tier":                subscriptionTier,
	},
	"channel.subscription.gift": {
		"user_id":             numericString,
		"broadcaster_user_id": numericString,
		"tier":                subscriptionTier,
	},
	"channel.subscription.message": {
		"user_id":             numericString,
		"broadcaster_user_id": numericString,
		"user_login":          username,
		"tier":                subscriptionTier,
	},
	"channel.cheer": {
		"user_id":             numericString,
		"broadcaster_user_id": numericString,
		"bits":                positiveInt,
	},
	"channel.chat.message": {
		"chatter_user_id":        numericString,
		"broadcaster_user_id":    numericString,
		"chatter_user_login":     username,
		"broadcaster_user_login": username,
	},
	"stream.online": {
		"broadcaster_user_id": numericString,
		"started_at":          isoTimestamp,
	},
	"stream.offline": {
		"broadcaster_user_id": numericString,
	},
	"channel.raid": {
		"from_broadcaster_user_id": numericString,
		"to_broadcaster_user_id":   numericString,
		"viewers":                  positiveInt,
	},
}

// Normalize validates raw against the rules for eventType and the
// universal caps, returning the decoded payload on success. On failure
// it returns a KindValidationFailed error listing every violation; the
// caller must not publish the event.
func Normalize(eventType string, raw []byte) (map[string]any, error) {
	if len(raw) > MaxPayloadBytes {
		return nil, rterr.New(rterr.KindValidationFailed,
			fmt.Sprintf("payload %d bytes exceeds %d cap", len(raw), MaxPayloadBytes))
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, rterr.Wrap(rterr.KindValidationFailed, "payload is not a JSON object", err)
	}
	return NormalizeMap(eventType, payload)
}

// NormalizeMap is Normalize for an already-decoded payload. The 100 KiB
// byte cap cannot be enforced here; callers holding raw bytes should
// use Normalize.
func NormalizeMap(eventType string, payload map[string]any) (map[string]any, error) {
	var errs []string

	rules, known := typeRules[eventType]
	if !known && len(payload) > MaxUnknownKeys {
		errs = append(errs, fmt.Sprintf("%d top-level keys exceeds %d cap for unknown type", len(payload), MaxUnknownKeys))
	}

	capErrs := checkCaps(eventType, payload, 0)
	errs = append(errs, capErrs...)

	for key, check := range rules {
		value, ok := payload[key]
		if !ok {
			continue
		}
		if err := check(key, value); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return nil, rterr.New(rterr.KindValidationFailed, strings.Join(errs, "; "))
	}
	return payload, nil
}

// chatTextFields are the per-type fields held to the tighter chat cap.
var chatTextFields = map[string]string{
	"channel.chat.message": "text",
}

func checkCaps(eventType string, value any, depth int) []string {
	// Deeply nested payloads count against the array/string caps at
	// every level; recursion is bounded by the payload byte cap.
	var errs []string
	switch v := value.(type) {
	case map[string]any:
		for key, inner := range v {
			if hasControlChars(key) {
				errs = append(errs, fmt.Sprintf("key %q contains control characters", key))
			}
			if s, ok := inner.(string); ok {
				limit := MaxStringBytes
				if f, tight := chatTextFields[eventType]; tight && depth <= 1 && key == f {
					limit = MaxChatTextBytes
				}
				if len(s) > limit {
					errs = append(errs, fmt.Sprintf("field %q is %d bytes, cap %d", key, len(s), limit))
				}
				continue
			}
			errs = append(errs, checkCaps(eventType, inner, depth+1)...)
		}
	case []any:
		if len(v) > MaxArrayItems {
			errs = append(errs, fmt.Sprintf("array has %d items, cap %d", len(v), MaxArrayItems))
		}
		for _, inner := range v {
			errs = append(errs, checkCaps(eventType, inner, depth+1)...)
		}
	case string:
		if len(v) > MaxStringBytes {
			errs = append(errs, fmt.Sprintf("string value is %d bytes, cap %d", len(v), MaxStringBytes))
		}
	}
	return errs
}

func hasControlChars(s string) bool {
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return true
		}
	}
	return false
}

func numericString(key string, value any) error {
	s, ok := value.(string)
	if !ok {
		return fmt.Errorf("field %q must be a string user id", key)
	}
	if s == "" {
		return fmt.Errorf("field %q is empty", key)
	}
	if _, err := strconv.ParseUint(s, 10, 64); err != nil {
		return fmt.Errorf("field %q must be a numeric string", key)
	}
	return nil
}

func username(key string, value any) error {
	s, ok := value.(string)
	if !ok {
		return fmt.Errorf("field %q must be a string username", key)
	}
	if !usernameRE.MatchString(s) {
		return fmt.Errorf("field %q is not a valid username", key)
	}
	return nil
}

func subscriptionTier(key string, value any) error {
	s, ok := value.(string)
	if !ok {
		return fmt.Errorf("field %q must be a string tier", key)
	}
	switch s {
	case "1000", "2000", "3000":
		return nil
	}
	return fmt.Errorf("field %q must be one of 1000/2000/3000", key)
}

func positiveInt(key string, value any) error {
	f, ok := value.(float64)
	if !ok || f != float64(int64(f)) {
		return fmt.Errorf("field %q must be an integer", key)
	}
	if f <= 0 {
		return fmt.Errorf("field %q must be positive", key)
	}
	return nil
}

func isoTimestamp(key string, value any) error {
	s, ok := value.(string)
	if !ok {
		return fmt.Errorf("field %q must be a string timestamp", key)
	}
	if _, err := time.Parse(time.RFC3339, s); err != nil {
		return fmt.Errorf("field %q is not an ISO-8601 timestamp", key)
	}
	return nil
}
