// Package license validates license keys and resolves activation
// outcomes. The blocking rules live here, in one reviewable table,
// instead of being inferred from error text at call sites.
package license

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/camforge/camforge/internal/retry"
)

var (
	// ErrForbiddenKey marks a key matching a known placeholder pattern.
	// Such keys are rejected at every entry point, before any device
	// sees them.
	ErrForbiddenKey = errors.New("license key matches a placeholder pattern")

	// ErrInvalidKey marks a key the device or the validator rejected
	// as malformed.
	ErrInvalidKey = errors.New("license key is invalid")

	// ErrAlreadyBound marks a key active on another device. This is a
	// blocking failure for the whole device phase.
	ErrAlreadyBound = errors.New("license key already bound to another device")
)

// placeholderWords are fragments that only appear in fake keys.
var placeholderWords = []string{"FAKE", "TEST", "DEMO", "SAMPLE", "PLACEHOLDER", "XXXX"}

// Validate rejects keys that must never reach a device. The check is
// separator- and encoding-agnostic: keys are percent-decoded, stripped
// of separators, and uppercased before matching.
func Validate(key string) error {
	normalized := Normalize(key)
	if normalized == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if isRepeated(normalized) {
		return fmt.Errorf("%w: single repeated character", ErrForbiddenKey)
	}
	for _, word := range placeholderWords {
		if strings.Contains(normalized, word) {
			return fmt.Errorf("%w: contains %q", ErrForbiddenKey, word)
		}
	}
	return nil
}

// Normalize reduces a key to its canonical comparison form.
func Normalize(key string) string {
	if decoded, err := url.PathUnescape(key); err == nil {
		key = decoded
	}
	key = strings.TrimSpace(key)
	key = strings.Map(func(r rune) rune {
		switch r {
		case '-', '_', '.', ' ', '\t':
			return -1
		}
		return r
	}, key)
	return strings.ToUpper(key)
}

func isRepeated(s string) bool {
	for i := 1; i < len(s); i++ {
		if s[i] != s[0] {
			return false
		}
	}
	return len(s) > 0
}

// Mask renders a key for display without exposing it.
func Mask(key string) string {
	normalized := Normalize(key)
	if len(normalized) <= 8 {
		return "****"
	}
	return normalized[:4] + "..." + normalized[len(normalized)-4:]
}

// State is the three-way activation verdict.
type State string

const (
	StateSuccess   State = "success"
	StateUncertain State = "uncertain"
	StateFailed    State = "failed"
)

// Outcome is the result of one device's activation attempt.
type Outcome struct {
	DeviceID string `json:"deviceId"`
	State    State  `json:"state"`
	Blocking bool   `json:"blocking"`
	Message  string `json:"message"`
}

// Resolve applies the blocking decision table to a finished activation
// attempt. err is the final error after retries, nil when the device
// accepted the key; verified reports whether acceptance was confirmed.
//
//	accepted + verified            -> success,   not blocking
//	accepted, unverified           -> uncertain, not blocking (warning)
//	transient, retries exhausted   -> failed,    not blocking
//	invalid or forbidden key       -> failed,    blocking
//	bound to another device        -> failed,    blocking
//	anything else                  -> failed,    blocking
func Resolve(deviceID string, err error, verified bool) Outcome {
	switch {
	case err == nil && verified:
		return Outcome{DeviceID: deviceID, State: StateSuccess, Message: "license activated"}
	case err == nil:
		return Outcome{
			DeviceID: deviceID,
			State:    StateUncertain,
			Message:  "license accepted, verification inconclusive",
		}
	case errors.Is(err, ErrAlreadyBound):
		return Outcome{DeviceID: deviceID, State: StateFailed, Blocking: true, Message: err.Error()}
	case errors.Is(err, ErrForbiddenKey) || errors.Is(err, ErrInvalidKey):
		return Outcome{DeviceID: deviceID, State: StateFailed, Blocking: true, Message: err.Error()}
	case retry.IsExhausted(err):
		return Outcome{
			DeviceID: deviceID,
			State:    StateFailed,
			Message:  fmt.Sprintf("activation unreachable: %v", err),
		}
	default:
		return Outcome{DeviceID: deviceID, State: StateFailed, Blocking: true, Message: err.Error()}
	}
}

// Summarize reduces per-device outcomes to the phase verdict: the
// phase passes when at least one device activated (or is uncertain)
// and no device hit a blocking failure.
func Summarize(outcomes []Outcome) (ok bool, blocking []Outcome) {
	anyUsable := false
	for _, outcome := range outcomes {
		if outcome.Blocking {
			blocking = append(blocking, outcome)
		}
		if outcome.State == StateSuccess || outcome.State == StateUncertain {
			anyUsable = true
		}
	}
	return anyUsable && len(blocking) == 0, blocking
}
