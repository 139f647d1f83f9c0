// Package control carries configuration updates into the capture loop.
// Updates are plain text key=value lists so any transport able to move
// short strings can serve as a channel.
package control

import (
	"fmt"
	"strings"
)

// Channel is an asynchronous inbound stream of configuration messages.
// Recv never blocks: the capture loop polls it between batches so a
// slow or silent control plane can never stall sample delivery.
type Channel interface {
	// Recv returns the next pending message, or ok=false when none is
	// waiting.
	Recv() (msg string, ok bool)

	// Reply publishes a textual response (errors, list query results)
	// back to whoever issued the update. Best effort.
	Reply(msg string)

	Close()
}

// ParseKV splits a comma-separated key=value list. Keys are
// lower-cased; values keep their case (frequencies and gains are
// numbers, but "list" queries compare case-insensitively downstream).
func ParseKV(msg string) (map[string]string, error) {
	kv := make(map[string]string)
	for _, pair := range strings.Split(msg, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, found := strings.Cut(pair, "=")
		if !found {
			return nil, fmt.Errorf("malformed pair %q: want key=value", pair)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if key == "" {
			return nil, fmt.Errorf("malformed pair %q: empty key", pair)
		}
		kv[key] = value
	}
	return kv, nil
}
