package brocker

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	uuid "github.com/satori/go.uuid"
)

// messageIDLength is the length of a minted message ID, per the codec's
// default-injection rule.
const messageIDLength = 21

// newMessageID mints a 21-character URL-safe identifier. The teacher's own
// DefaultConsumerTag/DefaultAppID build short identifiers by truncating a
// UUID's string form; here the raw 16 bytes of a v4 UUID are base64
// URL-encoded (22 chars, one padding-free trailing char dropped) instead,
// which spreads entropy over the full alphabet rather than over hex digits.
func newMessageID() string {
	id := uuid.NewV4()
	encoded := base64.RawURLEncoding.EncodeToString(id.Bytes())
	if len(encoded) > messageIDLength {
		return encoded[:messageIDLength]
	}
	return encoded
}

// nowMillis returns the current time as milliseconds since the epoch, used
// to default a message's timestamp.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// processAppID returns a process-identifier string suitable as the default
// appId for outbound messages: hostname plus pid, mirroring the teacher's
// own "p-rabbit-<id>" style default but carrying real process identity
// instead of a random suffix.
func processAppID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// newConsumerTag mints a consumer tag the same way the teacher's
// DefaultConsumerTag does: an 8-character slice of a fresh UUID.
func newConsumerTag(prefix string) string {
	return prefix + "-" + uuid.NewV4().String()[0:8]
}
