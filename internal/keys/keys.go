// Package keys defines the key layout shared by the session store, the
// task runtime, and the redis vector adapter. Every caller goes through
// this package so the layout only exists in one place.
package keys

import (
	"strings"
)

const (
	workingPrefix   = "wm:"
	watermarkPrefix = "wmk:"
	recordPrefix    = "ltm:"
	taskPrefix      = "task:"
)

// escapeSegment percent-encodes every byte outside [A-Za-z0-9._-] so key
// segments can never collide with the ':' separators.
func escapeSegment(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
			c == '.' || c == '_' || c == '-' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexDigit(c >> 4))
		b.WriteByte(hexDigit(c & 0x0f))
	}
	return b.String()
}

func hexDigit(n byte) byte {
	if n < 10 {
		return '0' + n
	}
	return 'A' + n - 10
}

// WorkingMemory is the key holding a session's working-memory JSON blob.
func WorkingMemory(namespace, userID, sessionID string) string {
	return workingPrefix + join(namespace, userID, sessionID)
}

// WorkingMemoryLock is the advisory lock key guarding read-modify-write
// cycles on a working-memory blob.
func WorkingMemoryLock(namespace, userID, sessionID string) string {
	return WorkingMemory(namespace, userID, sessionID) + ":lock"
}

// WorkingMemoryScanPattern matches all working-memory keys in a namespace.
// An empty namespace matches every namespace.
func WorkingMemoryScanPattern(namespace string) string {
	if namespace == "" {
		return workingPrefix + "*"
	}
	return workingPrefix + escapeSegment(namespace) + ":*"
}

// SessionIDFromKey recovers the session id from a working-memory key.
func SessionIDFromKey(key string) string {
	rest := strings.TrimPrefix(key, workingPrefix)
	if i := strings.LastIndexByte(rest, ':'); i >= 0 {
		rest = rest[i+1:]
	}
	return unescape(rest)
}

// PromotionWatermark is the key holding the last promoted message id for a
// session. It lives outside the working-memory blob so it survives session
// deletion and TTL expiry.
func PromotionWatermark(namespace, userID, sessionID string) string {
	return watermarkPrefix + join(namespace, userID, sessionID)
}

// Record is the vector-store key for a long-term memory record.
func Record(id string) string {
	return recordPrefix + escapeSegment(id)
}

// RecordID recovers the record id from a vector-store key.
func RecordID(key string) string {
	return unescape(strings.TrimPrefix(key, recordPrefix))
}

// Task layout: a pending sorted set scored by ready-time, a claimed sorted
// set scored by lease deadline, a dead list, per-task body hashes, and
// per-fingerprint in-flight guards.
const (
	TaskPending = taskPrefix + "pending"
	TaskClaimed = taskPrefix + "claimed"
	TaskDead    = taskPrefix + "dead"
)

// TaskBody is the hash holding one task's name, args and attempt count.
func TaskBody(id string) string {
	return taskPrefix + "body:" + escapeSegment(id)
}

// TaskFingerprint is the in-flight guard key for a task fingerprint.
func TaskFingerprint(fp string) string {
	return taskPrefix + "fp:" + fp
}

func join(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = escapeSegment(s)
	}
	return strings.Join(escaped, ":")
}

func unescape(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			hi, ok1 := fromHex(s[i+1])
			lo, ok2 := fromHex(s[i+2])
			if ok1 && ok2 {
				b.WriteByte(hi<<4 | lo)
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func fromHex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}
