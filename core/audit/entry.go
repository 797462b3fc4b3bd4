package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Level classifies audit entries.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarn     Level = "warn"
	LevelError    Level = "error"
	LevelSecurity Level = "security"
)

// levelRank orders levels for minimum-level filtering.
var levelRank = map[Level]int{
	LevelInfo:     0,
	LevelWarn:     1,
	LevelError:    2,
	LevelSecurity: 3,
}

// severe reports whether a level counts toward the error-sequence heuristic.
func (l Level) severe() bool {
	return l == LevelError || l == LevelSecurity
}

// Entry is one link in the audit chain. Hash depends on every prior entry
// through PrevHash, which is what makes silent truncation detectable.
type Entry struct {
	Sequence  uint64         `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Hash      string         `json:"hash"`
	PrevHash  string         `json:"prev_hash"`
}

// hashBody is the deterministically encoded structure the entry hash covers.
// Data is carried as its JSON encoding: encoding/json sorts map keys, so the
// bytes are reproducible after a persist/reload round trip.
type hashBody struct {
	Sequence  uint64 `cbor:"1,keyasint"`
	Timestamp int64  `cbor:"2,keyasint"`
	Level     string `cbor:"3,keyasint"`
	Message   string `cbor:"4,keyasint"`
	Data      []byte `cbor:"5,keyasint"`
	PrevHash  string `cbor:"6,keyasint"`
}

// computeHash hashes an entry's content chained to the previous hash.
func computeHash(enc cbor.EncMode, e Entry) (string, error) {
	var dataJSON []byte
	if len(e.Data) > 0 {
		var err error
		dataJSON, err = json.Marshal(e.Data)
		if err != nil {
			return "", fmt.Errorf("encode entry data: %w", err)
		}
	}

	body, err := enc.Marshal(hashBody{
		Sequence:  e.Sequence,
		Timestamp: e.Timestamp.UnixMilli(),
		Level:     string(e.Level),
		Message:   e.Message,
		Data:      dataJSON,
		PrevHash:  e.PrevHash,
	})
	if err != nil {
		return "", fmt.Errorf("encode entry hash body: %w", err)
	}

	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}
