package tamper

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/hkdf"
)

const (
	// EnvelopeVersion is the current tamper envelope format version.
	EnvelopeVersion = 1

	// AlgorithmHMAC identifies envelopes signed with HMAC-SHA256.
	AlgorithmHMAC = "HMAC-SHA256"
	// AlgorithmChecksum identifies degraded-mode envelopes carrying only
	// a non-cryptographic FNV checksum. Informational only.
	AlgorithmChecksum = "FNV-1a-CHECKSUM"

	defaultCanaryCount = 3
	canaryNonceSize    = 16
	canaryValueSize    = 32
)

// Meta carries envelope-level metadata included in the signed structure.
type Meta struct {
	Version   int       `json:"version" cbor:"1,keyasint"`
	Timestamp time.Time `json:"timestamp" cbor:"2,keyasint"`
	Algorithm string    `json:"algorithm" cbor:"3,keyasint"`
}

// Canary is an independently keyed random marker embedded in protected
// data. Each canary binds the protection key to its own index, nonce, and
// timestamp, so swapping canaries between envelopes breaks verification
// even if an aggregate signature were somehow preserved.
type Canary struct {
	Index     int    `json:"index" cbor:"1,keyasint"`
	Nonce     []byte `json:"nonce" cbor:"2,keyasint"`
	Timestamp int64  `json:"timestamp" cbor:"3,keyasint"`
	Value     []byte `json:"value" cbor:"4,keyasint"`
}

// Envelope wraps a payload with metadata, canaries, and a keyed signature.
type Envelope struct {
	Meta      Meta            `json:"meta"`
	Payload   json.RawMessage `json:"payload"`
	Canaries  []Canary        `json:"canaries"`
	Signature []byte          `json:"signature"`
}

// signingBody is the portion of the envelope covered by the signature,
// which is everything except the signature itself. Encoded with
// deterministic CBOR.
type signingBody struct {
	Meta     Meta     `cbor:"1,keyasint"`
	Payload  []byte   `cbor:"2,keyasint"`
	Canaries []Canary `cbor:"3,keyasint"`
}

// Protector produces and verifies tamper envelopes.
type Protector struct {
	canaryCount      int
	clock            clockwork.Clock
	checksumFallback bool
	detEncoding      cbor.EncMode
}

// Option configures a Protector.
type Option func(*Protector)

// WithCanaryCount sets how many canaries each envelope carries.
func WithCanaryCount(n int) Option {
	return func(p *Protector) {
		if n > 0 {
			p.canaryCount = n
		}
	}
}

// WithClock sets the clock used for envelope and canary timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(p *Protector) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithChecksumFallback enables the degraded, non-cryptographic checksum
// path for callers that have no key material. Envelopes produced this way
// detect accidental corruption only; an attacker can trivially forge them.
func WithChecksumFallback() Option {
	return func(p *Protector) {
		p.checksumFallback = true
	}
}

// New creates a Protector.
func New(opts ...Option) *Protector {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		// CoreDetEncOptions is a fixed valid configuration.
		panic(fmt.Sprintf("tamper: deterministic cbor mode: %v", err))
	}

	p := &Protector{
		canaryCount: defaultCanaryCount,
		clock:       clockwork.NewRealClock(),
		detEncoding: em,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Protect wraps data in a signed envelope. With an empty key and the
// checksum fallback enabled it produces a degraded checksum envelope
// instead; with an empty key and no fallback it fails.
func (p *Protector) Protect(data any, key []byte) (*Envelope, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Join(ErrInvalidPayload, err)
	}

	if len(key) == 0 {
		if !p.checksumFallback {
			return nil, ErrMissingKey
		}
		return p.protectChecksum(payload)
	}

	now := p.clock.Now().UTC()
	env := &Envelope{
		Meta: Meta{
			Version:   EnvelopeVersion,
			Timestamp: now,
			Algorithm: AlgorithmHMAC,
		},
		Payload: payload,
	}

	env.Canaries = make([]Canary, p.canaryCount)
	for i := range env.Canaries {
		canary, err := p.makeCanary(i, now, key)
		if err != nil {
			return nil, err
		}
		env.Canaries[i] = canary
	}

	sig, err := p.sign(env, key)
	if err != nil {
		return nil, err
	}
	env.Signature = sig
	return env, nil
}

// Verify recomputes the signature over everything except the signature
// field and compares in constant time, then independently re-derives every
// canary. Both checks must pass.
func (p *Protector) Verify(env *Envelope, key []byte) bool {
	if env == nil || len(env.Signature) == 0 {
		return false
	}

	if env.Meta.Algorithm == AlgorithmChecksum {
		return p.verifyChecksum(env)
	}
	if env.Meta.Algorithm != AlgorithmHMAC || len(key) == 0 {
		return false
	}

	expected, err := p.sign(env, key)
	if err != nil {
		return false
	}
	if subtle.ConstantTimeCompare(expected, env.Signature) != 1 {
		return false
	}

	if len(env.Canaries) == 0 {
		return false
	}
	for _, canary := range env.Canaries {
		value, err := deriveCanaryValue(key, canary.Nonce, canary.Index, canary.Timestamp)
		if err != nil {
			return false
		}
		if subtle.ConstantTimeCompare(value, canary.Value) != 1 {
			return false
		}
	}
	return true
}

// Unwrap verifies an envelope and unmarshals its payload into dst.
func (p *Protector) Unwrap(env *Envelope, key []byte, dst any) error {
	if !p.Verify(env, key) {
		return errors.New("tamper verification failed")
	}
	return json.Unmarshal(env.Payload, dst)
}

// makeCanary builds one canary: a random nonce, the protection timestamp,
// and a keyed derivation bound to the canary's index.
func (p *Protector) makeCanary(index int, now time.Time, key []byte) (Canary, error) {
	nonce := make([]byte, canaryNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Canary{}, errors.Join(ErrEntropyFailure, err)
	}

	ts := now.UnixMilli()
	value, err := deriveCanaryValue(key, nonce, index, ts)
	if err != nil {
		return Canary{}, err
	}

	return Canary{
		Index:     index,
		Nonce:     nonce,
		Timestamp: ts,
		Value:     value,
	}, nil
}

// deriveCanaryValue computes HKDF-SHA256(key, salt=nonce, info=index+ts).
func deriveCanaryValue(key, nonce []byte, index int, timestamp int64) ([]byte, error) {
	info := fmt.Sprintf("canary:%d:%d", index, timestamp)
	r := hkdf.New(sha256.New, key, nonce, []byte(info))
	value := make([]byte, canaryValueSize)
	if _, err := io.ReadFull(r, value); err != nil {
		return nil, errors.Join(ErrSigningFailed, err)
	}
	return value, nil
}

// sign computes HMAC-SHA256 over the deterministic CBOR encoding of the
// envelope minus its signature field.
func (p *Protector) sign(env *Envelope, key []byte) ([]byte, error) {
	body, err := p.detEncoding.Marshal(signingBody{
		Meta:     env.Meta,
		Payload:  env.Payload,
		Canaries: env.Canaries,
	})
	if err != nil {
		return nil, errors.Join(ErrSigningFailed, err)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return mac.Sum(nil), nil
}

// protectChecksum builds a degraded envelope carrying only an FNV checksum.
func (p *Protector) protectChecksum(payload []byte) (*Envelope, error) {
	env := &Envelope{
		Meta: Meta{
			Version:   EnvelopeVersion,
			Timestamp: p.clock.Now().UTC(),
			Algorithm: AlgorithmChecksum,
		},
		Payload: payload,
	}
	env.Signature = checksum(env)
	return env, nil
}

func (p *Protector) verifyChecksum(env *Envelope) bool {
	if !p.checksumFallback {
		// Degraded envelopes are rejected outright unless the caller
		// explicitly opted into the weaker capability.
		return false
	}
	return subtle.ConstantTimeCompare(checksum(env), env.Signature) == 1
}

func checksum(env *Envelope) []byte {
	h := fnv.New64a()
	h.Write([]byte(env.Meta.Algorithm))
	h.Write([]byte(env.Meta.Timestamp.UTC().Format(time.RFC3339Nano)))
	h.Write(env.Payload)
	return h.Sum(nil)
}
