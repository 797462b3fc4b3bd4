package keymanager

import (
	"crypto/rand"
	"errors"
	"io"
	"strings"
)

const (
	lowerChars  = "abcdefghijklmnopqrstuvwxyz"
	upperChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digitChars  = "0123456789"
	symbolChars = "!@#$%^&*()-_=+[]{}<>?"

	// maxPasswordAttempts bounds the regeneration loop. The source of
	// this design retried without bound; a fixed attempt budget fails
	// explicitly instead.
	maxPasswordAttempts = 100
)

// GeneratePassword draws cryptographically secure random bytes and maps them
// into a composed character set, regenerating until the result contains at
// least one lowercase letter, one uppercase letter, one digit, and (when
// enabled) one symbol. Returns ErrPasswordPolicy if the bound of 100
// attempts is exhausted.
//
// The result is a byte slice so it can be zeroed with Wipe when no longer
// needed.
func GeneratePassword(length int, includeSymbols bool) ([]byte, error) {
	minLen := 3
	if includeSymbols {
		minLen = 4
	}
	if length < minLen {
		return nil, ErrPasswordLength
	}

	charset := lowerChars + upperChars + digitChars
	if includeSymbols {
		charset += symbolChars
	}

	for attempt := 0; attempt < maxPasswordAttempts; attempt++ {
		// Twice the needed entropy keeps modulo bias negligible for
		// charset sizes well below 128.
		raw := make([]byte, length*2)
		if _, err := io.ReadFull(rand.Reader, raw); err != nil {
			return nil, errors.Join(ErrEntropyFailure, err)
		}

		password := make([]byte, length)
		for i := range length {
			v := int(raw[i*2])<<8 | int(raw[i*2+1])
			password[i] = charset[v%len(charset)]
		}
		Wipe(raw)

		if satisfiesPolicy(password, includeSymbols) {
			return password, nil
		}
		Wipe(password)
	}

	return nil, ErrPasswordPolicy
}

// satisfiesPolicy checks the composition rules for a candidate password.
func satisfiesPolicy(password []byte, includeSymbols bool) bool {
	var hasLower, hasUpper, hasDigit, hasSymbol bool
	for _, c := range password {
		switch {
		case strings.IndexByte(lowerChars, c) >= 0:
			hasLower = true
		case strings.IndexByte(upperChars, c) >= 0:
			hasUpper = true
		case strings.IndexByte(digitChars, c) >= 0:
			hasDigit = true
		case strings.IndexByte(symbolChars, c) >= 0:
			hasSymbol = true
		}
	}
	if !hasLower || !hasUpper || !hasDigit {
		return false
	}
	if includeSymbols && !hasSymbol {
		return false
	}
	return true
}
