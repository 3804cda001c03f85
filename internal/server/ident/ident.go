// Package ident generates the short identifiers that name stored uploads.
//
// Identifiers double as bearer capabilities: anyone holding one can fetch the
// object. They are therefore drawn from crypto/rand, never math/rand.
//
// The allocator is a pure generator and never checks storage for collisions.
// Callers that persist under an allocated identifier must treat "already
// exists" as a signal to allocate again (see service.UploadService).
package ident

import (
	"crypto/rand"
	"fmt"
	"io"
)

// Alphabet is the 62-character URL-safe set identifiers are drawn from.
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// rejectFrom is the first byte value that would bias index selection:
// 248 is the largest multiple of 62 that fits in a byte.
const rejectFrom = 256 - 256%len(Alphabet)

const (
	DefaultLength = 6
	MinLength     = 4
	MaxLength     = 32
)

// Allocator produces fixed-length random identifiers.
type Allocator struct {
	length  int
	entropy io.Reader
}

// NewAllocator returns an allocator producing identifiers of the given length,
// backed by crypto/rand. Lengths outside [MinLength, MaxLength] are rejected.
func NewAllocator(length int) (*Allocator, error) {
	return NewAllocatorWithSource(length, rand.Reader)
}

// NewAllocatorWithSource is NewAllocator with an explicit entropy source.
func NewAllocatorWithSource(length int, entropy io.Reader) (*Allocator, error) {
	if length < MinLength || length > MaxLength {
		return nil, fmt.Errorf("identifier length %d out of range [%d, %d]", length, MinLength, MaxLength)
	}
	return &Allocator{length: length, entropy: entropy}, nil
}

// Length reports the number of characters in each identifier.
func (a *Allocator) Length() int {
	return a.length
}

// Allocate returns a new identifier. Each character is selected uniformly
// from Alphabet by rejection sampling over raw entropy bytes.
func (a *Allocator) Allocate() (string, error) {
	result := make([]byte, 0, a.length)
	buf := make([]byte, a.length)
	for len(result) < a.length {
		if _, err := io.ReadFull(a.entropy, buf); err != nil {
			return "", fmt.Errorf("entropy source failure: %w", err)
		}
		for _, b := range buf {
			if int(b) >= rejectFrom {
				continue
			}
			result = append(result, Alphabet[int(b)%len(Alphabet)])
			if len(result) == a.length {
				break
			}
		}
	}
	return string(result), nil
}

// Valid reports whether s is shaped like an identifier from any allocator:
// alphanumeric and within the allowed length range.
func Valid(s string) bool {
	if len(s) < MinLength || len(s) > MaxLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isAlnum(s[i]) {
			return false
		}
	}
	return true
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
