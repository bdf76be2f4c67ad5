// Package digest computes and compares content digests for datastreams.
package digest

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm names a supported digest algorithm.
type Algorithm string

const (
	MD5    Algorithm = "MD5"
	SHA256 Algorithm = "SHA-256"
	BLAKE3 Algorithm = "BLAKE3"
)

// ParseAlgorithm accepts the common spellings ("sha256", "SHA-256", "md5", "blake3").
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "")) {
	case "MD5":
		return MD5, nil
	case "SHA256":
		return SHA256, nil
	case "BLAKE3":
		return BLAKE3, nil
	default:
		return "", fmt.Errorf("unsupported digest algorithm %q", s)
	}
}

func (a Algorithm) newHash() hash.Hash {
	switch a {
	case MD5:
		return md5.New()
	case SHA256:
		return sha256.New()
	case BLAKE3:
		return blake3.New()
	}
	return nil
}

// Digest is an algorithm plus lowercase hex value.
type Digest struct {
	Algorithm Algorithm `json:"algorithm"`
	Value     string    `json:"value"`
}

// New normalises algorithm and value into a Digest.
func New(algorithm, value string) (Digest, error) {
	a, err := ParseAlgorithm(algorithm)
	if err != nil {
		return Digest{}, err
	}
	v := strings.ToLower(strings.TrimSpace(value))
	if _, err := hex.DecodeString(v); err != nil {
		return Digest{}, fmt.Errorf("digest value %q is not hex: %w", value, err)
	}
	return Digest{Algorithm: a, Value: v}, nil
}

func (d Digest) IsZero() bool { return d.Value == "" }

func (d Digest) String() string {
	if d.IsZero() {
		return ""
	}
	return string(d.Algorithm) + ":" + d.Value
}

// Equal reports whether both digests use the same algorithm and value.
func (d Digest) Equal(other Digest) bool {
	return d.Algorithm == other.Algorithm && strings.EqualFold(d.Value, other.Value)
}

// A Writer wraps an io.Writer and hashes everything written through it.
type Writer struct {
	io.Writer
	hashes map[Algorithm]hash.Hash
}

// NewWriter returns a Writer that forwards to w (which may be nil) while
// computing each of algs.
func NewWriter(w io.Writer, algs ...Algorithm) *Writer {
	hw := &Writer{hashes: make(map[Algorithm]hash.Hash, len(algs))}
	writers := make([]io.Writer, 0, len(algs)+1)
	if w != nil {
		writers = append(writers, w)
	}
	for _, a := range algs {
		h := a.newHash()
		if h == nil {
			continue
		}
		hw.hashes[a] = h
		writers = append(writers, h)
	}
	hw.Writer = io.MultiWriter(writers...)
	return hw
}

// Sum returns the digest computed so far for a, or the zero Digest if a was not requested.
func (hw *Writer) Sum(a Algorithm) Digest {
	h, ok := hw.hashes[a]
	if !ok {
		return Digest{}
	}
	return Digest{Algorithm: a, Value: hex.EncodeToString(h.Sum(nil))}
}

// Compute digests r with algorithm a. The reader is not closed.
func Compute(r io.Reader, a Algorithm) (Digest, error) {
	if a.newHash() == nil {
		return Digest{}, fmt.Errorf("unsupported digest algorithm %q", a)
	}
	hw := NewWriter(nil, a)
	if _, err := io.Copy(hw, r); err != nil {
		return Digest{}, fmt.Errorf("digest stream: %w", err)
	}
	return hw.Sum(a), nil
}

// Verify digests r with want's algorithm and compares. A zero want always matches.
func Verify(r io.Reader, want Digest) (Digest, bool, error) {
	if want.IsZero() {
		return Digest{}, true, nil
	}
	got, err := Compute(r, want.Algorithm)
	if err != nil {
		return Digest{}, false, err
	}
	return got, got.Equal(want), nil
}
