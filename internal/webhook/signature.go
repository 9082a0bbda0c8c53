package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/savaki/archive-relay/internal/errors"
)

const AlgorithmSHA256 = "sha256"

// Signature is the parsed form of an x-hub-signature header value.
type Signature struct {
	Algorithm string
	Digest    string
}

// ParseSignature splits a header of the form <algorithm>=<hex-digest>.
func ParseSignature(header string) (Signature, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return Signature{}, errors.ErrMissingSignature
	}

	algorithm, digest, found := strings.Cut(header, "=")
	if !found {
		return Signature{}, fmt.Errorf("%w: expected <algorithm>=<digest>", errors.ErrMalformedSignature)
	}
	if digest == "" {
		return Signature{}, fmt.Errorf("%w: empty digest", errors.ErrMalformedSignature)
	}

	return Signature{
		Algorithm: strings.ToLower(algorithm),
		Digest:    digest,
	}, nil
}

// String returns the header form of the signature.
func (s Signature) String() string {
	return s.Algorithm + "=" + s.Digest
}

// Sign computes the x-hub-signature header value for body.
func Sign(secret string, body []byte) string {
	return Signature{
		Algorithm: AlgorithmSHA256,
		Digest:    hex.EncodeToString(computeHMACSHA256([]byte(secret), body)),
	}.String()
}

// Verify checks header against the HMAC-SHA256 of body. Only the digest is
// compared; the algorithm label is informational.
func Verify(secret, header string, body []byte) error {
	signature, err := ParseSignature(header)
	if err != nil {
		return err
	}

	got, err := hex.DecodeString(signature.Digest)
	if err != nil {
		return fmt.Errorf("%w: digest is not hex", errors.ErrMalformedSignature)
	}

	if !hmac.Equal(computeHMACSHA256([]byte(secret), body), got) {
		return errors.ErrInvalidSignature
	}
	return nil
}

func computeHMACSHA256(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}
