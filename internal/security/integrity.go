// Package security provides integrity tags and signatures for served rate payloads
package security

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// ErrSigningDisabled is returned by Sign when no key is configured
var ErrSigningDisabled = errors.New("signing key not configured")

// ErrBadSignature is returned when a signature does not match the signer
var ErrBadSignature = errors.New("signature verification failed")

// Integrity computes ETags and optional secp256k1 signatures over response bodies
type Integrity struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewIntegrity parses a hex encoded secp256k1 key. An empty key disables signing.
func NewIntegrity(hexKey string) (*Integrity, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return &Integrity{}, nil
	}

	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid signing key: %w", err)
	}
	i := &Integrity{
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
	}
	logrus.Infof("Response signing enabled for signer %s", i.address.Hex())
	return i, nil
}

// Signing reports whether a key is configured
func (i *Integrity) Signing() bool {
	return i != nil && i.privateKey != nil
}

// Address returns the signer address, or the zero address when signing is disabled
func (i *Integrity) Address() common.Address {
	return i.address
}

// ETag returns a strong entity tag derived from the Keccak-256 hash of body
func (i *Integrity) ETag(body []byte) string {
	return `"` + crypto.Keccak256Hash(body).Hex()[2:34] + `"`
}

// Matches reports whether an If-None-Match header value matches etag
func (i *Integrity) Matches(ifNoneMatch, etag string) bool {
	if ifNoneMatch == "" {
		return false
	}
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}

// Sign returns the 0x-prefixed 65 byte signature of Keccak-256(body)
func (i *Integrity) Sign(body []byte) (string, error) {
	if !i.Signing() {
		return "", ErrSigningDisabled
	}
	sig, err := crypto.Sign(crypto.Keccak256(body), i.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign payload: %w", err)
	}
	return hexutil.Encode(sig), nil
}

// Verify checks that signature over body was produced by signer
func Verify(body []byte, signature string, signer common.Address) error {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return fmt.Errorf("invalid signature length: %d", len(sig))
	}

	pub, err := crypto.SigToPub(crypto.Keccak256(body), sig)
	if err != nil {
		return fmt.Errorf("failed to recover public key: %w", err)
	}
	if !bytes.Equal(crypto.PubkeyToAddress(*pub).Bytes(), signer.Bytes()) {
		return ErrBadSignature
	}
	return nil
}
