// Package security implements the orchestrator's security gate: quantum
// signature generation and verification, per-cell permission derivation
// from capability templates, and inter-cell connection policy.
//
// A quantum signature is an opaque token: "qc" + base64. Its trust is
// rooted entirely in this package's generator; the verifier checks
// well-formedness and prefix linkage only.
package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/quantaleap/cellforge/pkg/fault"
)

const (
	// SignaturePrefix starts every well-formed quantum signature.
	SignaturePrefix = "qc"
	// MinSignatureLength is the verifier's lower bound on total length.
	MinSignatureLength = 64
	// SharedPrefixLength is how many leading characters a cell signature
	// shares with its solution signature.
	SharedPrefixLength = 10

	// 48 bytes encode to exactly 64 base64 characters, no padding.
	signatureEntropyBytes = 48
	// 42 bytes encode to exactly 56 base64 characters, no padding. Together
	// with the 8 carried-over prefix characters the remainder stays a valid
	// base64 string.
	derivedEntropyBytes = 42
)

// GenerateSignature produces a fresh solution signature bound to the given
// identity material. The binding hash contributes half the entropy; the
// rest is drawn from the system RNG so two identical requests never share
// a signature.
func GenerateSignature(userID, intentDigest string, at time.Time) (string, error) {
	binding := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", userID, intentDigest, at.UnixNano())))

	raw := make([]byte, signatureEntropyBytes)
	copy(raw, binding[:])
	if _, err := rand.Read(raw[len(binding):]); err != nil {
		return "", fmt.Errorf("signature entropy: %w", err)
	}

	return SignaturePrefix + base64.StdEncoding.EncodeToString(raw), nil
}

// DeriveCellSignature derives a per-cell signature from a solution
// signature. The first SharedPrefixLength characters are carried over
// verbatim; the remainder is HKDF-SHA256 keyed by the cell ID, so distinct
// cells of one solution get distinct but linkable signatures.
func DeriveCellSignature(solutionSig, cellID string) (string, error) {
	if err := VerifySignature(solutionSig); err != nil {
		return "", err
	}

	kdf := hkdf.New(sha256.New, []byte(solutionSig), nil, []byte(cellID))
	derived := make([]byte, derivedEntropyBytes)
	if _, err := io.ReadFull(kdf, derived); err != nil {
		return "", fmt.Errorf("derive cell signature: %w", err)
	}

	return solutionSig[:SharedPrefixLength] + base64.StdEncoding.EncodeToString(derived), nil
}

// VerifySignature checks well-formedness: length, prefix, and that the
// remainder decodes as base64.
func VerifySignature(sig string) error {
	if len(sig) < MinSignatureLength {
		return &fault.SecurityVerificationError{
			Stage:  "verify_signature",
			Reason: fmt.Sprintf("signature too short: %d < %d", len(sig), MinSignatureLength),
		}
	}
	if sig[:len(SignaturePrefix)] != SignaturePrefix {
		return &fault.SecurityVerificationError{
			Stage:  "verify_signature",
			Reason: "signature does not start with " + SignaturePrefix,
		}
	}
	if _, err := base64.StdEncoding.DecodeString(sig[len(SignaturePrefix):]); err != nil {
		return &fault.SecurityVerificationError{
			Stage:  "verify_signature",
			Reason: "signature body is not base64",
		}
	}
	return nil
}
