package security

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSignature_Format(t *testing.T) {
	sig, err := GenerateSignature("user-1", "create a document", time.Now())
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(sig, SignaturePrefix))
	assert.GreaterOrEqual(t, len(sig), MinSignatureLength)

	body := sig[len(SignaturePrefix):]
	_, err = base64.StdEncoding.DecodeString(body)
	assert.NoError(t, err, "signature body must decode as base64")
}

func TestGenerateSignature_UniquePerCall(t *testing.T) {
	at := time.Now()
	a, err := GenerateSignature("user-1", "same request", at)
	require.NoError(t, err)
	b, err := GenerateSignature("user-1", "same request", at)
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "identical inputs must still produce distinct signatures")
}

func TestDeriveCellSignature(t *testing.T) {
	sig, err := GenerateSignature("user-1", "req", time.Now())
	require.NoError(t, err)

	derived, err := DeriveCellSignature(sig, "text_generation-abc")
	require.NoError(t, err)

	assert.Equal(t, sig[:SharedPrefixLength], derived[:SharedPrefixLength])
	assert.NoError(t, VerifySignature(derived), "derived signature must itself verify")

	// Deterministic for the same cell, distinct across cells.
	again, err := DeriveCellSignature(sig, "text_generation-abc")
	require.NoError(t, err)
	assert.Equal(t, derived, again)

	other, err := DeriveCellSignature(sig, "file_system-def")
	require.NoError(t, err)
	assert.NotEqual(t, derived, other)
	assert.Equal(t, derived[:SharedPrefixLength], other[:SharedPrefixLength])
}

func TestDeriveCellSignature_RejectsBadSolutionSig(t *testing.T) {
	_, err := DeriveCellSignature("not-a-signature", "cell-1")
	assert.Error(t, err)
}

func TestVerifySignature(t *testing.T) {
	valid, err := GenerateSignature("u", "d", time.Now())
	require.NoError(t, err)

	tests := []struct {
		name    string
		sig     string
		wantErr bool
	}{
		{"valid", valid, false},
		{"too short", "qcABCD", true},
		{"wrong prefix", "zz" + valid[2:], true},
		{"not base64", SignaturePrefix + strings.Repeat("!", MinSignatureLength), true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifySignature(tt.sig)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
