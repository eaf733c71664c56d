// ABOUTME: Tests for device credential minting and integrity verification
// ABOUTME: Covers format, tamper detection, and collision resistance

package registry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredential_IssueAndVerify(t *testing.T) {
	ci := NewCredentialIssuer("secret")

	cred, err := ci.Issue()
	require.NoError(t, err)

	parts := strings.Split(cred, ".")
	require.Len(t, parts, 2)
	assert.Len(t, parts[0], 64) // 32 bytes hex
	assert.Len(t, parts[1], 64) // SHA-256 HMAC hex

	assert.NoError(t, ci.Verify(cred))
}

func TestCredential_RejectsTampering(t *testing.T) {
	ci := NewCredentialIssuer("secret")

	cred, err := ci.Issue()
	require.NoError(t, err)

	// Flip one character of the random part
	b := []byte(cred)
	if b[0] == '0' {
		b[0] = '1'
	} else {
		b[0] = '0'
	}
	assert.ErrorIs(t, ci.Verify(string(b)), ErrBadCredential)

	assert.ErrorIs(t, ci.Verify("no-separator"), ErrBadCredential)
	assert.ErrorIs(t, ci.Verify(".tag-only"), ErrBadCredential)
	assert.ErrorIs(t, ci.Verify("random-only."), ErrBadCredential)
}

func TestCredential_DifferentSecretsDisagree(t *testing.T) {
	a := NewCredentialIssuer("secret-a")
	b := NewCredentialIssuer("secret-b")

	cred, err := a.Issue()
	require.NoError(t, err)

	assert.NoError(t, a.Verify(cred))
	assert.ErrorIs(t, b.Verify(cred), ErrBadCredential)
}

func TestCredential_NoCollisions(t *testing.T) {
	ci := NewCredentialIssuer("secret")

	seen := make(map[string]bool, 10000)
	for i := 0; i < 10000; i++ {
		cred, err := ci.Issue()
		require.NoError(t, err)
		require.False(t, seen[cred], "credential collision after %d generations", i)
		seen[cred] = true
	}
}
