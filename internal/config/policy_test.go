package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyLoadingAndMatching(t *testing.T) {
	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "policy1.yaml")
	policyContent := `
id: "media"
match:
  - "*.jpg"
  - "*.mp4"
  - "holiday-*"
algorithm: "ChaCha20-Poly1305"
delete_original: true
`
	err := os.WriteFile(policyFile, []byte(policyContent), 0o644)
	require.NoError(t, err)

	pm := NewPolicyManager()
	err = pm.LoadPolicies([]string{filepath.Join(tmpDir, "*.yaml")})
	require.NoError(t, err)

	tests := []struct {
		file        string
		shouldMatch bool
		policyID    string
	}{
		{"beach.jpg", true, "media"},
		{"/home/kim/clips/take1.mp4", true, "media"},
		{"holiday-list.txt", true, "media"},
		{"notes.txt", false, ""},
		{"jpg.doc", false, ""},
	}

	for _, tt := range tests {
		policy := pm.PolicyForFile(tt.file)
		if tt.shouldMatch {
			require.NotNil(t, policy, "expected policy match for %s", tt.file)
			assert.Equal(t, tt.policyID, policy.ID)
		} else {
			assert.Nil(t, policy, "expected no policy match for %s", tt.file)
		}
	}
}

func TestPolicyValidation(t *testing.T) {
	tmpDir := t.TempDir()

	write := func(name, content string) string {
		path := filepath.Join(tmpDir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}

	missingID := write("no-id.yaml", "match: ['*.txt']\n")
	pm := NewPolicyManager()
	assert.Error(t, pm.LoadPolicies([]string{missingID}))

	missingMatch := write("no-match.yaml", "id: p1\n")
	assert.Error(t, pm.LoadPolicies([]string{missingMatch}))

	badAlgorithm := write("bad-alg.yaml", "id: p2\nmatch: ['*.txt']\nalgorithm: ROT13\n")
	assert.Error(t, pm.LoadPolicies([]string{badAlgorithm}))

	decryptOnly := write("cbc.yaml", "id: p3\nmatch: ['*.txt']\nalgorithm: AES-256-CBC\n")
	assert.Error(t, pm.LoadPolicies([]string{decryptOnly}))
}

func TestPolicyApplication(t *testing.T) {
	base := DefaultConfig()
	base.Vault.DefaultAlgorithm = "AES-256-GCM"
	base.Vault.DeleteOriginals = false

	del := true
	policy := &Policy{
		ID:             "media",
		Match:          []string{"*.jpg"},
		Algorithm:      "XChaCha20-Poly1305",
		DeleteOriginal: &del,
	}

	applied := policy.ApplyToConfig(base)

	// The base config is untouched.
	assert.Equal(t, "AES-256-GCM", base.Vault.DefaultAlgorithm)
	assert.False(t, base.Vault.DeleteOriginals)

	assert.Equal(t, "XChaCha20-Poly1305", applied.Vault.DefaultAlgorithm)
	assert.True(t, applied.Vault.DeleteOriginals)

	// A policy without overrides leaves the copy identical.
	passthrough := &Policy{ID: "noop", Match: []string{"*"}}
	applied = passthrough.ApplyToConfig(base)
	assert.Equal(t, base.Vault, applied.Vault)
}
