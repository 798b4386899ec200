package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPassword(t *testing.T) {
	password := "reviewer-passphrase-123"

	hash, err := HashPassword(password)
	require.NoError(t, err)
	assert.NotEmpty(t, hash)
	assert.NotEqual(t, password, hash)

	again, err := HashPassword(password)
	require.NoError(t, err)
	assert.NotEqual(t, hash, again, "hashes must be salted")
}

func TestCheckPassword(t *testing.T) {
	hash, err := HashPassword("reviewer-passphrase-123")
	require.NoError(t, err)

	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{"matching", "reviewer-passphrase-123", false},
		{"wrong", "reviewer-passphrase-124", true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckPassword(hash, tt.password)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
