package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/heartline/internal/domain"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestNewTokenVerifierRejectsShortSecret(t *testing.T) {
	_, err := NewTokenVerifier("short", time.Hour)
	assert.Error(t, err)
}

func TestVerify(t *testing.T) {
	v, err := NewTokenVerifier(testSecret, time.Hour)
	require.NoError(t, err)
	other, err := NewTokenVerifier("another-secret-of-enough-length", time.Hour)
	require.NoError(t, err)

	good, err := v.Issue("alice")
	require.NoError(t, err)
	foreign, err := other.Issue("alice")
	require.NoError(t, err)
	tampered := []byte(good)
	if mid := len(tampered) / 2; tampered[mid] == 'A' {
		tampered[mid] = 'B'
	} else {
		tampered[mid] = 'A'
	}

	tests := []struct {
		name       string
		credential string
		want       domain.UserID
		wantErr    bool
	}{
		{name: "plain token", credential: good, want: "alice"},
		{name: "bearer prefix", credential: "Bearer " + good, want: "alice"},
		{name: "empty", credential: "", wantErr: true},
		{name: "bearer only", credential: "Bearer ", wantErr: true},
		{name: "garbage", credential: "not-a-token", wantErr: true},
		{name: "other secret", credential: foreign, wantErr: true},
		{name: "tampered", credential: string(tampered), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uid, err := v.Verify(tt.credential)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnauthorized)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, uid)
		})
	}
}

func TestIssueRejectsInvalidUser(t *testing.T) {
	v, err := NewTokenVerifier(testSecret, time.Hour)
	require.NoError(t, err)

	_, err = v.Issue("")
	assert.Error(t, err)
	_, err = v.Issue(domain.UserID(strings.Repeat("x", domain.MaxUserIDLen+1)))
	assert.Error(t, err)
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("token-a")
	assert.Len(t, a, 16)
	assert.Equal(t, a, Fingerprint("token-a"))
	assert.NotEqual(t, a, Fingerprint("token-b"))
	assert.NotContains(t, a, "token")
}
