package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTManager_RoundTrip(t *testing.T) {
	m := NewJWTManager("secret", "")
	token, err := m.GenerateToken("alice", time.Minute)
	require.NoError(t, err)

	claims, err := m.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "filevault-backend", claims.Issuer)
}

func TestJWTManager_Rejects(t *testing.T) {
	m := NewJWTManager("secret", "filevault")

	_, err := m.GenerateToken("", time.Minute)
	assert.Error(t, err)

	other := NewJWTManager("other-secret", "filevault")
	token, err := other.GenerateToken("alice", time.Minute)
	require.NoError(t, err)
	_, err = m.VerifyToken(token)
	assert.Error(t, err, "wrong signing key")

	wrongIssuer := NewJWTManager("secret", "someone-else")
	token, err = wrongIssuer.GenerateToken("alice", time.Minute)
	require.NoError(t, err)
	_, err = m.VerifyToken(token)
	assert.Error(t, err, "wrong issuer")

	past := time.Now().Add(-2 * time.Hour)
	m.now = func() time.Time { return past }
	token, err = m.GenerateToken("alice", time.Minute)
	require.NoError(t, err)
	m.now = time.Now
	_, err = m.VerifyToken(token)
	assert.Error(t, err, "expired")
}

func TestExtractTokenFromHeader(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{header: "Bearer abc.def", want: "abc.def"},
		{header: "Bearer   ", wantErr: true},
		{header: "Basic abc", wantErr: true},
		{header: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ExtractTokenFromHeader(tt.header)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidAuthHeader, tt.header)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
