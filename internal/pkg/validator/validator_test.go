package validator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIPOrDefault(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"192.168.1.10", "192.168.1.10"},
		{" 10.0.0.1 ", "10.0.0.1"},
		{"fe80::1%eth0", "fe80::1"},
		{"2001:DB8::1", "2001:db8::1"},
		{"", "unknown"},
		{"not-an-ip", "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IPOrDefault(tt.in, "unknown"), tt.in)
	}
}

func TestUserID(t *testing.T) {
	assert.NoError(t, UserID("alice"))
	assert.NoError(t, UserID("用户-42"))
	assert.NoError(t, UserID(strings.Repeat("a", MaxUserIDLength)))
	assert.ErrorIs(t, UserID(strings.Repeat("a", MaxUserIDLength+1)), ErrUserIDTooLong)
	assert.ErrorIs(t, UserID("bad\x00id"), ErrUserIDInvalid)
	assert.ErrorIs(t, UserID("tab\tid"), ErrUserIDInvalid)
	assert.ErrorIs(t, UserID(string([]byte{0xff, 0xfe})), ErrUserIDInvalid)
}
