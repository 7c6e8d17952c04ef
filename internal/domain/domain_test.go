package domain

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("directory-secret"))
	require.NoError(t, err)
	return raw
}

func TestParseSessionToken(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	raw := signed(t, jwt.MapClaims{
		"sid":        "stage-42",
		"exp":        exp.Unix(),
		"attributes": map[string]any{"username": "kiwi-1", "seat": 3},
	})

	st, err := ParseSessionToken(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, st.Token)
	assert.Equal(t, "stage-42", st.SessionID)
	assert.True(t, st.Expiration.Equal(exp))
	assert.Equal(t, map[string]string{"username": "kiwi-1"}, st.Attributes)
	assert.False(t, st.Expired(time.Now()))
	assert.True(t, st.Expired(exp))
}

func TestParseSessionTokenEdgeCases(t *testing.T) {
	st, err := ParseSessionToken("")
	require.NoError(t, err)
	assert.False(t, st.Expired(time.Now()))

	st, err = ParseSessionToken(signed(t, jwt.MapClaims{"sub": "x"}))
	require.NoError(t, err)
	assert.True(t, st.Expiration.IsZero())
	assert.False(t, st.Expired(time.Now().Add(100*365*24*time.Hour)))

	_, err = ParseSessionToken("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSessionRemaining(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		exp    time.Time
		want   time.Duration
		wantOK bool
	}{
		{"no expiration", time.Time{}, 0, false},
		{"floors to seconds", now.Add(90*time.Second + 900*time.Millisecond), 90 * time.Second, true},
		{"expired clamps to zero", now.Add(-time.Minute), 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			left, ok := SessionToken{Expiration: tt.exp}.Remaining(now)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, left)
		})
	}
}

func TestNewUser(t *testing.T) {
	u, err := NewUser("kiwi-1")
	require.NoError(t, err)
	assert.Len(t, string(u.ID), 36)
	assert.Equal(t, map[string]string{"userId": string(u.ID), "username": "kiwi-1"}, u.Attributes())

	_, err = NewUser("")
	assert.ErrorIs(t, err, ErrUsernameEmpty)
	_, err = NewUser(strings.Repeat("x", MaxUsernameLen+1))
	assert.ErrorIs(t, err, ErrUsernameTooLong)

	assert.ErrorIs(t, u.SetUsername(""), ErrUsernameEmpty)
	require.NoError(t, u.SetUsername("plum-2"))
	assert.Equal(t, "plum-2", u.Username)
}

func TestRandomUsername(t *testing.T) {
	re := regexp.MustCompile(`^[a-z]+-\d{1,3}$`)
	for range 20 {
		assert.Regexp(t, re, RandomUsername())
	}
}

func TestPartitionDevices(t *testing.T) {
	audio, video := PartitionDevices([]Device{
		{DeviceID: "m", Kind: DeviceAudioInput},
		{DeviceID: "c", Kind: DeviceVideoInput},
		{DeviceID: "s", Kind: "audiooutput"},
	})
	assert.Equal(t, []Device{{DeviceID: "m", Kind: DeviceAudioInput}}, audio)
	assert.Equal(t, []Device{{DeviceID: "c", Kind: DeviceVideoInput}}, video)
	assert.True(t, ContainsDevice(audio, "m"))
	assert.False(t, ContainsDevice(audio, "c"))

	audio, video = PartitionDevices(nil)
	assert.NotNil(t, audio)
	assert.NotNil(t, video)
}

func TestConnectionStateNames(t *testing.T) {
	for _, st := range []ConnectionState{ConnectionDisconnected, ConnectionConnecting, ConnectionConnected, ConnectionErrored} {
		got, err := ParseConnectionState(st.String())
		require.NoError(t, err)
		assert.Equal(t, st, got)
	}
	_, err := ParseConnectionState("bogus")
	assert.Error(t, err)
}
