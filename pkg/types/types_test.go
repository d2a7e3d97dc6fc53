package types

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_CanTransitionTo(t *testing.T) {
	all := []Status{StatusStarting, StatusRunning, StatusUnhealthy, StatusRestarting, StatusStopping, StatusFailed}
	allowed := map[Status][]Status{
		StatusStarting:   {StatusRunning, StatusFailed, StatusStopping},
		StatusRunning:    {StatusUnhealthy, StatusRestarting, StatusStopping, StatusFailed},
		StatusUnhealthy:  {StatusRunning, StatusRestarting, StatusStopping, StatusFailed},
		StatusRestarting: {StatusRunning, StatusUnhealthy, StatusFailed, StatusStopping},
		StatusStopping:   {StatusFailed, StatusStopping},
		StatusFailed:     {StatusStarting, StatusStopping},
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, ok := range allowed[from] {
				if ok == to {
					want = true
				}
			}
			t.Run(fmt.Sprintf("%s->%s", from, to), func(t *testing.T) {
				assert.Equal(t, want, from.CanTransitionTo(to))
			})
		}
	}

	assert.False(t, Status("bogus").CanTransitionTo(StatusRunning))
	assert.False(t, StatusAbsent.CanTransitionTo(StatusRunning))
}

func TestStatus_Classes(t *testing.T) {
	tests := []struct {
		status    Status
		valid     bool
		transient bool
		live      bool
	}{
		{StatusStarting, true, true, true},
		{StatusRunning, true, false, true},
		{StatusUnhealthy, true, false, true},
		{StatusRestarting, true, true, true},
		{StatusStopping, true, true, false},
		{StatusFailed, true, false, false},
		{StatusAbsent, false, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.status.IsValid())
			assert.Equal(t, tt.transient, tt.status.IsTransient())
			assert.Equal(t, tt.live, tt.status.IsLive())
		})
	}
}

func TestError_KindThroughWrapping(t *testing.T) {
	cause := errors.New("dial unix /var/run/docker.sock: connect: no such file")
	err := fmt.Errorf("start s1: %w", ErrStartFailed("s1", cause))

	assert.Equal(t, KindStartFailed, KindOf(err))
	assert.True(t, IsKind(err, KindStartFailed))
	assert.False(t, IsKind(err, KindPortExhausted))
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, &Error{Kind: KindStartFailed})
	assert.ErrorIs(t, err, &Error{Kind: KindStartFailed, SessionID: "s1"})
	assert.NotErrorIs(t, err, &Error{Kind: KindStartFailed, SessionID: "s2"})

	assert.Equal(t, ErrorKind(""), KindOf(cause))
	assert.Equal(t, ErrorKind(""), KindOf(nil))
}

func TestError_Message(t *testing.T) {
	assert.Equal(t, "no port available (session s1)", ErrPortExhausted("s1").Error())
	assert.Equal(t, "Timeout", NewError(KindTimeout, "", "", nil).Error())

	err := ErrProviderUnavailable(errors.New("refused"))
	require.Equal(t, KindProviderUnavailable, err.Kind)
	assert.Equal(t, "sandbox provider unavailable: refused", err.Error())
}

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		valid bool
	}{
		{name: "simple", id: "s1", valid: true},
		{name: "single char", id: "a", valid: true},
		{name: "hyphenated", id: "session-42", valid: true},
		{name: "max length", id: strings.Repeat("a", 63), valid: true},
		{name: "empty", id: ""},
		{name: "uppercase", id: "S1"},
		{name: "dot", id: "bad.id"},
		{name: "underscore", id: "under_score"},
		{name: "leading hyphen", id: "-s1"},
		{name: "trailing hyphen", id: "s1-"},
		{name: "too long", id: strings.Repeat("a", 64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSessionID(tt.id)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, IsKind(err, KindInvalidRequest))
		})
	}
}
