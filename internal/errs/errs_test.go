package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"classified", Connection("twitch", "connect", errors.New("dial tcp")), KindConnection},
		{"wrapped classified", fmt.Errorf("reconnect: %w", Protocol("kick", "send", errors.New("eof"))), KindProtocol},
		{"missing credentials sentinel", fmt.Errorf("init: %w", ErrMissingCredentials), KindConfiguration},
		{"auth sentinel", ErrAuthFailure, KindConfiguration},
		{"deadline", context.DeadlineExceeded, KindConnection},
		{"plain", errors.New("boom"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(Configuration("discord", "initialize", ErrMissingCredentials)))
	assert.True(t, IsRetryable(Connection("discord", "connect", errors.New("refused"))))
	assert.True(t, IsRetryable(errors.New("unclassified")))
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	err := Configuration("telegram", "initialize", ErrMissingCredentials)
	assert.Equal(t, "telegram initialize: missing credentials", err.Error())
	assert.ErrorIs(t, err, ErrMissingCredentials)
	assert.Nil(t, New(KindProtocol, "x", "y", nil))
}
