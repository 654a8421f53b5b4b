package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	root := errors.New("root")
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit", NewTransientError(root, 503), true},
		{"wrapped explicit", fmt.Errorf("upstream: %w", NewTransientError(root, 429)), true},
		{"storage timeout", &TimeoutError{Err: root}, true},
		{"storage connection", &NetworkError{Err: root}, true},
		{"conn reset", fmt.Errorf("write tcp: %w", syscall.ECONNRESET), true},
		{"conn refused", fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED), true},
		{"dns timeout", &net.DNSError{IsTimeout: true, Err: "timeout"}, true},
		{"broken pipe text", errors.New("write: broken pipe"), true},
		{"tls text", errors.New("net/http: TLS handshake timeout"), true},
		{"validation", &ValidationError{Field: "amount_cents", Err: root}, false},
		{"constraint", &ConstraintViolation{Kind: ConstraintForeignKey, Err: root}, false},
		{"plain", errors.New("invalid input: missing field"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), "HTTP %d", code)
	}
	for _, code := range []int{200, 400, 401, 404, 409, 422, 501} {
		assert.False(t, IsTransientHTTPStatus(code), "HTTP %d", code)
	}
}

func TestErrorMessages(t *testing.T) {
	root := errors.New("boom")
	assert.Equal(t, "validation: amount_cents: boom", (&ValidationError{Field: "amount_cents", Err: root}).Error())
	assert.Equal(t, "validation: boom", (&ValidationError{Err: root}).Error())
	assert.Equal(t, `unique constraint violation "revenue_events_pkey": boom`,
		(&ConstraintViolation{Kind: ConstraintUnique, Constraint: "revenue_events_pkey", Err: root}).Error())
	assert.Equal(t, "unknown", ConstraintKind(0).String())
	assert.Equal(t, "storage timeout: boom", (&TimeoutError{Err: root}).Error())
	assert.Equal(t, "storage connection: boom", (&NetworkError{Err: root}).Error())
	assert.Equal(t, "pii detected in payload keys: email, phone", (&PIIViolationError{Keys: []string{"email", "phone"}}).Error())

	te := NewTransientError(root, 503)
	assert.Equal(t, "boom", te.Error())
	assert.ErrorIs(t, te, root)
	assert.Equal(t, 503, te.StatusCode)
}
