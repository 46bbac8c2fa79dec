package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf_KnownDomainErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
		kind string
	}{
		{"insufficient units", ErrInsufficientUnits("10", "20"), 422, "InsufficientUnits"},
		{"no position", ErrNoPosition("p1"), 404, "NoPosition"},
		{"has transactions", ErrHasTransactions("p1"), 400, "HasTransactions"},
		{"duplicate portfolio", ErrDuplicatePortfolio("u1", 100), 409, "DuplicatePortfolio"},
		{"nav unavailable", ErrNavUnavailable(100, nil), 422, "NavUnavailable"},
		{"scheme not found", ErrSchemeNotFound(100), 404, "SchemeNotFound"},
		{"validation", ErrValidation("bad input"), 400, "Validation"},
		{"transport", ErrTransport("boom", nil), 502, "TransportError"},
		{"parse", ErrParse("boom", nil), 502, "ParseError"},
		{"timeout", ErrTimeout("boom", nil), 504, "Timeout"},
		{"rate limited", ErrRateLimited("boom"), 429, "RateLimited"},
		{"internal", ErrInternal("boom", nil), 500, "Internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.code, CodeOf(tc.err))
			assert.Equal(t, tc.kind, KindOf(tc.err))
		})
	}
}

func TestCodeOf_UnknownErrorDefaultsTo500(t *testing.T) {
	assert.Equal(t, 500, CodeOf(errors.New("plain error")))
	assert.Equal(t, "", KindOf(errors.New("plain error")))
}

func TestDomainError_UnwrapsCause(t *testing.T) {
	cause := errors.New("upstream failure")
	err := ErrTransport("fetch failed", cause)
	assert.True(t, errors.Is(err, cause))
}

func TestDomainError_ErrorStringIncludesCause(t *testing.T) {
	cause := fmt.Errorf("dial tcp: timeout")
	err := ErrTransport("fetch failed", cause)
	assert.Contains(t, err.Error(), "dial tcp: timeout")
	assert.Contains(t, err.Error(), "TransportError")
}
