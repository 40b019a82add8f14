package protocol

import "testing"

func TestErrorCodeRetryable(t *testing.T) {
	cases := []struct {
		code ErrorCode
		want bool
	}{
		{ErrInstanceReloading, true},
		{ErrInstanceBusy, true},
		{ErrTimeout, true},
		{ErrInstanceDisconnected, true},
		{ErrInstanceNotFound, false},
		{ErrCommandNotFound, false},
		{ErrInvalidParams, false},
		{ErrProtocolVersionMismatch, false},
	}
	for _, c := range cases {
		if got := c.code.Retryable(); got != c.want {
			t.Errorf("%s.Retryable() = %v, want %v", c.code, got, c.want)
		}
	}
}

func TestErrorDetailError(t *testing.T) {
	e := NewError(ErrTimeout, "deadline exceeded")
	if got := e.Error(); got != "TIMEOUT: deadline exceeded" {
		t.Errorf("got %q", got)
	}

	var nilErr *ErrorDetail
	if got := nilErr.Error(); got != "" {
		t.Errorf("nil ErrorDetail.Error() = %q, want empty", got)
	}
}
