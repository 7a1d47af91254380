package export

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyStatusCode(t *testing.T) {
	tests := []struct {
		code int
		want ErrorType
	}{
		{401, ErrorTypeAuth},
		{403, ErrorTypeAuth},
		{429, ErrorTypeRateLimit},
		{400, ErrorTypeClientError},
		{404, ErrorTypeClientError},
		{500, ErrorTypeServerError},
		{503, ErrorTypeServerError},
		{302, ErrorTypeUnknown},
	}
	for _, tt := range tests {
		if got := classifyStatusCode(tt.code); got != tt.want {
			t.Errorf("classifyStatusCode(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

type fakeNetError struct{ timeout bool }

func (e fakeNetError) Error() string   { return "net failure" }
func (e fakeNetError) Timeout() bool   { return e.timeout }
func (e fakeNetError) Temporary() bool { return false }

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"nil", nil, ErrorTypeUnknown},
		{"deadline", context.DeadlineExceeded, ErrorTypeTimeout},
		{"wrapped deadline", fmt.Errorf("post batch: %w", context.DeadlineExceeded), ErrorTypeTimeout},
		{"net timeout", fakeNetError{timeout: true}, ErrorTypeTimeout},
		{"net refused", fakeNetError{}, ErrorTypeNetwork},
		{"plain", errors.New("boom"), ErrorTypeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyError(tt.err); got != tt.want {
				t.Errorf("classifyError(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
