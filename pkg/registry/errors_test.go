package registry

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestClassOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{
			name:     "classified error",
			err:      &RegistryError{Op: "fetch page", Class: ErrorClassConfig},
			expected: ErrorClassConfig,
		},
		{
			name:     "wrapped classified error",
			err:      fmt.Errorf("outer: %w", &RegistryError{Class: ErrorClassAuth}),
			expected: ErrorClassAuth,
		},
		{
			name:     "not found sentinel",
			err:      fmt.Errorf("lookup: %w", ErrNotFound),
			expected: ErrorClassNotFound,
		},
		{
			name:     "plain network error defaults to transient",
			err:      io.EOF,
			expected: ErrorClassTransient,
		},
		{
			name:     "nil",
			err:      nil,
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassOf(tt.err); got != tt.expected {
				t.Errorf("ClassOf() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		class     ErrorClass
		retryable bool
	}{
		{"transient", ErrorClassTransient, true},
		{"parse", ErrorClassParse, true},
		{"auth", ErrorClassAuth, false},
		{"credential", ErrorClassCredential, false},
		{"config", ErrorClassConfig, false},
		{"not found", ErrorClassNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &RegistryError{Class: tt.class}
			if got := IsRetryable(err); got != tt.retryable {
				t.Errorf("IsRetryable(%s) = %v, want %v", tt.class, got, tt.retryable)
			}
		})
	}
}

func TestRegistryError_Unwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &RegistryError{Op: "fetch record", StatusCode: 500, Class: ErrorClassTransient, Message: "500 Internal Server Error", Err: inner}

	if !errors.Is(err, inner) {
		t.Error("errors.Is should find the wrapped error")
	}

	var re *RegistryError
	if !errors.As(error(err), &re) {
		t.Error("errors.As should extract *RegistryError")
	}
	if re.StatusCode != 500 {
		t.Errorf("StatusCode = %d, want 500", re.StatusCode)
	}
}
