package config

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateVersion(t *testing.T) {
	tests := []struct {
		version    int
		wantReason string
	}{
		{CurrentVersion, ""},
		{0, "missing or outdated"},
		{-1, "missing or outdated"},
		{CurrentVersion + 1, "newer than this build"},
	}
	for _, tt := range tests {
		err := ValidateVersion(tt.version)
		if tt.wantReason == "" {
			if err != nil {
				t.Errorf("ValidateVersion(%d) = %v", tt.version, err)
			}
			continue
		}
		var ve *VersionError
		if !errors.As(err, &ve) {
			t.Fatalf("ValidateVersion(%d) = %T, want *VersionError", tt.version, err)
		}
		if ve.Reason != tt.wantReason {
			t.Errorf("ValidateVersion(%d) reason = %q, want %q", tt.version, ve.Reason, tt.wantReason)
		}
	}
}

func TestVersionErrorMessages(t *testing.T) {
	var nilErr *VersionError
	if got := nilErr.Error(); got != "" {
		t.Fatalf("expected empty string from nil VersionError, got %q", got)
	}
	newer := &VersionError{Version: 2, Current: 1, Reason: "newer than this build"}
	if !strings.Contains(newer.Error(), "upgrade orion") {
		t.Errorf("newer message = %q", newer.Error())
	}
	if msg := (&VersionError{Version: 0, Current: 1}).Error(); msg == "" {
		t.Fatal("expected non-empty error message for empty reason")
	}
}
