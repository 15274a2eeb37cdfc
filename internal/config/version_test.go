package config

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateVersion(t *testing.T) {
	tests := []struct {
		version int
		reason  VersionReason
	}{
		{CurrentVersion, ""},
		{0, VersionMissing},
		{-1, VersionMissing},
		{CurrentVersion + 1, VersionNewer},
	}
	for _, tt := range tests {
		err := ValidateVersion(tt.version)
		if tt.reason == "" {
			if err != nil {
				t.Errorf("ValidateVersion(%d) = %v, want nil", tt.version, err)
			}
			continue
		}
		var ve *VersionError
		if !errors.As(err, &ve) {
			t.Fatalf("ValidateVersion(%d) = %T, want *VersionError", tt.version, err)
		}
		if ve.Reason != tt.reason || ve.Current != CurrentVersion {
			t.Errorf("ValidateVersion(%d) = %+v", tt.version, ve)
		}
	}
}

func TestVersionErrorMessages(t *testing.T) {
	if got := (*VersionError)(nil).Error(); got != "" {
		t.Fatalf("nil VersionError = %q", got)
	}

	newer := ValidateVersion(CurrentVersion + 1).Error()
	if !strings.Contains(newer, "upgrade agentrt") {
		t.Errorf("newer message = %q", newer)
	}

	missing := ValidateVersion(0).Error()
	if !strings.Contains(missing, "is missing") || !strings.Contains(missing, "set `version: 1`") {
		t.Errorf("missing message = %q", missing)
	}

	if msg := (&VersionError{Version: 0, Current: 1}).Error(); !strings.Contains(msg, "unsupported") {
		t.Errorf("empty reason message = %q", msg)
	}
}
