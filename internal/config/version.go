package config

import "fmt"

// CurrentVersion is the configuration schema version this build reads.
const CurrentVersion = 1

// VersionReason explains a rejected configuration version.
type VersionReason string

const (
	VersionMissing VersionReason = "missing"
	VersionOld     VersionReason = "outdated"
	VersionNewer   VersionReason = "newer than this build"
)

// VersionError reports a configuration written for another schema version.
type VersionError struct {
	Version int
	Current int
	Reason  VersionReason
}

func (e *VersionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason == VersionNewer {
		return fmt.Sprintf("config version %d is newer than this build (current: %d); upgrade agentrt", e.Version, e.Current)
	}
	reason := e.Reason
	if reason == "" {
		reason = "unsupported"
	}
	return fmt.Sprintf("config version %d is %s (current: %d); set `version: %d` after reviewing the changes",
		e.Version, reason, e.Current, e.Current)
}

// ValidateVersion accepts only CurrentVersion.
func ValidateVersion(version int) error {
	var reason VersionReason
	switch {
	case version <= 0:
		reason = VersionMissing
	case version < CurrentVersion:
		reason = VersionOld
	case version > CurrentVersion:
		reason = VersionNewer
	default:
		return nil
	}
	return &VersionError{Version: version, Current: CurrentVersion, Reason: reason}
}
