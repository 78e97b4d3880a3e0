// Package internal provides version information and build metadata for the
// recovery console.
//
// This module centralizes all version-related constants and provides formatted
// strings for consistent display across the application. To update the version,
// simply change the AppVersion constant - all other version strings will be
// automatically updated.
package internal

// Application metadata constants.
const (
	// AppName is the official name of the application
	AppName = "recovery"

	// AppVersion follows semantic versioning (major.minor.patch)
	AppVersion = "2.4.1"

	// AppDesc is the tagline/description used in UI and documentation
	AppDesc = "Standalone Recovery Console"
)

// GetVersionString returns just the version number for programmatic use.
// Example: "2.4.1"
func GetVersionString() string {
	return AppVersion
}

// GetFullVersionString returns the application name with version for display.
// Example: "recovery v2.4.1"
func GetFullVersionString() string {
	return AppName + " v" + AppVersion
}

// GetSubtitle returns the version subtitle shown under the header.
func GetSubtitle() string {
	return AppDesc + " (v" + AppVersion + ")"
}
