package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidArgument marks input rejected before any network activity.
var ErrInvalidArgument = errors.New("invalid argument")

// Platform identifies a hosting provider a generated page can be deployed to.
type Platform string

// Supported deployment platforms.
const (
	PlatformNetlify Platform = "netlify"
	PlatformVercel  Platform = "vercel"
	PlatformRailway Platform = "railway"
)

var platformNames = map[Platform]string{
	PlatformNetlify: "Netlify",
	PlatformVercel:  "Vercel",
	PlatformRailway: "Railway",
}

// Platforms lists the supported platforms in display order.
func Platforms() []Platform {
	return []Platform{PlatformNetlify, PlatformVercel, PlatformRailway}
}

// ParsePlatform validates a platform identifier.
func ParsePlatform(value string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(value)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: unknown platform %q", ErrInvalidArgument, value)
	}
	return p, nil
}

// Valid reports whether p is a recognised platform.
func (p Platform) Valid() bool {
	_, ok := platformNames[p]
	return ok
}

// DisplayName returns the human readable provider name.
func (p Platform) DisplayName() string {
	if name, ok := platformNames[p]; ok {
		return name
	}
	return string(p)
}

func (p Platform) String() string {
	return string(p)
}

// ValidateProjectID rejects empty project identifiers.
func ValidateProjectID(projectID string) error {
	if strings.TrimSpace(projectID) == "" {
		return fmt.Errorf("%w: project id required", ErrInvalidArgument)
	}
	return nil
}
