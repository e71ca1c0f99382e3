package utils

import "github.com/google/uuid"

// GenerateID returns a random identifier used to correlate log lines of one
// kernel boot.
func GenerateID() string {
	return uuid.NewString()
}
