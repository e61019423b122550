package agentfile

import (
	"fmt"
	"os"
)

// LoadFile reads and parses a bundle from a filesystem path. Import URI
// policy is enforced by the caller before resolution.
func LoadFile(path string) (*Bundle, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("agentfile: read %s: %w", path, err)
	}
	b, err := ParseBundle(raw)
	if err != nil {
		return nil, fmt.Errorf("agentfile: %s: %w", path, err)
	}
	return b, nil
}
