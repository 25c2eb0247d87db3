package session

import "fmt"

// ValidateName checks that a session name is safe to use as a directory name.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("session name is empty")
	}
	if len(name) > 64 {
		return fmt.Errorf("session name too long (max 64 chars)")
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return fmt.Errorf("session name %q contains invalid character %q", name, r)
		}
	}
	return nil
}
