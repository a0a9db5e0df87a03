package backend

import (
	"fmt"
	"strings"
)

// blockedPrefixes is the host-side denylist, broader than the guest
// agent's own: it additionally covers paths no backend should ever be
// asked to touch on behalf of a sandbox, even before a request reaches a
// guest.
var blockedPrefixes = []string{
	"/proc",
	"/sys",
	"/dev",
	"/etc/passwd",
	"/etc/shadow",
	"/etc/sudoers",
	"/root/.ssh",
}

// ValidateSandboxPath rejects non-absolute paths, paths containing "..",
// and paths prefixed (literal string match, not path-aware) by any entry
// in blockedPrefixes. It performs no filesystem access; each backend's
// file operations call it before touching the sandbox.
func ValidateSandboxPath(path string) error {
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("backend: path must be absolute: %s", path)
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("backend: path traversal not allowed: %s", path)
	}
	for _, blocked := range blockedPrefixes {
		if strings.HasPrefix(path, blocked) {
			return fmt.Errorf("backend: path %s is not allowed (blocked prefix %s)", path, blocked)
		}
	}
	return nil
}
