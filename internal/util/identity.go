package util

import (
	"os"
	"path/filepath"
	"strings"
)

// ExeName returns the base name of the running binary without its
// extension. Masters advertise it and workers compare against it so a stale
// worker binary cannot join a newer job.
func ExeName() string {
	path, err := os.Executable()
	if err != nil {
		path = os.Args[0]
	}
	return NormalizeExeName(path)
}

// NormalizeExeName strips directories and the extension from name.
func NormalizeExeName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// SameExe compares two executable identities, ignoring case the way the
// Windows file system does.
func SameExe(a, b string) bool {
	return strings.EqualFold(NormalizeExeName(a), NormalizeExeName(b))
}

// MachineName returns the display name a worker announces to its master.
func MachineName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "unknown"
	}
	return host
}
