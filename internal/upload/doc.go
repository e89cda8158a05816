// Package upload hosts oversized artifacts and returns shareable links.
// Backends live in the gcs and local subpackages.
package upload

import (
	"path"
	"path/filepath"
	"strings"
)

// ObjectName joins prefix and the base name of file into a slash-separated object key.
func ObjectName(prefix, file string) string {
	base := filepath.Base(file)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return base
	}
	return path.Join(prefix, base)
}
