// Package paths supplies the platform default locations pagestore uses
// when the caller does not name an explicit root directory, grounded on
// the teacher's pkg/security.GetCertDir/GetCLICertDir home-directory
// convention.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// defaultRootName is the directory pagestore defaults to under the
// user's home directory, matching spec.md §6's "<root>.persistencestore"
// naming for the store directory it contains.
const defaultRootName = ".pagestore"

// DefaultRoot returns the default directory a persistence is opened
// under when the caller does not supply one: ~/.pagestore.
func DefaultRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("paths: resolving home directory: %w", err)
	}
	return filepath.Join(home, defaultRootName), nil
}

// StoreDir joins root with a named persistence store's directory,
// applying spec.md §6's ".persistencestore" suffix.
func StoreDir(root, name string) string {
	return filepath.Join(root, name+".persistencestore")
}
