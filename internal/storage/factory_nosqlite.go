//go:build !sqlite

package storage

import "fmt"

func newSQLiteStore(path string) (Store, error) {
	return nil, fmt.Errorf("sqlite store %s: binary built without sqlite support; rebuild with -tags sqlite", path)
}
