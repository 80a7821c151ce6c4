//go:build sqlite

package storage

// DefaultStoreKind is the backend used when none is requested.
func DefaultStoreKind() string { return "sqlite" }

func newSQLiteStore(path string) (Store, error) {
	return NewSQLiteStore(path), nil
}
