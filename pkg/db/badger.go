package db

import (
	"fmt"

	"github.com/dgraph-io/badger/v3"
)

// OpenBadger opens an embedded Badger database at path. An empty path opens
// an in-memory instance.
func OpenBadger(path string) (*badger.DB, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithLogger(nil)

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", path, err)
	}
	return bdb, nil
}
