package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v3"

	"workflow-engine/api/pkg/jsonx"
)

const (
	instanceKeyPrefix   = "instance:"
	definitionKeyPrefix = "definition:"
)

// BadgerStore persists snapshots in an embedded Badger database, one JSON
// value per key.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

func NewBadgerStore(db *badger.DB, logger *slog.Logger) *BadgerStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerStore{
		db:     db,
		logger: logger.With("component", "badger-store"),
	}
}

func (s *BadgerStore) Save(_ context.Context, inst *WorkflowInstance) error {
	raw, err := jsonx.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}
	key := []byte(instanceKeyPrefix + inst.ID)
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, raw)
	}); err != nil {
		return fmt.Errorf("save instance %s: %w", inst.ID, err)
	}
	return nil
}

func (s *BadgerStore) Get(_ context.Context, id string) (*WorkflowInstance, error) {
	var inst *WorkflowInstance
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(instanceKeyPrefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			inst = &WorkflowInstance{}
			return jsonx.Unmarshal(val, inst)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get instance %s: %w", id, err)
	}
	return inst, nil
}

func (s *BadgerStore) SaveDefinition(_ context.Context, def WorkflowDefinition) error {
	raw, err := jsonx.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(definitionKeyPrefix+def.ID), raw)
	}); err != nil {
		return fmt.Errorf("save definition %s: %w", def.ID, err)
	}
	return nil
}

// ListDefinitions returns stored definitions in key order. Entries that fail
// to decode are logged and skipped.
func (s *BadgerStore) ListDefinitions(_ context.Context) ([]WorkflowDefinition, error) {
	var defs []WorkflowDefinition
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(definitionKeyPrefix)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var def WorkflowDefinition
				if err := jsonx.Unmarshal(val, &def); err != nil {
					s.logger.Warn("failed to unmarshal definition", "key", string(item.Key()), "error", err)
					return nil
				}
				defs = append(defs, def)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	return defs, nil
}
