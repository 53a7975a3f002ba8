package attrstorage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/backkem/lwm2m/pkg/datamodel"
)

// savedState is the snapshot captured by the outermost TransactionBegin.
// The tree is serialized to an in-memory stream; rollback decodes it
// back.
type savedState struct {
	depth    int
	data     []byte
	modified bool
}

// TransactionBegin snapshots the tree on the first entry of a nested
// transaction.
func (s *Storage) TransactionBegin(ctx context.Context) error {
	if s.saved.depth == 0 {
		var buf bytes.Buffer
		if err := s.persistInner(&buf); err != nil {
			return fmt.Errorf("%w: attribute snapshot failed: %v", datamodel.ErrInternal, err)
		}
		s.saved.data = buf.Bytes()
		s.saved.modified = s.modified
	}
	s.saved.depth++
	return nil
}

// TransactionValidate always succeeds: the tree's invariants hold after
// every mutation.
func (s *Storage) TransactionValidate(ctx context.Context) error { return nil }

// TransactionCommit discards the snapshot on the last exit.
func (s *Storage) TransactionCommit(ctx context.Context) error {
	s.saved.depth--
	if s.saved.depth == 0 {
		s.saved.data = nil
	}
	return nil
}

// TransactionRollback restores the snapshot on the last exit. If the
// restore itself fails the tree is left cleared with the modified flag
// set, as after a failed Restore.
func (s *Storage) TransactionRollback(ctx context.Context) error {
	s.saved.depth--
	if s.saved.depth != 0 {
		return nil
	}
	data := s.saved.data
	s.saved.data = nil

	s.clear()
	if err := s.restoreInner(ctx, bytes.NewReader(data)); err != nil {
		s.clear()
		s.modified = true
		return fmt.Errorf("%w: attribute rollback failed: %v", datamodel.ErrInternal, err)
	}
	s.modified = s.saved.modified
	return nil
}

// InTransaction reports whether a transaction is currently open.
func (s *Storage) InTransaction() bool { return s.saved.depth > 0 }
