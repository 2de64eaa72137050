package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mmcdole/shelvd/internal/domain"
)

// ProgressRecords is the authoritative reading position table of a progress
// server, one JSON record per document
type ProgressRecords struct {
	db *DB
}

// Progress returns the server-side progress table
func (d *DB) Progress() *ProgressRecords {
	return &ProgressRecords{db: d}
}

// Get returns the saved position of documentID, or ErrNotFound
func (s *ProgressRecords) Get(ctx context.Context, documentID int64) (*domain.ReadingPosition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var raw []byte
	err := s.db.view(func(tx txn) error {
		if v := tx.Bucket(bucketProgress).Get(tokenKey(documentID)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, domain.ErrNotFound
	}

	var pos domain.ReadingPosition
	if err := json.Unmarshal(raw, &pos); err != nil {
		return nil, fmt.Errorf("decode progress %d: %w", documentID, err)
	}
	return &pos, nil
}

// Put replaces the saved position of pos.DocumentID
func (s *ProgressRecords) Put(ctx context.Context, pos domain.ReadingPosition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("encode progress %d: %w", pos.DocumentID, err)
	}

	unlock := s.db.locks.lock("progress/" + string(tokenKey(pos.DocumentID)))
	defer unlock()
	return s.db.update(func(tx txn) error {
		return tx.Bucket(bucketProgress).Put(tokenKey(pos.DocumentID), raw)
	})
}

// Delete removes the saved position of documentID
func (s *ProgressRecords) Delete(ctx context.Context, documentID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.update(func(tx txn) error {
		return tx.Bucket(bucketProgress).Delete(tokenKey(documentID))
	})
}
