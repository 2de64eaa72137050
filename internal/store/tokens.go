package store

import (
	"context"
	"strconv"

	"github.com/mmcdole/shelvd/internal/domain"
)

// TokenStore keeps the latest native token per document on this device.
// Writes are synchronous so a reopen sees them before the remote write lands.
type TokenStore struct {
	db *DB
}

var _ domain.TokenStore = (*TokenStore)(nil)

func tokenKey(documentID int64) []byte {
	return []byte(strconv.FormatInt(documentID, 10))
}

func (s *TokenStore) GetToken(ctx context.Context, documentID int64) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	var token string
	var found bool
	err := s.db.view(func(tx txn) error {
		if v := tx.Bucket(bucketPositions).Get(tokenKey(documentID)); v != nil {
			token, found = string(v), true
		}
		return nil
	})
	return token, found, err
}

func (s *TokenStore) SetToken(ctx context.Context, documentID int64, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.update(func(tx txn) error {
		return tx.Bucket(bucketPositions).Put(tokenKey(documentID), []byte(token))
	})
}

func (s *TokenStore) DeleteToken(ctx context.Context, documentID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.update(func(tx txn) error {
		return tx.Bucket(bucketPositions).Delete(tokenKey(documentID))
	})
}
