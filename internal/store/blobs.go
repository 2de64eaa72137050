package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mmcdole/shelvd/internal/domain"
)

const (
	codecVersion = 1
	encZstd      = "zstd"
)

// entryHeader precedes every payload on disk
type entryHeader struct {
	StoredAt int64           `json:"at"`
	Size     int64           `json:"size"`
	Encoding string          `json:"enc,omitempty"`
	Meta     domain.BlobMeta `json:"meta,omitempty"`
}

// BlobStore is one table of timestamped binary entries.
type BlobStore struct {
	db     *DB
	bucket []byte
}

var _ domain.BlobStore = (*BlobStore)(nil)

// Put stores payload under key, replacing any previous entry.
// Returns domain.ErrQuotaExceeded when the write would exceed the quota.
func (s *BlobStore) Put(ctx context.Context, key string, payload []byte, meta domain.BlobMeta) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.db.locks.lock(s.lockKey(key))
	defer unlock()

	value, err := s.db.encode(payload, meta)
	if err != nil {
		return err
	}

	return s.db.update(func(tx txn) error {
		if s.db.quota > 0 {
			used := usedBytes(tx, s.bucket, []byte(key))
			if used+int64(len(value)) > s.db.quota {
				return fmt.Errorf("%w: %d bytes used, %d requested, quota %d",
					domain.ErrQuotaExceeded, used, len(value), s.db.quota)
			}
		}
		return tx.Bucket(s.bucket).Put([]byte(key), value)
	})
}

// Get returns the entry stored under key, or domain.ErrNotFound.
func (s *BlobStore) Get(ctx context.Context, key string) (*domain.Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.db.view(func(tx txn) error {
		if v := tx.Bucket(s.bucket).Get([]byte(key)); v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, domain.ErrNotFound
	}

	hdr, body, err := splitEntry(data)
	if err != nil {
		return nil, fmt.Errorf("corrupt entry %q: %w", key, err)
	}
	payload, err := s.db.decode(hdr, body)
	if err != nil {
		return nil, fmt.Errorf("corrupt entry %q: %w", key, err)
	}
	return &domain.Blob{BlobInfo: hdr.info(key), Payload: payload}, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *BlobStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.db.locks.lock(s.lockKey(key))
	defer unlock()

	return s.db.update(func(tx txn) error {
		return tx.Bucket(s.bucket).Delete([]byte(key))
	})
}

// Sweep deletes every entry matching pred in a single transaction.
// Entries with unreadable headers are deleted as well.
func (s *BlobStore) Sweep(ctx context.Context, pred func(domain.BlobInfo) bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	deleted := 0
	err := s.db.update(func(tx txn) error {
		b := tx.Bucket(s.bucket)
		var doomed [][]byte
		b.ForEach(func(k, v []byte) error {
			hdr, _, err := splitEntry(v)
			if err != nil || pred(hdr.info(string(k))) {
				doomed = append(doomed, append([]byte(nil), k...))
			}
			return nil
		})
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		deleted = len(doomed)
		return nil
	})
	return deleted, err
}

// Clear deletes every entry in the table.
func (s *BlobStore) Clear(ctx context.Context) (int, error) {
	return s.Sweep(ctx, func(domain.BlobInfo) bool { return true })
}

// AggregateSize returns the total uncompressed payload size.
func (s *BlobStore) AggregateSize(ctx context.Context) (int64, error) {
	var total int64
	err := s.each(ctx, func(info domain.BlobInfo) {
		total += info.Size
	})
	return total, err
}

// Count returns the number of entries.
func (s *BlobStore) Count(ctx context.Context) (int, error) {
	n := 0
	err := s.each(ctx, func(domain.BlobInfo) { n++ })
	return n, err
}

func (s *BlobStore) each(ctx context.Context, fn func(domain.BlobInfo)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.view(func(tx txn) error {
		return tx.Bucket(s.bucket).ForEach(func(k, v []byte) error {
			hdr, _, err := splitEntry(v)
			if err != nil {
				return nil // Skip corrupt entries; Sweep removes them
			}
			fn(hdr.info(string(k)))
			return nil
		})
	})
}

func (s *BlobStore) lockKey(key string) string {
	return string(s.bucket) + ":" + key
}

// === Codec ===
// Layout: version(1) | header length(4, big endian) | header JSON | body

func (d *DB) encode(payload []byte, meta domain.BlobMeta) ([]byte, error) {
	hdr := entryHeader{
		StoredAt: d.now().UnixNano(),
		Size:     int64(len(payload)),
		Meta:     meta,
	}

	body := payload
	if d.compress && len(payload) > 0 {
		// Already-compressed formats (EPUB is a zip) rarely shrink; keep them raw
		if z := d.enc.EncodeAll(payload, nil); len(z) < len(payload) {
			body = z
			hdr.Encoding = encZstd
		}
	}

	h, err := json.Marshal(hdr)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 5+len(h)+len(body))
	out = append(out, codecVersion)
	out = binary.BigEndian.AppendUint32(out, uint32(len(h)))
	out = append(out, h...)
	out = append(out, body...)
	return out, nil
}

func (d *DB) decode(hdr entryHeader, body []byte) ([]byte, error) {
	switch hdr.Encoding {
	case "":
		return body, nil
	case encZstd:
		return d.dec.DecodeAll(body, make([]byte, 0, hdr.Size))
	default:
		return nil, fmt.Errorf("unknown encoding %q", hdr.Encoding)
	}
}

var errShortEntry = errors.New("entry too short")

// splitEntry parses the header; body aliases v
func splitEntry(v []byte) (entryHeader, []byte, error) {
	var hdr entryHeader
	if len(v) < 5 {
		return hdr, nil, errShortEntry
	}
	if v[0] != codecVersion {
		return hdr, nil, fmt.Errorf("unsupported entry version %d", v[0])
	}
	n := int(binary.BigEndian.Uint32(v[1:5]))
	if len(v) < 5+n {
		return hdr, nil, errShortEntry
	}
	if err := json.Unmarshal(v[5:5+n], &hdr); err != nil {
		return hdr, nil, err
	}
	return hdr, v[5+n:], nil
}

func (h entryHeader) info(key string) domain.BlobInfo {
	return domain.BlobInfo{
		Key:      key,
		Meta:     h.Meta,
		Size:     h.Size,
		StoredAt: time.Unix(0, h.StoredAt),
	}
}
