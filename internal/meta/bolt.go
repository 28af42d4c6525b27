package meta

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	bucketRecords     = []byte("records")
	bucketStatusIdx   = []byte("status_idx")
	bucketDataVolumes = []byte("data_volumes")
)

// BoltService implements Service and DataVolumes on a local bbolt database.
type BoltService struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// NewBoltService opens or creates a bbolt metadata database.
func NewBoltService(path string, noSync bool, logger *zap.Logger) (*BoltService, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}
	db.NoSync = noSync

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketRecords, bucketStatusIdx, bucketDataVolumes} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialising schema: %w", err)
	}

	return &BoltService{db: db, logger: logger}, nil
}

func encodeRecord(rec *Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRecord(data []byte) (*Record, error) {
	var rec Record
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func int64ToBytes(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func bytesToInt64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

// statusIdxKey is [status byte][id 8B]; the index keeps status scans cheap
// and id-ordered.
func statusIdxKey(st Status, id int64) []byte {
	key := make([]byte, 9)
	key[0] = byte(st)
	binary.BigEndian.PutUint64(key[1:], uint64(id))
	return key
}

func (s *BoltService) CreateLocked(_ context.Context, props Properties) (*Record, error) {
	now := time.Now().UnixMilli()
	createMs := props.CreateTimeMs
	if createMs == 0 {
		createMs = now
	}

	var rec *Record
	err := s.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		seq, err := records.NextSequence()
		if err != nil {
			return err
		}

		rec = &Record{
			ID:              int64(seq),
			FeedName:        props.FeedName,
			TypeName:        props.TypeName,
			ParentID:        props.ParentID,
			CreateTimeMs:    createMs,
			EffectiveTimeMs: props.EffectiveTimeMs,
			StatusTimeMs:    now,
			Status:          StatusLocked,
		}

		data, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		if err := records.Put(int64ToBytes(rec.ID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketStatusIdx).Put(statusIdxKey(StatusLocked, rec.ID), nil)
	})
	if err != nil {
		return nil, fmt.Errorf("creating locked record: %w", err)
	}

	s.logger.Debug("record created",
		zap.Int64("meta_id", rec.ID),
		zap.String("feed", rec.FeedName),
		zap.String("type", rec.TypeName),
	)
	return rec, nil
}

func (s *BoltService) Get(_ context.Context, id int64) (*Record, error) {
	var rec *Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketRecords).Get(int64ToBytes(id))
		if raw == nil {
			return ErrRecordNotFound
		}
		var err error
		rec, err = decodeRecord(raw)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *BoltService) Find(ctx context.Context, c Criteria) ([]Record, error) {
	if c.ID > 0 {
		rec, err := s.Get(ctx, c.ID)
		if err != nil {
			if err == ErrRecordNotFound {
				return nil, nil
			}
			return nil, err
		}
		if matches(rec, c) {
			return []Record{*rec}, nil
		}
		return nil, nil
	}

	var out []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		records := tx.Bucket(bucketRecords)

		appendIfMatch := func(raw []byte) error {
			rec, err := decodeRecord(raw)
			if err != nil {
				return err
			}
			if matches(rec, c) {
				out = append(out, *rec)
			}
			return nil
		}

		if c.Status != nil {
			// Walk the status index from AfterID upward.
			idx := tx.Bucket(bucketStatusIdx).Cursor()
			start := statusIdxKey(*c.Status, c.AfterID+1)
			for k, _ := idx.Seek(start); k != nil && k[0] == byte(*c.Status); k, _ = idx.Next() {
				raw := records.Get(k[1:])
				if raw == nil {
					continue
				}
				if err := appendIfMatch(raw); err != nil {
					return err
				}
				if c.Limit > 0 && len(out) >= c.Limit {
					return nil
				}
			}
			return nil
		}

		cur := records.Cursor()
		for k, v := cur.Seek(int64ToBytes(c.AfterID + 1)); k != nil; k, v = cur.Next() {
			if err := appendIfMatch(v); err != nil {
				return err
			}
			if c.Limit > 0 && len(out) >= c.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("finding records: %w", err)
	}
	return out, nil
}

func matches(rec *Record, c Criteria) bool {
	if rec.ID <= c.AfterID {
		return false
	}
	if c.Status != nil && rec.Status != *c.Status {
		return false
	}
	if c.StatusBeforeMs > 0 && rec.StatusTimeMs > c.StatusBeforeMs {
		return false
	}
	if c.FeedName != "" && rec.FeedName != c.FeedName {
		return false
	}
	if c.TypeName != "" && rec.TypeName != c.TypeName {
		return false
	}
	if c.EffectiveFromMs > 0 || c.EffectiveToMs > 0 {
		if rec.EffectiveTimeMs == 0 {
			return false
		}
		if c.EffectiveFromMs > 0 && rec.EffectiveTimeMs < c.EffectiveFromMs {
			return false
		}
		if c.EffectiveToMs > 0 && rec.EffectiveTimeMs > c.EffectiveToMs {
			return false
		}
	}
	return true
}

func (s *BoltService) UpdateStatus(_ context.Context, id int64, from, to Status) (bool, error) {
	updated := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		raw := records.Get(int64ToBytes(id))
		if raw == nil {
			return ErrRecordNotFound
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		if rec.Status != from {
			return nil
		}

		idx := tx.Bucket(bucketStatusIdx)
		if err := idx.Delete(statusIdxKey(rec.Status, id)); err != nil {
			return err
		}

		rec.Status = to
		rec.StatusTimeMs = time.Now().UnixMilli()

		data, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		if err := records.Put(int64ToBytes(id), data); err != nil {
			return err
		}
		if err := idx.Put(statusIdxKey(to, id), nil); err != nil {
			return err
		}
		updated = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("updating status of record %d: %w", id, err)
	}
	if updated {
		s.logger.Debug("record status changed",
			zap.Int64("meta_id", id),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	return updated, nil
}

func (s *BoltService) Delete(_ context.Context, id int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		raw := records.Get(int64ToBytes(id))
		if raw == nil {
			return nil
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketStatusIdx).Delete(statusIdxKey(rec.Status, id)); err != nil {
			return err
		}
		return records.Delete(int64ToBytes(id))
	})
}

// dataVolumeKey is [metaID 8B][volumeID 8B].
func dataVolumeKey(metaID int64, volumeID int) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[0:8], uint64(metaID))
	binary.BigEndian.PutUint64(key[8:16], uint64(volumeID))
	return key
}

func (s *BoltService) AddDataVolume(_ context.Context, metaID int64, volumeID int) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDataVolumes).Put(dataVolumeKey(metaID, volumeID), nil)
	})
}

func (s *BoltService) GetDataVolumes(_ context.Context, metaID int64) ([]int, error) {
	var ids []int
	err := s.db.View(func(tx *bbolt.Tx) error {
		cur := tx.Bucket(bucketDataVolumes).Cursor()
		prefix := int64ToBytes(metaID)
		for k, _ := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cur.Next() {
			ids = append(ids, int(binary.BigEndian.Uint64(k[8:16])))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *BoltService) DeleteDataVolumes(_ context.Context, metaID int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketDataVolumes)
		cur := bucket.Cursor()
		prefix := int64ToBytes(metaID)
		for k, _ := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cur.Next() {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltService) ListWithDataVolumes(_ context.Context, afterID int64, limit int) ([]Association, error) {
	var out []Association
	err := s.db.View(func(tx *bbolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		cur := tx.Bucket(bucketDataVolumes).Cursor()

		currentID := int64(0)
		for k, _ := cur.Seek(int64ToBytes(afterID + 1)); k != nil; k, _ = cur.Next() {
			metaID := bytesToInt64(k[0:8])
			volumeID := int(binary.BigEndian.Uint64(k[8:16]))

			if currentID != metaID {
				if limit > 0 && len(out) >= limit {
					return nil
				}
				raw := records.Get(k[0:8])
				if raw == nil {
					// Association without a record; the orphan file
					// scanner reports these via the files themselves.
					currentID = 0
					continue
				}
				rec, err := decodeRecord(raw)
				if err != nil {
					return err
				}
				out = append(out, Association{Record: *rec})
				currentID = metaID
			}
			out[len(out)-1].VolumeIDs = append(out[len(out)-1].VolumeIDs, volumeID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing data volume associations: %w", err)
	}
	return out, nil
}

func (s *BoltService) Ping() error {
	return s.db.View(func(tx *bbolt.Tx) error { return nil })
}

func (s *BoltService) Close() error {
	return s.db.Close()
}
