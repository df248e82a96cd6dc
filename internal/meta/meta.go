// Package meta implements the per-store persisted meta-store. Each
// physical store directory owns one embedded pebble instance holding four
// independently written record classes: rowset metas, binlog metas,
// delete-bitmap entries and pending-publish records, plus the remote-GC
// intents consumed by the remote storage cleanup pass.
//
// Keys use fixed prefixes and zero-padded decimal components so that
// lexicographic iteration order is numeric order within a class:
//
//	rst_<tabletUID>_<rowsetID>            rowset meta (JSON)
//	bnm_<tabletID>_<rowsetID>             binlog meta (JSON)
//	dbm_<tabletID>_<version>_<rowsetID>   delete-bitmap payload
//	ppi_<tabletID>_<publishVersion>       pending-publish record (JSON)
//	rgc_<rowsetID>                        remote rowset GC intent (JSON)
//	rtg_<tabletID>                        remote tablet GC intent (JSON)
package meta

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/pebble/v2"
	"github.com/google/uuid"

	"github.com/quarry-db/quarry/internal/tablet"
)

const (
	rowsetMetaPrefix     = "rst_"
	binlogMetaPrefix     = "bnm_"
	deleteBitmapPrefix   = "dbm_"
	pendingPublishPrefix = "ppi_"
	remoteRowsetPrefix   = "rgc_"
	remoteTabletPrefix   = "rtg_"

	// uuidLen is the canonical textual length of a tablet UID in keys.
	uuidLen = 36
)

// ErrMalformedKey is returned when a stored key does not match its
// class's schema.
var ErrMalformedKey = errors.New("meta: malformed key")

// RowsetState mirrors the lifecycle state stored in a rowset meta.
type RowsetState string

const (
	// RowsetStatePrepared is a rowset still being written.
	RowsetStatePrepared RowsetState = "PREPARED"
	// RowsetStateCommitted is written but not yet visible.
	RowsetStateCommitted RowsetState = "COMMITTED"
	// RowsetStateVisible is published and queryable.
	RowsetStateVisible RowsetState = "VISIBLE"
)

// RowsetMeta is the persisted description of one rowset.
type RowsetMeta struct {
	RowsetID     tablet.RowsetID `json:"rowsetId"`
	TabletID     tablet.ID       `json:"tabletId"`
	TabletUID    tablet.UID      `json:"tabletUid"`
	State        RowsetState     `json:"state"`
	StartVersion tablet.Version  `json:"startVersion"`
	EndVersion   tablet.Version  `json:"endVersion"`
	IsLocal      bool            `json:"isLocal"`
}

// BinlogMeta is the persisted description of one binlog entry.
type BinlogMeta struct {
	TabletID  tablet.ID       `json:"tabletId"`
	RowsetID  tablet.RowsetID `json:"rowsetId"`
	Version   tablet.Version  `json:"version"`
	NeedCheck bool            `json:"needCheck"`
}

// PendingPublish records a publish task not yet applied to a tablet.
type PendingPublish struct {
	TabletID       tablet.ID      `json:"tabletId"`
	PublishVersion tablet.Version `json:"publishVersion"`
	TxnID          tablet.TxnID   `json:"txnId"`
}

// RemoteRowsetGC is an intent to delete a rowset's segments from remote
// storage.
type RemoteRowsetGC struct {
	RowsetID    tablet.RowsetID `json:"rowsetId"`
	RemotePath  string          `json:"remotePath"`
	NumSegments int             `json:"numSegments"`
}

// RemoteTabletGC is an intent to delete a whole tablet prefix from remote
// storage.
type RemoteTabletGC struct {
	TabletID   tablet.ID `json:"tabletId"`
	RemotePath string    `json:"remotePath"`
}

// Meta is one store's persisted meta-store handle.
type Meta struct {
	db *pebble.DB
}

// Open opens (creating if needed) the meta-store at dir.
func Open(dir string) (*Meta, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("meta: open %s: %w", dir, err)
	}
	return &Meta{db: db}, nil
}

// Close closes the underlying store.
func (m *Meta) Close() error {
	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	return err
}

func pad(v int64) string {
	return fmt.Sprintf("%020d", v)
}

// RowsetMetaKey builds the key for a rowset meta.
func RowsetMetaKey(uid tablet.UID, rowsetID tablet.RowsetID) string {
	return rowsetMetaPrefix + uid.String() + "_" + string(rowsetID)
}

// BinlogMetaKey builds the key for a binlog meta.
func BinlogMetaKey(tabletID tablet.ID, rowsetID tablet.RowsetID) string {
	return binlogMetaPrefix + pad(int64(tabletID)) + "_" + string(rowsetID)
}

// DeleteBitmapKey builds the key for one delete-bitmap entry.
func DeleteBitmapKey(tabletID tablet.ID, version tablet.Version, rowsetID tablet.RowsetID) string {
	return deleteBitmapPrefix + pad(int64(tabletID)) + "_" + pad(int64(version)) + "_" + string(rowsetID)
}

// PendingPublishKey builds the key for a pending-publish record.
func PendingPublishKey(tabletID tablet.ID, version tablet.Version) string {
	return pendingPublishPrefix + pad(int64(tabletID)) + "_" + pad(int64(version))
}

func (m *Meta) put(key string, value []byte) error {
	if err := m.db.Set([]byte(key), value, pebble.Sync); err != nil {
		return fmt.Errorf("meta: put %s: %w", key, err)
	}
	return nil
}

func (m *Meta) putJSON(key string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("meta: marshal %s: %w", key, err)
	}
	return m.put(key, data)
}

func (m *Meta) delete(key string) error {
	if err := m.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("meta: delete %s: %w", key, err)
	}
	return nil
}

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix.
func prefixUpperBound(prefix string) []byte {
	end := []byte(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// traverse iterates all keys with prefix in lexicographic order, invoking
// fn with the key and value. fn returning false stops the traversal.
func (m *Meta) traverse(prefix string, fn func(key string, value []byte) bool) error {
	iter, err := m.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("meta: iter %s: %w", prefix, err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key())
		value := append([]byte(nil), iter.Value()...)
		if !fn(key, value) {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("meta: iter %s: %w", prefix, err)
	}
	return nil
}

// SaveRowsetMeta persists a rowset meta under its (uid, rowset) key.
func (m *Meta) SaveRowsetMeta(rm RowsetMeta) error {
	return m.putJSON(RowsetMetaKey(rm.TabletUID, rm.RowsetID), rm)
}

// TraverseRowsetMetas streams every rowset meta. The callback receives
// the tablet uid and rowset id parsed from the key plus the raw value;
// decoding (and deciding what a parse failure means) is the caller's
// business. Returning false stops the traversal.
func (m *Meta) TraverseRowsetMetas(fn func(uid tablet.UID, rowsetID tablet.RowsetID, value []byte) bool) error {
	return m.traverse(rowsetMetaPrefix, func(key string, value []byte) bool {
		uid, rowsetID, err := parseRowsetMetaKey(key)
		if err != nil {
			// A key this store never wrote; skip it.
			return true
		}
		return fn(uid, rowsetID, value)
	})
}

// RemoveRowsetMeta deletes one rowset meta.
func (m *Meta) RemoveRowsetMeta(uid tablet.UID, rowsetID tablet.RowsetID) error {
	return m.delete(RowsetMetaKey(uid, rowsetID))
}

func parseRowsetMetaKey(key string) (tablet.UID, tablet.RowsetID, error) {
	rest := strings.TrimPrefix(key, rowsetMetaPrefix)
	if len(rest) < uuidLen+2 || rest[uuidLen] != '_' {
		return tablet.UID{}, "", fmt.Errorf("%w: %s", ErrMalformedKey, key)
	}
	uid, err := uuid.Parse(rest[:uuidLen])
	if err != nil {
		return tablet.UID{}, "", fmt.Errorf("%w: %s", ErrMalformedKey, key)
	}
	return uid, tablet.RowsetID(rest[uuidLen+1:]), nil
}

// SaveBinlogMeta persists a binlog meta.
func (m *Meta) SaveBinlogMeta(bm BinlogMeta) error {
	return m.putJSON(BinlogMetaKey(bm.TabletID, bm.RowsetID), bm)
}

// TraverseBinlogMetas streams every binlog meta. needCheck reports
// whether the record asks to be reconciled against the live tablet set;
// a value that fails to decode is handed over with needCheck=true so the
// classifier can treat it as orphaned. Returning false stops.
func (m *Meta) TraverseBinlogMetas(fn func(key string, value []byte, needCheck bool) bool) error {
	return m.traverse(binlogMetaPrefix, func(key string, value []byte) bool {
		needCheck := true
		var bm BinlogMeta
		if err := json.Unmarshal(value, &bm); err == nil {
			needCheck = bm.NeedCheck
		}
		return fn(key, value, needCheck)
	})
}

// RemoveBinlogMeta deletes a binlog meta by its full key.
func (m *Meta) RemoveBinlogMeta(key string) error {
	if !strings.HasPrefix(key, binlogMetaPrefix) {
		return fmt.Errorf("%w: %s", ErrMalformedKey, key)
	}
	return m.delete(key)
}

// SaveDeleteBitmap persists one delete-bitmap entry.
func (m *Meta) SaveDeleteBitmap(tabletID tablet.ID, version tablet.Version, rowsetID tablet.RowsetID, payload []byte) error {
	return m.put(DeleteBitmapKey(tabletID, version, rowsetID), payload)
}

// TraverseDeleteBitmaps streams every delete-bitmap entry in (tablet,
// version) order. Returning false stops.
func (m *Meta) TraverseDeleteBitmaps(fn func(tabletID tablet.ID, version tablet.Version, value []byte) bool) error {
	return m.traverse(deleteBitmapPrefix, func(key string, value []byte) bool {
		tabletID, version, err := parseDeleteBitmapKey(key)
		if err != nil {
			return true
		}
		return fn(tabletID, version, value)
	})
}

func parseDeleteBitmapKey(key string) (tablet.ID, tablet.Version, error) {
	rest := strings.TrimPrefix(key, deleteBitmapPrefix)
	if len(rest) < 42 || rest[20] != '_' || rest[41] != '_' {
		return 0, 0, fmt.Errorf("%w: %s", ErrMalformedKey, key)
	}
	id, err := strconv.ParseInt(rest[:20], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %s", ErrMalformedKey, key)
	}
	version, err := strconv.ParseInt(rest[21:41], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %s", ErrMalformedKey, key)
	}
	return tablet.ID(id), tablet.Version(version), nil
}

// RemoveDeleteBitmaps bulk-deletes every delete-bitmap entry for a tablet
// with version <= upTo, as a single range delete.
func (m *Meta) RemoveDeleteBitmaps(tabletID tablet.ID, upTo tablet.Version) error {
	start := deleteBitmapPrefix + pad(int64(tabletID)) + "_"
	// The trailing 0xff covers every rowset id at version upTo.
	end := start + pad(int64(upTo)) + "_\xff"
	if err := m.db.DeleteRange([]byte(start), []byte(end), pebble.Sync); err != nil {
		return fmt.Errorf("meta: range delete bitmaps for tablet %d: %w", tabletID, err)
	}
	return nil
}

// RemoveRowsetDeleteBitmaps deletes the delete-bitmap entries belonging
// to one rowset of a tablet, across all versions.
func (m *Meta) RemoveRowsetDeleteBitmaps(tabletID tablet.ID, rowsetID tablet.RowsetID) error {
	prefix := deleteBitmapPrefix + pad(int64(tabletID)) + "_"
	batch := m.db.NewBatch()
	err := m.traverse(prefix, func(key string, value []byte) bool {
		if strings.HasSuffix(key, "_"+string(rowsetID)) {
			_ = batch.Delete([]byte(key), nil)
		}
		return true
	})
	if err != nil {
		_ = batch.Close()
		return err
	}
	if err := m.db.Apply(batch, pebble.Sync); err != nil {
		return fmt.Errorf("meta: delete rowset bitmaps %s: %w", rowsetID, err)
	}
	return nil
}

// SavePendingPublish persists a pending-publish record.
func (m *Meta) SavePendingPublish(pp PendingPublish) error {
	return m.putJSON(PendingPublishKey(pp.TabletID, pp.PublishVersion), pp)
}

// TraversePendingPublish streams every pending-publish record in
// (tablet, version) order. Returning false stops.
func (m *Meta) TraversePendingPublish(fn func(tabletID tablet.ID, version tablet.Version, value []byte) bool) error {
	return m.traverse(pendingPublishPrefix, func(key string, value []byte) bool {
		rest := strings.TrimPrefix(key, pendingPublishPrefix)
		if len(rest) != 41 || rest[20] != '_' {
			return true
		}
		id, err1 := strconv.ParseInt(rest[:20], 10, 64)
		version, err2 := strconv.ParseInt(rest[21:], 10, 64)
		if err1 != nil || err2 != nil {
			return true
		}
		return fn(tablet.ID(id), tablet.Version(version), value)
	})
}

// RemovePendingPublish deletes one pending-publish record.
func (m *Meta) RemovePendingPublish(tabletID tablet.ID, version tablet.Version) error {
	return m.delete(PendingPublishKey(tabletID, version))
}

// SaveRemoteRowsetGC records an intent to reclaim a rowset's remote data.
func (m *Meta) SaveRemoteRowsetGC(r RemoteRowsetGC) error {
	return m.putJSON(remoteRowsetPrefix+string(r.RowsetID), r)
}

// TraverseRemoteRowsetGC streams remote rowset GC intents. Undecodable
// records are skipped with a false ok flag left to the caller's logs.
func (m *Meta) TraverseRemoteRowsetGC(fn func(r RemoteRowsetGC, raw []byte, ok bool) bool) error {
	return m.traverse(remoteRowsetPrefix, func(key string, value []byte) bool {
		var r RemoteRowsetGC
		err := json.Unmarshal(value, &r)
		return fn(r, value, err == nil)
	})
}

// RemoveRemoteRowsetGC drops a remote rowset GC intent.
func (m *Meta) RemoveRemoteRowsetGC(rowsetID tablet.RowsetID) error {
	return m.delete(remoteRowsetPrefix + string(rowsetID))
}

// SaveRemoteTabletGC records an intent to reclaim a tablet's remote data.
func (m *Meta) SaveRemoteTabletGC(r RemoteTabletGC) error {
	return m.putJSON(remoteTabletPrefix+pad(int64(r.TabletID)), r)
}

// TraverseRemoteTabletGC streams remote tablet GC intents.
func (m *Meta) TraverseRemoteTabletGC(fn func(r RemoteTabletGC, raw []byte, ok bool) bool) error {
	return m.traverse(remoteTabletPrefix, func(key string, value []byte) bool {
		var r RemoteTabletGC
		err := json.Unmarshal(value, &r)
		return fn(r, value, err == nil)
	})
}

// RemoveRemoteTabletGC drops a remote tablet GC intent.
func (m *Meta) RemoveRemoteTabletGC(tabletID tablet.ID) error {
	return m.delete(remoteTabletPrefix + pad(int64(tabletID)))
}

// RemoveRowsetMetas batch-deletes a set of rowset metas.
func (m *Meta) RemoveRowsetMetas(refs []RowsetMeta) error {
	batch := m.db.NewBatch()
	for _, rm := range refs {
		_ = batch.Delete([]byte(RowsetMetaKey(rm.TabletUID, rm.RowsetID)), nil)
	}
	if err := m.db.Apply(batch, pebble.Sync); err != nil {
		return fmt.Errorf("meta: batch remove rowset metas: %w", err)
	}
	return nil
}

// RemoveBinlogMetas batch-deletes binlog metas by key.
func (m *Meta) RemoveBinlogMetas(keys []string) error {
	batch := m.db.NewBatch()
	for _, key := range keys {
		_ = batch.Delete([]byte(key), nil)
	}
	if err := m.db.Apply(batch, pebble.Sync); err != nil {
		return fmt.Errorf("meta: batch remove binlog metas: %w", err)
	}
	return nil
}
