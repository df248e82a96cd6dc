package meta

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-db/quarry/internal/tablet"
)

func openTestMeta(t *testing.T) *Meta {
	t.Helper()
	m, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestRowsetMetaRoundTrip(t *testing.T) {
	m := openTestMeta(t)
	uid := uuid.New()
	rm := RowsetMeta{
		RowsetID:     "rs-001",
		TabletID:     101,
		TabletUID:    uid,
		State:        RowsetStateVisible,
		StartVersion: 1,
		EndVersion:   5,
		IsLocal:      true,
	}
	require.NoError(t, m.SaveRowsetMeta(rm))

	var seen []tablet.RowsetID
	err := m.TraverseRowsetMetas(func(gotUID tablet.UID, rowsetID tablet.RowsetID, value []byte) bool {
		assert.Equal(t, uid, gotUID)
		assert.NotEmpty(t, value)
		seen = append(seen, rowsetID)
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []tablet.RowsetID{"rs-001"}, seen)

	require.NoError(t, m.RemoveRowsetMeta(uid, "rs-001"))
	count := 0
	require.NoError(t, m.TraverseRowsetMetas(func(tablet.UID, tablet.RowsetID, []byte) bool {
		count++
		return true
	}))
	assert.Zero(t, count)
}

func TestRemoveRowsetMetasBatch(t *testing.T) {
	m := openTestMeta(t)
	uid := uuid.New()
	var refs []RowsetMeta
	for _, id := range []tablet.RowsetID{"rs-a", "rs-b", "rs-c"} {
		rm := RowsetMeta{RowsetID: id, TabletID: 7, TabletUID: uid, State: RowsetStateVisible}
		require.NoError(t, m.SaveRowsetMeta(rm))
		refs = append(refs, rm)
	}
	require.NoError(t, m.RemoveRowsetMetas(refs[:2]))

	var left []tablet.RowsetID
	require.NoError(t, m.TraverseRowsetMetas(func(_ tablet.UID, rowsetID tablet.RowsetID, _ []byte) bool {
		left = append(left, rowsetID)
		return true
	}))
	assert.Equal(t, []tablet.RowsetID{"rs-c"}, left)
}

func TestBinlogMetaNeedCheckOnBadValue(t *testing.T) {
	m := openTestMeta(t)
	require.NoError(t, m.SaveBinlogMeta(BinlogMeta{TabletID: 3, RowsetID: "rs-x", Version: 9}))
	require.NoError(t, m.put(BinlogMetaKey(4, "rs-y"), []byte("not json")))

	checks := map[string]bool{}
	require.NoError(t, m.TraverseBinlogMetas(func(key string, _ []byte, needCheck bool) bool {
		checks[key] = needCheck
		return true
	}))
	require.Len(t, checks, 2)
	assert.False(t, checks[BinlogMetaKey(3, "rs-x")])
	assert.True(t, checks[BinlogMetaKey(4, "rs-y")])

	require.NoError(t, m.RemoveBinlogMetas([]string{BinlogMetaKey(4, "rs-y")}))
	count := 0
	require.NoError(t, m.TraverseBinlogMetas(func(string, []byte, bool) bool {
		count++
		return true
	}))
	assert.Equal(t, 1, count)
}

func TestDeleteBitmapRangeRemoval(t *testing.T) {
	m := openTestMeta(t)
	for v := tablet.Version(1); v <= 5; v++ {
		require.NoError(t, m.SaveDeleteBitmap(42, v, "rs-1", []byte{1}))
	}
	require.NoError(t, m.SaveDeleteBitmap(43, 1, "rs-2", []byte{1}))

	require.NoError(t, m.RemoveDeleteBitmaps(42, 3))

	versions := map[tablet.ID][]tablet.Version{}
	require.NoError(t, m.TraverseDeleteBitmaps(func(id tablet.ID, v tablet.Version, _ []byte) bool {
		versions[id] = append(versions[id], v)
		return true
	}))
	assert.Equal(t, []tablet.Version{4, 5}, versions[42])
	assert.Equal(t, []tablet.Version{1}, versions[43])

	require.NoError(t, m.RemoveDeleteBitmaps(42, tablet.MaxVersion))
	versions = map[tablet.ID][]tablet.Version{}
	require.NoError(t, m.TraverseDeleteBitmaps(func(id tablet.ID, v tablet.Version, _ []byte) bool {
		versions[id] = append(versions[id], v)
		return true
	}))
	assert.Empty(t, versions[42])
	assert.Len(t, versions[43], 1)
}

func TestRemoveRowsetDeleteBitmaps(t *testing.T) {
	m := openTestMeta(t)
	require.NoError(t, m.SaveDeleteBitmap(10, 1, "rs-keep", []byte{1}))
	require.NoError(t, m.SaveDeleteBitmap(10, 2, "rs-drop", []byte{1}))
	require.NoError(t, m.SaveDeleteBitmap(10, 3, "rs-drop", []byte{1}))

	require.NoError(t, m.RemoveRowsetDeleteBitmaps(10, "rs-drop"))

	count := 0
	require.NoError(t, m.TraverseDeleteBitmaps(func(tablet.ID, tablet.Version, []byte) bool {
		count++
		return true
	}))
	assert.Equal(t, 1, count)
}

func TestPendingPublishRoundTrip(t *testing.T) {
	m := openTestMeta(t)
	require.NoError(t, m.SavePendingPublish(PendingPublish{TabletID: 5, PublishVersion: 12, TxnID: 900}))

	found := false
	require.NoError(t, m.TraversePendingPublish(func(id tablet.ID, v tablet.Version, _ []byte) bool {
		assert.Equal(t, tablet.ID(5), id)
		assert.Equal(t, tablet.Version(12), v)
		found = true
		return true
	}))
	require.True(t, found)

	require.NoError(t, m.RemovePendingPublish(5, 12))
	count := 0
	require.NoError(t, m.TraversePendingPublish(func(tablet.ID, tablet.Version, []byte) bool {
		count++
		return true
	}))
	assert.Zero(t, count)
}

func TestRemoteGCIntents(t *testing.T) {
	m := openTestMeta(t)
	require.NoError(t, m.SaveRemoteRowsetGC(RemoteRowsetGC{
		RowsetID: "rs-r", RemotePath: "data/1001", NumSegments: 2,
	}))
	require.NoError(t, m.SaveRemoteTabletGC(RemoteTabletGC{
		TabletID: 1001, RemotePath: "data/1001",
	}))

	var rowsets []RemoteRowsetGC
	require.NoError(t, m.TraverseRemoteRowsetGC(func(r RemoteRowsetGC, _ []byte, ok bool) bool {
		require.True(t, ok)
		rowsets = append(rowsets, r)
		return true
	}))
	require.Len(t, rowsets, 1)
	assert.Equal(t, 2, rowsets[0].NumSegments)

	require.NoError(t, m.RemoveRemoteRowsetGC("rs-r"))
	require.NoError(t, m.RemoveRemoteTabletGC(1001))

	count := 0
	require.NoError(t, m.TraverseRemoteRowsetGC(func(RemoteRowsetGC, []byte, bool) bool {
		count++
		return true
	}))
	require.NoError(t, m.TraverseRemoteTabletGC(func(RemoteTabletGC, []byte, bool) bool {
		count++
		return true
	}))
	assert.Zero(t, count)
}

func TestTraversalStopsWhenCallbackReturnsFalse(t *testing.T) {
	m := openTestMeta(t)
	uid := uuid.New()
	for _, id := range []tablet.RowsetID{"rs-1", "rs-2", "rs-3"} {
		require.NoError(t, m.SaveRowsetMeta(RowsetMeta{RowsetID: id, TabletUID: uid}))
	}
	count := 0
	require.NoError(t, m.TraverseRowsetMetas(func(tablet.UID, tablet.RowsetID, []byte) bool {
		count++
		return count < 2
	}))
	assert.Equal(t, 2, count)
}
