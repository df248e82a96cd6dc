// Package tablet defines the identifiers shared across the storage engine
// and the narrow interfaces through which the engine consumes the external
// tablet and transaction managers. The managers themselves (the tablet
// object graph, the publish protocol) live outside this module.
package tablet

import (
	"context"

	"github.com/google/uuid"
)

// ID identifies a tablet.
type ID int64

// PartitionID identifies the logical partition a tablet belongs to.
type PartitionID int64

// TxnID identifies a load transaction.
type TxnID int64

// RowsetID identifies a rowset within a tablet.
type RowsetID string

// Version is a rowset or publish version number.
type Version int64

// MaxVersion is the largest representable version, used as the upper bound
// for whole-tablet range operations.
const MaxVersion Version = 1<<63 - 1

// UID is the unique identity of one tablet incarnation. Recreating a
// dropped tablet with the same ID yields a different UID.
type UID = uuid.UUID

// Info is the (id, uid) pair identifying one tablet incarnation.
type Info struct {
	TabletID  ID
	TabletUID UID
}

// Tablet is the live in-memory tablet handle, owned by the external
// tablet manager. Only the methods the storage engine's reconciliation
// passes need are exposed here.
type Tablet interface {
	// ID returns the tablet id.
	ID() ID

	// UID returns the uid of this tablet incarnation.
	UID() UID

	// RowsetMetaIsUseful reports whether a persisted VISIBLE rowset meta
	// still participates in the tablet's version graph. A superseded
	// (compacted-away) rowset returns false.
	RowsetMetaIsUseful(rowsetID RowsetID) bool

	// EnableUniqueKeyMergeOnWrite reports whether the tablet is a
	// merge-on-write unique-key table carrying delete bitmaps.
	EnableUniqueKeyMergeOnWrite() bool

	// ClearDeleteBitmap drops the in-memory delete-bitmap entries for
	// the given rowset.
	ClearDeleteBitmap(rowsetID RowsetID)

	// GCBinlogs removes binlog files up to and including version.
	GCBinlogs(version Version)
}

// CreateRequest carries the parameters for creating a tablet replica.
type CreateRequest struct {
	TabletID    ID
	PartitionID PartitionID
	SchemaHash  int64
}

// PathInfo accumulates per-store usage as seen by the tablet manager.
type PathInfo struct {
	LocalUsedBytes  int64
	RemoteUsedBytes int64
}

// Manager is the external tablet manager: the authoritative live-tablet
// set. Lookups are cheap and may be re-queried per record during
// reconciliation passes.
type Manager interface {
	// GetTablet returns the live tablet with the given id, or nil.
	GetTablet(id ID) Tablet

	// GetTabletWithUID returns the live tablet matching both id and uid,
	// or nil. When includeDeleted is true, tablets pending drop are
	// still returned.
	GetTabletWithUID(id ID, uid UID, includeDeleted bool) Tablet

	// CreateTablet creates a tablet replica, attempting the candidate
	// store paths in order until one accepts.
	CreateTablet(ctx context.Context, req CreateRequest, storePaths []string) error

	// UpdateRootPathInfo fills per-store tablet usage into pathInfos
	// (keyed by store path) and returns the total tablet count.
	UpdateRootPathInfo(pathInfos map[string]*PathInfo) int

	// StartTrashSweep moves dropped tablets to trash and clears expired
	// incremental rowsets. Part of the composed sweep cycle.
	StartTrashSweep(ctx context.Context) error
}

// TxnManager is the external transaction manager, consumed when clearing
// aborted transaction tasks and reconciling stale transactions.
type TxnManager interface {
	// PartitionIDs returns the partitions touched by a transaction.
	PartitionIDs(txnID TxnID) []PartitionID

	// TxnRelatedTablets returns the tablets a transaction touched
	// within one partition.
	TxnRelatedTablets(txnID TxnID, partitionID PartitionID) []Info

	// DeleteTxn removes the transaction state for one tablet.
	DeleteTxn(partitionID PartitionID, t Tablet, txnID TxnID) error

	// AllRelatedTablets returns every tablet referenced by any
	// in-flight transaction.
	AllRelatedTablets() []Info

	// ForceRollbackTabletRelatedTxns aborts every transaction touching
	// the given tablet incarnation. A nil meta handle means in-memory
	// state only is rolled back.
	ForceRollbackTabletRelatedTxns(id ID, uid UID)
}
