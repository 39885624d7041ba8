package form

import "github.com/hpungsan/forma/internal/kv"

// Persisted key layout.
const (
	MetadataKey = "formsMetadata"
	SequenceKey = "lastFormSequenceNumber"

	segmentsKeyPrefix       = "formRecordings-"
	legacySegmentsKeyPrefix = "formNotes:"
)

// SegmentsKey is the key holding the segment collection of a form.
func SegmentsKey(formID string) string {
	return segmentsKeyPrefix + formID
}

// LegacySegmentsKey is the key an older app variant used for the same collection.
// It is read as a fallback and removed together with the canonical key.
func LegacySegmentsKey(formID string) string {
	return legacySegmentsKeyPrefix + formID
}

// SegmentKeys lists every key that may hold segments for formID.
func SegmentKeys(formID string) []string {
	return []string{SegmentsKey(formID), LegacySegmentsKey(formID)}
}

// SegmentRemoveOps removes formID's whole segment collection, legacy key included.
func SegmentRemoveOps(formID string) []kv.Op {
	keys := SegmentKeys(formID)
	ops := make([]kv.Op, 0, len(keys))
	for _, key := range keys {
		ops = append(ops, kv.Remove(key))
	}
	return ops
}
