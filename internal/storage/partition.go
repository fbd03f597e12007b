package storage

import (
	"encoding/hex"
	"fmt"
	"math/bits"

	ferrors "github.com/factline/factline/internal/errors"
	"github.com/factline/factline/internal/model"
)

// Partition scans split the fixed-width hash subject space into
// contiguous equal ranges computed from (partition_id, nb_partitions)
// alone. No partition table is stored, so nb_partitions may vary
// between calls without migration.
//
// Bounds are expressed as 16-hex-char prefixes of the 64-bit prefix
// space. For a subject at least as long as the prefix, plain string
// comparison against a bound prefix is equivalent to numeric comparison
// of its leading 64 bits, in memory and in SQL alike. A subject shorter
// than the prefix sorts strictly below its own zero-padded value, so
// partition zero keeps an unbounded lower edge to catch it; the bounds
// still tile the whole subject space with no gap or overlap.

// PartitionBounds returns the inclusive lower and exclusive upper hex
// bound of one partition. An empty lower bound means unbounded below
// (the first partition); an empty upper bound means unbounded above
// (the last partition).
func PartitionBounds(partitionID, nbPartitions int) (lo, hi string) {
	n := uint64(nbPartitions)
	p := uint64(partitionID)
	if partitionID > 0 {
		// floor(p * 2^64 / n); p < n keeps the quotient in range.
		loN, _ := bits.Div64(p, 0, n)
		lo = fmt.Sprintf("%016x", loN)
	}
	if partitionID+1 == nbPartitions {
		return lo, ""
	}
	hiN, _ := bits.Div64(p+1, 0, n)
	return lo, fmt.Sprintf("%016x", hiN)
}

// ValidatePartition checks a partition request against a kind. Only
// hash-subject kinds are partition-scannable.
func ValidatePartition(kind model.Kind, req PartitionRequest) (model.KindSpec, error) {
	spec, err := kindSpec(kind)
	if err != nil {
		return spec, err
	}
	if spec.Subject != model.SubjectHash {
		return spec, ferrors.New(ferrors.ErrCodeInvalidPartition,
			fmt.Sprintf("kind %s has URL subjects and cannot be partition-scanned", kind), nil)
	}
	if req.ToolID <= 0 {
		return spec, ferrors.Argument("partition scan requires a tool id")
	}
	if req.Limit <= 0 {
		return spec, ferrors.Argument("partition scan requires a positive limit")
	}
	if req.NbPartitions < 1 {
		return spec, ferrors.New(ferrors.ErrCodeInvalidPartition,
			"nb_partitions must be at least 1", nil)
	}
	if req.PartitionID < 0 || req.PartitionID >= req.NbPartitions {
		return spec, ferrors.New(ferrors.ErrCodeInvalidPartition,
			fmt.Sprintf("partition_id %d out of range [0, %d)", req.PartitionID, req.NbPartitions), nil)
	}
	if req.PageToken != "" {
		if _, err := hex.DecodeString(req.PageToken); err != nil {
			return spec, ferrors.Argumentf("page token %q is not hex: %v", req.PageToken, err)
		}
	}
	return spec, nil
}

// TrimPage applies the over-fetch-and-trim rule: callers fetch limit+1
// subjects and TrimPage trims to limit, emitting the next page token
// only when an extra subject proved the partition is not exhausted.
// This avoids the empty-vs-full ambiguity of a final page that holds
// exactly limit subjects.
func TrimPage(subjects []model.Subject, limit int) PartitionPage {
	if len(subjects) <= limit {
		return PartitionPage{Subjects: subjects}
	}
	trimmed := subjects[:limit]
	return PartitionPage{
		Subjects:      trimmed,
		NextPageToken: string(trimmed[limit-1]),
	}
}

// InPartition reports whether a subject falls inside the given bounds.
func InPartition(s model.Subject, lo, hi string) bool {
	if string(s) < lo {
		return false
	}
	return hi == "" || string(s) < hi
}
