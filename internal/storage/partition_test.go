package storage

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factline/factline/internal/model"
)

func TestPartitionBounds_SinglePartitionCoversEverything(t *testing.T) {
	lo, hi := PartitionBounds(0, 1)

	assert.Equal(t, "", lo)
	assert.Equal(t, "", hi)
}

func TestPartitionBounds_HalvesAtTwo(t *testing.T) {
	lo0, hi0 := PartitionBounds(0, 2)
	lo1, hi1 := PartitionBounds(1, 2)

	assert.Equal(t, "", lo0)
	assert.Equal(t, "8000000000000000", hi0)
	assert.Equal(t, "8000000000000000", lo1)
	assert.Equal(t, "", hi1)
}

func TestPartitionBounds_ContiguousAndOrdered(t *testing.T) {
	for _, nb := range []int{1, 2, 3, 4, 16, 255} {
		t.Run(fmt.Sprintf("nb=%d", nb), func(t *testing.T) {
			prevHi := ""
			for p := 0; p < nb; p++ {
				lo, hi := PartitionBounds(p, nb)
				// Each partition starts exactly where the previous ended.
				assert.Equal(t, prevHi, lo)
				if p+1 < nb {
					require.NotEmpty(t, hi)
					assert.Less(t, lo, hi)
					prevHi = hi
				} else {
					assert.Empty(t, hi)
				}
			}
		})
	}
}

func TestInPartition(t *testing.T) {
	lo, hi := PartitionBounds(0, 2)

	assert.True(t, InPartition("0000000000000000aa", lo, hi))
	assert.True(t, InPartition("7fffffffffffffffff", lo, hi))
	assert.False(t, InPartition("8000000000000000", lo, hi))
	assert.False(t, InPartition("ffffffffffffffffff", lo, hi))

	// Last partition has no upper bound.
	lo, hi = PartitionBounds(1, 2)
	assert.True(t, InPartition("ffffffffffffffffff", lo, hi))
	assert.False(t, InPartition("7fffffffffffffffff", lo, hi))
}

func TestEverySubjectLandsInExactlyOnePartition(t *testing.T) {
	subjects := []model.Subject{
		"0000000000000000000000000000000000000000",
		"34973274ccef6ab4dfaaf86599792fa9c3fe4689",
		"7fffffffffffffffffffffffffffffffffffffff",
		"8000000000000000000000000000000000000000",
		"da39a3ee5e6b4b0d3255bfef95601890afd80709",
		"ffffffffffffffffffffffffffffffffffffffff",
		// Shorter than the 16-char bound prefixes: these sort below
		// their zero-padded value and must not fall through the cracks.
		"00",
		"7f",
		"80",
		"ff",
	}
	for _, nb := range []int{1, 2, 4, 16} {
		for _, s := range subjects {
			hits := 0
			for p := 0; p < nb; p++ {
				lo, hi := PartitionBounds(p, nb)
				if InPartition(s, lo, hi) {
					hits++
				}
			}
			assert.Equal(t, 1, hits, "subject %s with nb=%d", s, nb)
		}
	}
}

func TestTrimPage(t *testing.T) {
	subjects := []model.Subject{"aa", "bb", "cc"}

	// Fewer than limit: final page, no token.
	page := TrimPage(subjects, 5)
	assert.Equal(t, subjects, page.Subjects)
	assert.Empty(t, page.NextPageToken)

	// Exactly limit: still final, the over-fetch proved exhaustion.
	page = TrimPage(subjects, 3)
	assert.Equal(t, subjects, page.Subjects)
	assert.Empty(t, page.NextPageToken)

	// Over-fetched: trimmed, token points at the last returned subject.
	page = TrimPage(subjects, 2)
	assert.Equal(t, []model.Subject{"aa", "bb"}, page.Subjects)
	assert.Equal(t, "bb", page.NextPageToken)
}

func TestValidatePartition(t *testing.T) {
	valid := PartitionRequest{ToolID: 1, PartitionID: 0, NbPartitions: 4, Limit: 10}

	_, err := ValidatePartition(model.KindContentMimetype, valid)
	assert.NoError(t, err)

	// URL-subject kinds cannot be partition-scanned.
	_, err = ValidatePartition(model.KindOriginIntrinsicMetadata, valid)
	assert.Error(t, err)

	bad := valid
	bad.PartitionID = 4
	_, err = ValidatePartition(model.KindContentMimetype, bad)
	assert.Error(t, err)

	bad = valid
	bad.NbPartitions = 0
	_, err = ValidatePartition(model.KindContentMimetype, bad)
	assert.Error(t, err)

	bad = valid
	bad.Limit = 0
	_, err = ValidatePartition(model.KindContentMimetype, bad)
	assert.Error(t, err)

	bad = valid
	bad.ToolID = 0
	_, err = ValidatePartition(model.KindContentMimetype, bad)
	assert.Error(t, err)

	bad = valid
	bad.PageToken = "not-hex"
	_, err = ValidatePartition(model.KindContentMimetype, bad)
	assert.Error(t, err)
}
