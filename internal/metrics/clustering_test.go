package metrics

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdjustedRandIndex(t *testing.T) {
	tests := []struct {
		name string
		a, b Partition
		want float64
	}{
		{
			name: "identical partitions",
			a:    Partition{0, 0, 1, 1, 2},
			b:    Partition{0, 0, 1, 1, 2},
			want: 1,
		},
		{
			name: "identical up to relabeling",
			a:    Partition{0, 0, 1, 1, 2},
			b:    Partition{7, 7, 3, 3, 9},
			want: 1,
		},
		{
			// one three-member cluster split in half by the candidate:
			// hand-computed 0.8 / 3.3
			name: "candidate splits a cluster",
			a:    Partition{0, 0, 0, 1, 1, 1},
			b:    Partition{0, 0, 1, 1, 2, 2},
			want: 0.242424,
		},
		{
			name: "orthogonal partitions score below random",
			a:    Partition{0, 1, 0, 1},
			b:    Partition{0, 0, 1, 1},
			want: -0.5,
		},
		{
			name: "everything in one cluster on both sides",
			a:    Partition{0, 0, 0},
			b:    Partition{5, 5, 5},
			want: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, AdjustedRandIndex(tt.a, tt.b), 1e-5)
		})
	}
}

func TestAdjustedRandIndexDegenerateInputs(t *testing.T) {
	assert.Equal(t, 0.0, AdjustedRandIndex(nil, nil))
	assert.Equal(t, 0.0, AdjustedRandIndex(Partition{0}, Partition{0}))
	assert.Equal(t, 0.0, AdjustedRandIndex(Partition{0, 1}, Partition{0}))
}

func TestVariationOfInformation(t *testing.T) {
	assert.Equal(t, 0.0, VariationOfInformation(Partition{0, 0, 1}, Partition{2, 2, 5}),
		"identical partitions carry no extra information")

	// hand-computed for {0,0,0,1,1,1} vs {0,0,1,1,2,2}
	vi := VariationOfInformation(Partition{0, 0, 0, 1, 1, 1}, Partition{0, 0, 1, 1, 2, 2})
	assert.InDelta(t, 1.25163, vi, 1e-4)

	assert.InDelta(t, vi,
		VariationOfInformation(Partition{0, 0, 1, 1, 2, 2}, Partition{0, 0, 0, 1, 1, 1}),
		1e-12, "VI is symmetric")

	assert.Equal(t, 0.0, VariationOfInformation(Partition{0}, Partition{0}))
}

func TestVariationOfInformationOrdersDrift(t *testing.T) {
	base := Partition{0, 0, 0, 1, 1, 1}
	near := Partition{0, 0, 1, 1, 1, 1}  // one member moved
	far := Partition{0, 1, 2, 3, 4, 5}   // everything apart
	assert.Less(t, VariationOfInformation(base, near), VariationOfInformation(base, far))
}

func stableID(n byte) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf("%02x000000-0000-0000-0000-000000000000", n))
}

func TestAlignPartitionsOverlapOnly(t *testing.T) {
	a := map[uuid.UUID]int{
		stableID(1): 0,
		stableID(2): 0,
		stableID(3): 1,
		stableID(4): 9, // only on this side, dropped
	}
	b := map[uuid.UUID]int{
		stableID(1): 4,
		stableID(2): 4,
		stableID(3): 8,
		stableID(5): 0, // only on this side, dropped
	}

	pa, pb := AlignPartitions(a, b)
	require.Len(t, pa, 3)
	require.Len(t, pb, 3)
	assert.Equal(t, Partition{0, 0, 1}, pa)
	assert.Equal(t, Partition{4, 4, 8}, pb)
	assert.InDelta(t, 1.0, AdjustedRandIndex(pa, pb), 1e-12,
		"both sides cluster the overlap identically")
}

func TestAlignPartitionsIsOrderStable(t *testing.T) {
	a := map[uuid.UUID]int{stableID(9): 1, stableID(2): 0, stableID(5): 1}
	b := map[uuid.UUID]int{stableID(5): 3, stableID(9): 3, stableID(2): 7}

	pa1, pb1 := AlignPartitions(a, b)
	pa2, pb2 := AlignPartitions(a, b)
	assert.Equal(t, pa1, pa2)
	assert.Equal(t, pb1, pb2)
}
