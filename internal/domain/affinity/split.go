package affinity

import (
	"math/rand"

	"github.com/turtacn/ic50bert/pkg/errors"
)

// Subset is a view of a Source restricted to a list of positions.
type Subset struct {
	source  Source
	indices []int
}

// NewSubset validates indices against source up front.
func NewSubset(source Source, indices []int) (*Subset, error) {
	n := source.Len()
	for _, i := range indices {
		if i < 0 || i >= n {
			return nil, errors.IndexError(i, n)
		}
	}
	cp := make([]int, len(indices))
	copy(cp, indices)
	return &Subset{source: source, indices: cp}, nil
}

func (s *Subset) Len() int { return len(s.indices) }

func (s *Subset) At(i int) (Record, error) {
	if i < 0 || i >= len(s.indices) {
		return Record{}, errors.IndexError(i, len(s.indices))
	}
	return s.source.At(s.indices[i])
}

// Split partitions source into train and validation views. The partition is
// a seeded permutation, so the same seed always yields the same split.
// valFraction must be in [0, 1); zero yields a nil validation view.
func Split(source Source, valFraction float64, seed int64) (train, val *Subset, err error) {
	if valFraction < 0 || valFraction >= 1 {
		return nil, nil, errors.InvalidParam("validation fraction must be in [0, 1)")
	}
	n := source.Len()
	perm := rand.New(rand.NewSource(seed)).Perm(n)

	nVal := int(float64(n) * valFraction)
	if valFraction > 0 && nVal == 0 && n > 1 {
		nVal = 1
	}
	train, err = NewSubset(source, perm[nVal:])
	if err != nil {
		return nil, nil, err
	}
	if nVal == 0 {
		return train, nil, nil
	}
	val, err = NewSubset(source, perm[:nVal])
	if err != nil {
		return nil, nil, err
	}
	return train, val, nil
}
