package types

import (
	"errors"
	"fmt"
	"sort"
)

const (
	// MaxValidators is the maximum number of validators in a set
	MaxValidators = 65535

	// MaxTotalWeight bounds the sum of weights so quorum arithmetic
	// never overflows.
	MaxTotalWeight = uint64(1) << 60
)

// Errors
var (
	ErrValidatorNotFound   = errors.New("validator not found")
	ErrDuplicateValidator  = errors.New("duplicate validator")
	ErrEmptyValidatorSet   = errors.New("empty validator set")
	ErrInvalidWeight       = errors.New("invalid validator weight")
	ErrTooManyValidators   = errors.New("too many validators")
	ErrTotalWeightOverflow = errors.New("total validator weight overflow")
	ErrEmptyValidatorName  = errors.New("validator has empty name")
)

// Validator is a weighted participant of an epoch.
type Validator struct {
	_struct struct{} `codec:",omitempty,omitemptyarray"`

	Name      string    `codec:"name"`
	PublicKey PublicKey `codec:"pk"`
	Weight    uint64    `codec:"w"`
	Addr      string    `codec:"addr"`
	Index     uint16    `codec:"idx"`
}

// ValidatorSet is the immutable, ordered set of validators for an epoch.
// All methods are safe for concurrent use.
type ValidatorSet struct {
	validators  []*Validator
	totalWeight uint64
	byKey       map[PublicKey]*Validator
	byName      map[string]*Validator
}

// NewValidatorSet creates a ValidatorSet from validators. Order is
// preserved and determines leader rotation.
func NewValidatorSet(validators []*Validator) (*ValidatorSet, error) {
	if len(validators) == 0 {
		return nil, ErrEmptyValidatorSet
	}
	if len(validators) > MaxValidators {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrTooManyValidators, len(validators), MaxValidators)
	}

	vs := &ValidatorSet{
		validators: make([]*Validator, len(validators)),
		byKey:      make(map[PublicKey]*Validator, len(validators)),
		byName:     make(map[string]*Validator, len(validators)),
	}

	for i, v := range validators {
		if v.Name == "" {
			return nil, fmt.Errorf("%w: validator %d", ErrEmptyValidatorName, i)
		}
		if v.Weight == 0 {
			return nil, fmt.Errorf("%w: %s has zero weight", ErrInvalidWeight, v.Name)
		}
		if _, exists := vs.byName[v.Name]; exists {
			return nil, fmt.Errorf("%w: name %s", ErrDuplicateValidator, v.Name)
		}
		if _, exists := vs.byKey[v.PublicKey]; exists {
			return nil, fmt.Errorf("%w: key %s", ErrDuplicateValidator, v.PublicKey.Short())
		}
		if vs.totalWeight > MaxTotalWeight-v.Weight {
			return nil, fmt.Errorf("%w: exceeds %d", ErrTotalWeightOverflow, MaxTotalWeight)
		}

		val := &Validator{
			Name:      v.Name,
			PublicKey: v.PublicKey,
			Weight:    v.Weight,
			Addr:      v.Addr,
			Index:     uint16(i),
		}
		vs.validators[i] = val
		vs.byKey[val.PublicKey] = val
		vs.byName[val.Name] = val
		vs.totalWeight += val.Weight
	}

	return vs, nil
}

// Size returns the number of validators
func (vs *ValidatorSet) Size() int {
	return len(vs.validators)
}

// TotalWeight returns the sum of all weights
func (vs *ValidatorSet) TotalWeight() uint64 {
	return vs.totalWeight
}

// QuorumWeight returns floor(2*total/3)+1, the smallest weight strictly
// greater than two thirds of the total. It is the threshold for every vote
// kind. Computed as third+third(+1 when the remainder is 2) so that total
// is never doubled.
func (vs *ValidatorSet) QuorumWeight() uint64 {
	return QuorumFor(vs.totalWeight)
}

// QuorumFor returns the quorum weight for a given total weight.
func QuorumFor(total uint64) uint64 {
	third := total / 3
	twoThirds := third + third
	if total%3 == 2 {
		twoThirds++
	}
	return twoThirds + 1
}

// Leader returns the public key of the leader for round.
func (vs *ValidatorSet) Leader(round uint64) PublicKey {
	return vs.validators[round%uint64(len(vs.validators))].PublicKey
}

// LeaderValidator returns the validator leading round.
func (vs *ValidatorSet) LeaderValidator(round uint64) *Validator {
	return vs.validators[round%uint64(len(vs.validators))]
}

// WeightOf returns the weight of pk, if it is a validator.
func (vs *ValidatorSet) WeightOf(pk PublicKey) (uint64, bool) {
	v, ok := vs.byKey[pk]
	if !ok {
		return 0, false
	}
	return v.Weight, true
}

// IsValidator returns true if pk belongs to the set.
func (vs *ValidatorSet) IsValidator(pk PublicKey) bool {
	_, ok := vs.byKey[pk]
	return ok
}

// GetByPublicKey returns a copy of the validator with key pk, or nil.
func (vs *ValidatorSet) GetByPublicKey(pk PublicKey) *Validator {
	v, ok := vs.byKey[pk]
	if !ok {
		return nil
	}
	cp := *v
	return &cp
}

// GetByName returns a copy of the named validator, or nil.
func (vs *ValidatorSet) GetByName(name string) *Validator {
	v, ok := vs.byName[name]
	if !ok {
		return nil
	}
	cp := *v
	return &cp
}

// GetByIndex returns a copy of the validator at index, or nil.
func (vs *ValidatorSet) GetByIndex(index uint16) *Validator {
	if int(index) >= len(vs.validators) {
		return nil
	}
	cp := *vs.validators[index]
	return &cp
}

// Validators returns copies of all validators in order.
func (vs *ValidatorSet) Validators() []*Validator {
	out := make([]*Validator, len(vs.validators))
	for i, v := range vs.validators {
		cp := *v
		out[i] = &cp
	}
	return out
}

// Hash returns a deterministic hash of the set, independent of input order.
func (vs *ValidatorSet) Hash() Hash {
	sorted := make([]Validator, len(vs.validators))
	for i, v := range vs.validators {
		sorted[i] = Validator{Name: v.Name, PublicKey: v.PublicKey, Weight: v.Weight}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Name < sorted[j].Name
	})
	return HashBytes(Encode(sorted))
}
