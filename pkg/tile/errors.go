package tile

import "errors"

// Contract violations. These indicate a caller bug; a result returned together
// with one of these errors must not be applied.
var (
	// ErrInvalidInterval is returned when an interval does not satisfy FromMs < ToMs
	ErrInvalidInterval = errors.New("invalid interval")

	// ErrAmbiguousTrim is returned when a trim is asked to cut out a strictly
	// interior range, which needs a split instead
	ErrAmbiguousTrim = errors.New("trim exclusion is interior to tile")

	// ErrOverlap is returned when a tile array fails the non-overlap assertion
	ErrOverlap = errors.New("tiles overlap")

	// ErrDataLoss is returned under StrategyThrow when ready bins would be discarded
	ErrDataLoss = errors.New("insert would discard ready data")
)
