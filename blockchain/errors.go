package blockchain

import (
	"errors"
	"fmt"
)

var (
	ErrBlockNotFound      = errors.New("block not found")
	ErrInvalidProofOfWork = errors.New("invalid proof of work")
	ErrBitsMismatch       = errors.New("bits mismatch")
	ErrMissingAncestor    = errors.New("missing ancestor")
	ErrPrevHashMismatch   = errors.New("previous block hash mismatch")
	ErrForkHashMismatch   = errors.New("fork block hash mismatch")

	// ErrStaleBranch is returned for a valid batch that forks below the
	// tip without overtaking it.
	ErrStaleBranch = errors.New("branch does not extend past the current tip")
)

// BitsMismatchError reports a block whose bits differ from the value the
// applicable difficulty rule computed.
type BitsMismatchError struct {
	Height   int32
	Expected uint32
	Actual   uint32
}

func (e *BitsMismatchError) Error() string {
	return fmt.Sprintf("bits mismatch at height %d: expected %08x, got %08x",
		e.Height, e.Expected, e.Actual)
}

func (e *BitsMismatchError) Is(target error) bool {
	return target == ErrBitsMismatch
}

func checkBits(block *Block, expected uint32) error {
	if block.Bits() != expected {
		return &BitsMismatchError{Height: block.Height, Expected: expected, Actual: block.Bits()}
	}
	return nil
}

// IsConsensusError reports whether err means the offered headers break
// consensus rules, as opposed to local history being insufficient.
func IsConsensusError(err error) bool {
	return errors.Is(err, ErrInvalidProofOfWork) ||
		errors.Is(err, ErrBitsMismatch) ||
		errors.Is(err, ErrPrevHashMismatch) ||
		errors.Is(err, ErrForkHashMismatch)
}
