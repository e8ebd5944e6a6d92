package payout

import (
	"github.com/iov-one/weave/errors"
)

var (
	// ErrInvalidSplits is returned when the length of a split vector does
	// not match the length of the pool recipient list.
	ErrInvalidSplits = errors.Register(1200, "invalid splits")

	// ErrInvalidSplitAmounts is returned when split percentages do not sum
	// to exactly 100, or any prefix of the vector already exceeds 100.
	ErrInvalidSplitAmounts = errors.Register(1201, "invalid split amounts")

	// ErrInsufficientFunds is returned when a distribution requests more
	// than the pool account holds.
	ErrInsufficientFunds = errors.Register(1202, "insufficient funds")

	// ErrReentrancy is returned when a forward call is made while another
	// one is still being executed.
	ErrReentrancy = errors.Register(1203, "reentrant call")
)
