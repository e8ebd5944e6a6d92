package payout

import (
	"github.com/iov-one/weave/coin"
	"github.com/iov-one/weave/errors"
	"github.com/iov-one/weave/migration"
)

func init() {
	migration.MustRegister(1, &CreateMsg{}, migration.NoModification)
	migration.MustRegister(1, &DepositMsg{}, migration.NoModification)
	migration.MustRegister(1, &ForwardMsg{}, migration.NoModification)
	migration.MustRegister(1, &UpdateRecipientsMsg{}, migration.NoModification)
	migration.MustRegister(1, &UpdateBatchSizeMsg{}, migration.NoModification)
	migration.MustRegister(1, &RecoverMsg{}, migration.NoModification)
}

const (
	pathCreateMsg           = "payout/create"
	pathDepositMsg          = "payout/deposit"
	pathForwardMsg          = "payout/forward"
	pathUpdateRecipientsMsg = "payout/updateRecipients"
	pathUpdateBatchSizeMsg  = "payout/updateBatchSize"
	pathRecoverMsg          = "payout/recover"
)

func (msg *CreateMsg) Validate() error {
	if err := msg.Metadata.Validate(); err != nil {
		return errors.Wrap(err, "invalid metadata")
	}
	if err := msg.Admin.Validate(); err != nil {
		return errors.Wrap(err, "invalid admin address")
	}
	if err := msg.Operator.Validate(); err != nil {
		return errors.Wrap(err, "invalid operator address")
	}
	if err := msg.Forwarder.Validate(); err != nil {
		return errors.Wrap(err, "invalid forwarder address")
	}
	if !coin.IsCC(msg.Ticker) {
		return errors.Wrapf(errors.ErrCurrency, "invalid ticker %q", msg.Ticker)
	}
	// Zero means the default batch size, any other value is taken as is.
	return nil
}

func (CreateMsg) Path() string {
	return pathCreateMsg
}

func (msg *DepositMsg) Validate() error {
	if err := msg.Metadata.Validate(); err != nil {
		return errors.Wrap(err, "invalid metadata")
	}
	if len(msg.PoolID) == 0 {
		return errors.Wrap(errors.ErrMsg, "pool ID missing")
	}
	if msg.Amount == nil {
		return errors.Wrap(errors.ErrAmount, "amount missing")
	}
	if err := msg.Amount.Validate(); err != nil {
		return errors.Wrap(err, "invalid amount")
	}
	if !msg.Amount.IsPositive() {
		return errors.Wrap(errors.ErrAmount, "amount must be positive")
	}
	return nil
}

func (DepositMsg) Path() string {
	return pathDepositMsg
}

func (msg *ForwardMsg) Validate() error {
	if err := msg.Metadata.Validate(); err != nil {
		return errors.Wrap(err, "invalid metadata")
	}
	if len(msg.PoolID) == 0 {
		return errors.Wrap(errors.ErrMsg, "pool ID missing")
	}
	// Splits are checked before the amount so that a malformed split
	// vector is always reported first, regardless of the amount given.
	if err := validateSplits(msg.Splits); err != nil {
		return err
	}
	if msg.Amount == nil {
		return errors.Wrap(errors.ErrAmount, "amount missing")
	}
	if err := msg.Amount.Validate(); err != nil {
		return errors.Wrap(err, "invalid amount")
	}
	if !msg.Amount.IsPositive() {
		return errors.Wrap(errors.ErrAmount, "amount must be positive")
	}
	// Shares are computed as amount * split / 100 rounded down to whole
	// tokens, so a fractional amount cannot be distributed.
	if msg.Amount.Fractional != 0 {
		return errors.Wrap(errors.ErrAmount, "amount must be in whole tokens")
	}
	return nil
}

func (ForwardMsg) Path() string {
	return pathForwardMsg
}

// validateSplits ensures that the given percentages form a valid split
// vector. Each entry is checked incrementally and the first prefix that
// exceeds 100 fails the whole vector, before the total is required to be
// exactly 100. An empty vector is rejected on the total check.
// The sum is accumulated in a wider type so that a huge entry cannot wrap
// it back into the valid range.
func validateSplits(splits []uint32) error {
	var sum uint64
	for i, s := range splits {
		sum += uint64(s)
		if sum > 100 {
			return errors.Wrapf(ErrInvalidSplitAmounts, "splits exceed 100%% at entry %d", i)
		}
	}
	if sum != 100 {
		return errors.Wrapf(ErrInvalidSplitAmounts, "splits sum to %d%%, must be 100%%", sum)
	}
	return nil
}

func (msg *UpdateRecipientsMsg) Validate() error {
	if err := msg.Metadata.Validate(); err != nil {
		return errors.Wrap(err, "invalid metadata")
	}
	if len(msg.PoolID) == 0 {
		return errors.Wrap(errors.ErrMsg, "pool ID missing")
	}
	if err := validateRecipients(msg.Recipients, errors.ErrMsg); err != nil {
		return err
	}
	return nil
}

func (UpdateRecipientsMsg) Path() string {
	return pathUpdateRecipientsMsg
}

func (msg *UpdateBatchSizeMsg) Validate() error {
	if err := msg.Metadata.Validate(); err != nil {
		return errors.Wrap(err, "invalid metadata")
	}
	if len(msg.PoolID) == 0 {
		return errors.Wrap(errors.ErrMsg, "pool ID missing")
	}
	if msg.BatchSize == 0 {
		return errors.Wrap(errors.ErrInput, "batch size must be positive")
	}
	return nil
}

func (UpdateBatchSizeMsg) Path() string {
	return pathUpdateBatchSizeMsg
}

func (msg *RecoverMsg) Validate() error {
	if err := msg.Metadata.Validate(); err != nil {
		return errors.Wrap(err, "invalid metadata")
	}
	if len(msg.PoolID) == 0 {
		return errors.Wrap(errors.ErrMsg, "pool ID missing")
	}
	if err := msg.Destination.Validate(); err != nil {
		return errors.Wrap(err, "invalid destination address")
	}
	return nil
}

func (RecoverMsg) Path() string {
	return pathRecoverMsg
}
