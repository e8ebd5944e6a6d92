package payout

import (
	"github.com/iov-one/weave"
	"github.com/iov-one/weave/coin"
	"github.com/iov-one/weave/errors"
	"github.com/iov-one/weave/migration"
	"github.com/iov-one/weave/orm"
)

func init() {
	migration.MustRegister(1, &Pool{}, migration.NoModification)
}

var _ orm.CloneableData = (*Pool)(nil)

const (
	// defaultBatchSize is used when a pool is created without an explicit
	// batch size.
	defaultBatchSize = 100

	// maxRecipients defines the maximum length of a pool recipient list.
	// This is a high number that should not be an issue in real life
	// scenarios. But having a sane limit allows us to avoid attacks.
	maxRecipients = 1000
)

func (p *Pool) Validate() error {
	if err := p.Metadata.Validate(); err != nil {
		return errors.Wrap(err, "invalid metadata")
	}
	if err := p.Admin.Validate(); err != nil {
		return errors.Wrap(err, "invalid admin address")
	}
	if err := p.Operator.Validate(); err != nil {
		return errors.Wrap(err, "invalid operator address")
	}
	if err := p.Forwarder.Validate(); err != nil {
		return errors.Wrap(err, "invalid forwarder address")
	}
	if !coin.IsCC(p.Ticker) {
		return errors.Wrapf(errors.ErrCurrency, "invalid ticker %q", p.Ticker)
	}
	// The recipient list starts empty and is set later by the operator,
	// so unlike for the update message an empty list is valid here.
	if len(p.Recipients) > 0 {
		if err := validateRecipients(p.Recipients, errors.ErrModel); err != nil {
			return err
		}
	}
	if p.BatchSize == 0 {
		return errors.Wrap(errors.ErrModel, "batch size must be positive")
	}
	if err := p.Address.Validate(); err != nil {
		return errors.Wrap(err, "invalid pool address")
	}
	return nil
}

// validateRecipients returns an error if the given list of payout addresses
// is not a valid recipient list. This functionality is shared between the
// model and message validation, which return different error classes, so the
// base error must be provided by the caller.
func validateRecipients(rs []weave.Address, baseErr *errors.Error) error {
	switch n := len(rs); {
	case n == 0:
		return errors.Wrap(baseErr, "no recipients")
	case n > maxRecipients:
		return errors.Wrap(baseErr, "too many recipients")
	}
	for i, r := range rs {
		if err := r.Validate(); err != nil {
			return errors.Wrapf(err, "recipient %d address", i)
		}
	}
	return nil
}

func (p *Pool) Copy() orm.CloneableData {
	cpy := &Pool{
		Metadata:   p.Metadata.Copy(),
		Admin:      p.Admin.Clone(),
		Operator:   p.Operator.Clone(),
		Forwarder:  p.Forwarder.Clone(),
		Ticker:     p.Ticker,
		Recipients: make([]weave.Address, len(p.Recipients)),
		BatchSize:  p.BatchSize,
		Address:    p.Address.Clone(),
	}
	for i := range p.Recipients {
		cpy.Recipients[i] = p.Recipients[i].Clone()
	}
	return cpy
}

// NewPoolBucket returns a bucket for managing pools state.
func NewPoolBucket() orm.ModelBucket {
	b := orm.NewModelBucket("pool", &Pool{},
		orm.WithIDSequence(poolSeq),
	)
	return migration.NewModelBucket("payout", b)
}

var poolSeq = orm.NewSequence("pool", "id")

// PoolAccount returns the address of the account that holds the collected
// funds of the pool with the given ID.
func PoolAccount(key []byte) weave.Address {
	return weave.NewCondition("payout", "pool", key).Address()
}
