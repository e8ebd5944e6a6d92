package payout

import (
	"github.com/iov-one/weave"
	"github.com/iov-one/weave/errors"
)

// Initializer fulfils the Initializer interface to load data from the genesis
// file
type Initializer struct{}

var _ weave.Initializer = (*Initializer)(nil)

// FromGenesis will parse initial pool info from genesis and save it to the
// database
func (*Initializer) FromGenesis(opts weave.Options, params weave.GenesisParams, kv weave.KVStore) error {
	var pools []struct {
		Admin      weave.Address   `json:"admin"`
		Operator   weave.Address   `json:"operator"`
		Forwarder  weave.Address   `json:"forwarder"`
		Ticker     string          `json:"ticker"`
		BatchSize  uint32          `json:"batch_size"`
		Recipients []weave.Address `json:"recipients"`
	}
	if err := opts.ReadOptions("payout", &pools); err != nil {
		return errors.Wrap(err, "cannot load payout")
	}

	bucket := NewPoolBucket()
	for i, p := range pools {
		batchSize := p.BatchSize
		if batchSize == 0 {
			batchSize = defaultBatchSize
		}
		key, err := poolSeq.NextVal(kv)
		if err != nil {
			return errors.Wrap(err, "cannot acquire ID")
		}
		pool := Pool{
			Metadata:   &weave.Metadata{Schema: 1},
			Admin:      p.Admin,
			Operator:   p.Operator,
			Forwarder:  p.Forwarder,
			Ticker:     p.Ticker,
			Recipients: p.Recipients,
			BatchSize:  batchSize,
			Address:    PoolAccount(key),
		}
		if _, err := bucket.Put(kv, key, &pool); err != nil {
			return errors.Wrapf(err, "cannot store #%d pool", i)
		}
	}
	return nil
}
