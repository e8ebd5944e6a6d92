package payout

import (
	"encoding/binary"

	"github.com/iov-one/weave"
	"github.com/iov-one/weave/coin"
	"github.com/iov-one/weave/errors"
	"github.com/iov-one/weave/migration"
	"github.com/iov-one/weave/orm"
	"github.com/iov-one/weave/x"
	"github.com/tendermint/tendermint/libs/common"
)

const (
	createPoolCost          int64 = 100
	depositCost             int64 = 0
	forwardPerRecipientCost int64 = 0
	updateRecipientsCost    int64 = 0
	updateBatchSizeCost     int64 = 0
	recoverCost             int64 = 0
)

const (
	tagAction = "action"
	tagPoolID = "payout-pool-id"
)

// CashController allows to manage coins stored by the accounts without the
// need to directly access the bucket.
// Required functionality is implemented by the x/cash extension.
type CashController interface {
	Balance(weave.KVStore, weave.Address) (coin.Coins, error)
	MoveCoins(weave.KVStore, weave.Address, weave.Address, coin.Coin) error
}

// RegisterQuery registers pool bucket for querying.
func RegisterQuery(qr weave.QueryRouter) {
	NewPoolBucket().Register("payouts", qr)
}

// RegisterRoutes registers handlers for payout message processing.
func RegisterRoutes(r weave.Registry, auth x.Authenticator, ctrl CashController) {
	r = migration.SchemaMigratingRegistry("payout", r)
	bucket := NewPoolBucket()

	r.Handle(&CreateMsg{}, &createHandler{
		auth:   auth,
		bucket: bucket,
	})
	r.Handle(&DepositMsg{}, &depositHandler{
		auth:   auth,
		bucket: bucket,
		ctrl:   ctrl,
	})
	r.Handle(&ForwardMsg{}, &forwardHandler{
		auth:   auth,
		bucket: bucket,
		ctrl:   ctrl,
		guard:  &reentrancyGuard{},
	})
	r.Handle(&UpdateRecipientsMsg{}, &updateRecipientsHandler{
		auth:   auth,
		bucket: bucket,
	})
	r.Handle(&UpdateBatchSizeMsg{}, &updateBatchSizeHandler{
		auth:   auth,
		bucket: bucket,
	})
	r.Handle(&RecoverMsg{}, &recoverHandler{
		auth:   auth,
		bucket: bucket,
		ctrl:   ctrl,
	})
}

// reentrancyGuard rejects a nested execution. The payout distribution loop
// calls into the cash controller and a controller implementation could route
// back into this extension. Until released, any further acquire fails.
type reentrancyGuard struct {
	busy bool
}

func (g *reentrancyGuard) acquire() error {
	if g.busy {
		return errors.Wrap(ErrReentrancy, "forward already in progress")
	}
	g.busy = true
	return nil
}

func (g *reentrancyGuard) release() {
	g.busy = false
}

type createHandler struct {
	auth   x.Authenticator
	bucket orm.ModelBucket
}

func (h *createHandler) Check(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*weave.CheckResult, error) {
	if _, err := h.validate(ctx, db, tx); err != nil {
		return nil, err
	}
	return &weave.CheckResult{GasAllocated: createPoolCost}, nil
}

func (h *createHandler) Deliver(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*weave.DeliverResult, error) {
	msg, err := h.validate(ctx, db, tx)
	if err != nil {
		return nil, err
	}

	batchSize := msg.BatchSize
	if batchSize == 0 {
		batchSize = defaultBatchSize
	}

	key, err := poolSeq.NextVal(db)
	if err != nil {
		return nil, errors.Wrap(err, "cannot acquire key")
	}

	pool := &Pool{
		Metadata:  &weave.Metadata{Schema: 1},
		Admin:     msg.Admin,
		Operator:  msg.Operator,
		Forwarder: msg.Forwarder,
		Ticker:    msg.Ticker,
		BatchSize: batchSize,
		Address:   PoolAccount(key),
	}
	if _, err := h.bucket.Put(db, key, pool); err != nil {
		return nil, errors.Wrap(err, "cannot store pool")
	}
	return &weave.DeliverResult{Data: key}, nil
}

func (h *createHandler) validate(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*CreateMsg, error) {
	var msg CreateMsg
	if err := weave.LoadMsg(tx, &msg); err != nil {
		return nil, errors.Wrap(err, "load msg")
	}
	return &msg, nil
}

type depositHandler struct {
	auth   x.Authenticator
	bucket orm.ModelBucket
	ctrl   CashController
}

func (h *depositHandler) Check(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*weave.CheckResult, error) {
	if _, _, err := h.validate(ctx, db, tx); err != nil {
		return nil, err
	}
	return &weave.CheckResult{GasAllocated: depositCost}, nil
}

func (h *depositHandler) Deliver(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*weave.DeliverResult, error) {
	msg, pool, err := h.validate(ctx, db, tx)
	if err != nil {
		return nil, err
	}

	if err := h.ctrl.MoveCoins(db, pool.Operator, pool.Address, *msg.Amount); err != nil {
		return nil, errors.Wrap(err, "cannot deposit")
	}
	res := &weave.DeliverResult{
		Log: "deposited " + msg.Amount.String(),
		Tags: []common.KVPair{
			{Key: []byte(tagAction), Value: []byte("deposit")},
			{Key: []byte(tagPoolID), Value: msg.PoolID},
		},
	}
	return res, nil
}

func (h *depositHandler) validate(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*DepositMsg, *Pool, error) {
	var msg DepositMsg
	if err := weave.LoadMsg(tx, &msg); err != nil {
		return nil, nil, errors.Wrap(err, "load msg")
	}
	var pool Pool
	if err := h.bucket.One(db, msg.PoolID, &pool); err != nil {
		return nil, nil, errors.Wrap(err, "cannot get pool")
	}
	if !h.auth.HasAddress(ctx, pool.Operator) {
		return nil, nil, errors.Wrap(errors.ErrUnauthorized, "operator signature missing")
	}
	if msg.Amount.Ticker != pool.Ticker {
		return nil, nil, errors.Wrapf(errors.ErrCurrency, "pool holds %q", pool.Ticker)
	}
	return &msg, &pool, nil
}

type forwardHandler struct {
	auth   x.Authenticator
	bucket orm.ModelBucket
	ctrl   CashController
	guard  *reentrancyGuard
}

func (h *forwardHandler) Check(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*weave.CheckResult, error) {
	msg, pool, err := h.validate(ctx, db, tx)
	if err != nil {
		return nil, err
	}
	_, end := batchWindow(msg.StartIndex, pool.BatchSize, uint32(len(pool.Recipients)))
	res := weave.CheckResult{
		GasAllocated: forwardPerRecipientCost * int64(end-msg.StartIndex),
	}
	return &res, nil
}

func (h *forwardHandler) Deliver(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*weave.DeliverResult, error) {
	if err := h.guard.acquire(); err != nil {
		return nil, err
	}
	defer h.guard.release()

	msg, pool, err := h.validate(ctx, db, tx)
	if err != nil {
		return nil, err
	}

	balance, err := poolBalance(db, h.ctrl, pool.Address, pool.Ticker)
	if err != nil {
		return nil, err
	}
	if balance.Compare(*msg.Amount) < 0 {
		return nil, errors.Wrapf(ErrInsufficientFunds, "pool holds %s", balance.String())
	}

	start, end := batchWindow(msg.StartIndex, pool.BatchSize, uint32(len(pool.Recipients)))
	for i := start; i < end; i++ {
		share := msg.Amount.Whole * int64(msg.Splits[i]) / 100
		if share == 0 {
			continue
		}
		c := coin.NewCoin(share, 0, pool.Ticker)
		if err := h.ctrl.MoveCoins(db, pool.Address, pool.Recipients[i], c); err != nil {
			return nil, errors.Wrapf(err, "cannot pay recipient %d", i)
		}
	}

	// The exclusive end of the processed window is returned so that the
	// forwarder can use it as the start index of the next call.
	next := make([]byte, 4)
	binary.BigEndian.PutUint32(next, end)

	res := &weave.DeliverResult{
		Data: next,
		Log:  "forwarded batch",
		Tags: []common.KVPair{
			{Key: []byte(tagAction), Value: []byte("forward")},
			{Key: []byte(tagPoolID), Value: msg.PoolID},
		},
	}
	return res, nil
}

func (h *forwardHandler) validate(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*ForwardMsg, *Pool, error) {
	var msg ForwardMsg
	if err := weave.LoadMsg(tx, &msg); err != nil {
		return nil, nil, errors.Wrap(err, "load msg")
	}
	var pool Pool
	if err := h.bucket.One(db, msg.PoolID, &pool); err != nil {
		return nil, nil, errors.Wrap(err, "cannot get pool")
	}
	if !h.auth.HasAddress(ctx, pool.Forwarder) {
		return nil, nil, errors.Wrap(errors.ErrUnauthorized, "forwarder signature missing")
	}
	if msg.Amount.Ticker != pool.Ticker {
		return nil, nil, errors.Wrapf(errors.ErrCurrency, "pool holds %q", pool.Ticker)
	}
	if len(pool.Recipients) == 0 {
		return nil, nil, errors.Wrap(errors.ErrEmpty, "pool has no recipients")
	}
	if len(msg.Splits) != len(pool.Recipients) {
		return nil, nil, errors.Wrapf(ErrInvalidSplits, "%d splits for %d recipients", len(msg.Splits), len(pool.Recipients))
	}
	return &msg, &pool, nil
}

// batchWindow returns the half open range of recipient list indices that a
// single forward call processes. A start past the end of the list yields an
// empty window. The end is computed in a wider type so that a huge batch
// size cannot wrap it below the start.
func batchWindow(start, batchSize, listLen uint32) (uint32, uint32) {
	if start >= listLen {
		return start, start
	}
	end := uint64(start) + uint64(batchSize)
	if end > uint64(listLen) {
		end = uint64(listLen)
	}
	return start, uint32(end)
}

// poolBalance returns the amount of the pool ticker held by the pool
// account. A missing wallet is an empty balance, not an error.
func poolBalance(db weave.KVStore, ctrl CashController, addr weave.Address, ticker string) (coin.Coin, error) {
	balance, err := ctrl.Balance(db, addr)
	switch {
	case err == nil:
		// proceed
	case errors.ErrNotFound.Is(err):
		return coin.NewCoin(0, 0, ticker), nil
	default:
		return coin.Coin{}, errors.Wrap(err, "cannot acquire pool balance")
	}
	for _, c := range balance {
		if c.Ticker == ticker {
			return *c, nil
		}
	}
	return coin.NewCoin(0, 0, ticker), nil
}

type updateRecipientsHandler struct {
	auth   x.Authenticator
	bucket orm.ModelBucket
}

func (h *updateRecipientsHandler) Check(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*weave.CheckResult, error) {
	if _, _, err := h.validate(ctx, db, tx); err != nil {
		return nil, err
	}
	return &weave.CheckResult{GasAllocated: updateRecipientsCost}, nil
}

func (h *updateRecipientsHandler) Deliver(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*weave.DeliverResult, error) {
	msg, pool, err := h.validate(ctx, db, tx)
	if err != nil {
		return nil, err
	}

	pool.Recipients = msg.Recipients
	if _, err := h.bucket.Put(db, msg.PoolID, pool); err != nil {
		return nil, errors.Wrap(err, "cannot store pool")
	}
	res := &weave.DeliverResult{
		Tags: []common.KVPair{
			{Key: []byte(tagAction), Value: []byte("update-recipients")},
			{Key: []byte(tagPoolID), Value: msg.PoolID},
		},
	}
	return res, nil
}

func (h *updateRecipientsHandler) validate(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*UpdateRecipientsMsg, *Pool, error) {
	var msg UpdateRecipientsMsg
	if err := weave.LoadMsg(tx, &msg); err != nil {
		return nil, nil, errors.Wrap(err, "load msg")
	}
	var pool Pool
	if err := h.bucket.One(db, msg.PoolID, &pool); err != nil {
		return nil, nil, errors.Wrap(err, "cannot get pool")
	}
	if !h.auth.HasAddress(ctx, pool.Operator) {
		return nil, nil, errors.Wrap(errors.ErrUnauthorized, "operator signature missing")
	}
	return &msg, &pool, nil
}

type updateBatchSizeHandler struct {
	auth   x.Authenticator
	bucket orm.ModelBucket
}

func (h *updateBatchSizeHandler) Check(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*weave.CheckResult, error) {
	if _, _, err := h.validate(ctx, db, tx); err != nil {
		return nil, err
	}
	return &weave.CheckResult{GasAllocated: updateBatchSizeCost}, nil
}

func (h *updateBatchSizeHandler) Deliver(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*weave.DeliverResult, error) {
	msg, pool, err := h.validate(ctx, db, tx)
	if err != nil {
		return nil, err
	}

	pool.BatchSize = msg.BatchSize
	if _, err := h.bucket.Put(db, msg.PoolID, pool); err != nil {
		return nil, errors.Wrap(err, "cannot store pool")
	}
	res := &weave.DeliverResult{
		Tags: []common.KVPair{
			{Key: []byte(tagAction), Value: []byte("update-batch-size")},
			{Key: []byte(tagPoolID), Value: msg.PoolID},
		},
	}
	return res, nil
}

func (h *updateBatchSizeHandler) validate(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*UpdateBatchSizeMsg, *Pool, error) {
	var msg UpdateBatchSizeMsg
	if err := weave.LoadMsg(tx, &msg); err != nil {
		return nil, nil, errors.Wrap(err, "load msg")
	}
	var pool Pool
	if err := h.bucket.One(db, msg.PoolID, &pool); err != nil {
		return nil, nil, errors.Wrap(err, "cannot get pool")
	}
	if !h.auth.HasAddress(ctx, pool.Operator) {
		return nil, nil, errors.Wrap(errors.ErrUnauthorized, "operator signature missing")
	}
	return &msg, &pool, nil
}

type recoverHandler struct {
	auth   x.Authenticator
	bucket orm.ModelBucket
	ctrl   CashController
}

func (h *recoverHandler) Check(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*weave.CheckResult, error) {
	if _, _, err := h.validate(ctx, db, tx); err != nil {
		return nil, err
	}
	return &weave.CheckResult{GasAllocated: recoverCost}, nil
}

func (h *recoverHandler) Deliver(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*weave.DeliverResult, error) {
	msg, pool, err := h.validate(ctx, db, tx)
	if err != nil {
		return nil, err
	}

	balance, err := h.ctrl.Balance(db, pool.Address)
	switch {
	case err == nil:
		// proceed
	case errors.ErrNotFound.Is(err):
		// Pool account was never funded, nothing to recover.
		return &weave.DeliverResult{}, nil
	default:
		return nil, errors.Wrap(err, "cannot acquire pool balance")
	}

	// The whole balance is swept, not only the pool ticker. Dust of any
	// currency must not be stranded on the pool account forever.
	var moved bool
	for _, c := range balance {
		if !c.IsPositive() {
			continue
		}
		if err := h.ctrl.MoveCoins(db, pool.Address, msg.Destination, *c); err != nil {
			return nil, errors.Wrap(err, "cannot recover")
		}
		moved = true
	}
	if !moved {
		// Recovering from an empty pool is a no-op, not a failure.
		return &weave.DeliverResult{}, nil
	}

	res := &weave.DeliverResult{
		Log: "recovered pool funds",
		Tags: []common.KVPair{
			{Key: []byte(tagAction), Value: []byte("recover")},
			{Key: []byte(tagPoolID), Value: msg.PoolID},
		},
	}
	return res, nil
}

func (h *recoverHandler) validate(ctx weave.Context, db weave.KVStore, tx weave.Tx) (*RecoverMsg, *Pool, error) {
	var msg RecoverMsg
	if err := weave.LoadMsg(tx, &msg); err != nil {
		return nil, nil, errors.Wrap(err, "load msg")
	}
	var pool Pool
	if err := h.bucket.One(db, msg.PoolID, &pool); err != nil {
		return nil, nil, errors.Wrap(err, "cannot get pool")
	}
	if !h.auth.HasAddress(ctx, pool.Admin) {
		return nil, nil, errors.Wrap(errors.ErrUnauthorized, "admin signature missing")
	}
	return &msg, &pool, nil
}
