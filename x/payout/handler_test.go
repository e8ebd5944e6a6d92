package payout

import (
	"context"
	"math"
	"reflect"
	"testing"

	"github.com/iov-one/weave"
	"github.com/iov-one/weave/app"
	"github.com/iov-one/weave/coin"
	"github.com/iov-one/weave/errors"
	"github.com/iov-one/weave/migration"
	"github.com/iov-one/weave/store"
	"github.com/iov-one/weave/weavetest"
	"github.com/iov-one/weave/x/cash"
)

func TestHandlers(t *testing.T) {
	admin := weavetest.NewCondition()
	operator := weavetest.NewCondition()
	forwarder := weavetest.NewCondition()

	r1 := weavetest.NewCondition().Address()
	r2 := weavetest.NewCondition().Address()
	r3 := weavetest.NewCondition().Address()
	r4 := weavetest.NewCondition().Address()
	r5 := weavetest.NewCondition().Address()
	recovery := weavetest.NewCondition().Address()

	rt := app.NewRouter()
	auth := &weavetest.CtxAuth{Key: "auth"}
	cashBucket := cash.NewBucket()
	ctrl := cash.NewController(cashBucket)
	RegisterRoutes(rt, auth, ctrl)

	// In below cases, weavetest.SequenceID(1) is the ID of the first pool
	// created. Sequence is reset for each test case.
	poolAccount := func(poolID uint64) weave.Address {
		t.Helper()
		return PoolAccount(weavetest.SequenceID(poolID))
	}

	newPool := func(batchSize uint32) *CreateMsg {
		return &CreateMsg{
			Metadata:  &weave.Metadata{Schema: 1},
			Admin:     admin.Address(),
			Operator:  operator.Address(),
			Forwarder: forwarder.Address(),
			Ticker:    "IOV",
			BatchSize: batchSize,
		}
	}

	setRecipients := func(rs ...weave.Address) *UpdateRecipientsMsg {
		return &UpdateRecipientsMsg{
			Metadata:   &weave.Metadata{Schema: 1},
			PoolID:     weavetest.SequenceID(1),
			Recipients: rs,
		}
	}

	forward := func(amount int64, startIndex uint32, splits ...uint32) *ForwardMsg {
		return &ForwardMsg{
			Metadata:   &weave.Metadata{Schema: 1},
			PoolID:     weavetest.SequenceID(1),
			Amount:     coin.NewCoinp(amount, 0, "IOV"),
			Splits:     splits,
			StartIndex: startIndex,
		}
	}

	cases := map[string]struct {
		// prepareAccounts is used to set the funds for each declared
		// account, before executing actions.
		prepareAccounts []account
		// actions is a set of messages that will be handled by the
		// router. Successfully handled messages are altering the
		// state.
		actions []action
		// wantAccounts is used to declare desired state of each
		// account after all actions are applied.
		wantAccounts []account
	}{
		"pool not found": {
			actions: []action{
				{
					conditions: []weave.Condition{operator},
					msg: &DepositMsg{
						Metadata: &weave.Metadata{Schema: 1},
						PoolID:   []byte("pool-with-this-id-does-not-exist"),
						Amount:   coin.NewCoinp(1, 0, "IOV"),
					},
					blocksize:      100,
					wantCheckErr:   errors.ErrNotFound,
					wantDeliverErr: errors.ErrNotFound,
				},
			},
		},
		"deposit requires the operator signature": {
			actions: []action{
				{
					conditions: []weave.Condition{operator},
					msg:        newPool(0),
					blocksize:  100,
				},
				{
					conditions: []weave.Condition{forwarder},
					msg: &DepositMsg{
						Metadata: &weave.Metadata{Schema: 1},
						PoolID:   weavetest.SequenceID(1),
						Amount:   coin.NewCoinp(1, 0, "IOV"),
					},
					blocksize:      101,
					wantCheckErr:   errors.ErrUnauthorized,
					wantDeliverErr: errors.ErrUnauthorized,
				},
			},
		},
		"deposit moves funds into the pool account": {
			prepareAccounts: []account{
				{address: operator.Address(), coins: coin.Coins{coin.NewCoinp(1000, 0, "IOV")}},
			},
			wantAccounts: []account{
				{address: operator.Address(), coins: coin.Coins{coin.NewCoinp(600, 0, "IOV")}},
				{address: poolAccount(1), coins: coin.Coins{coin.NewCoinp(400, 0, "IOV")}},
			},
			actions: []action{
				{
					conditions: []weave.Condition{operator},
					msg:        newPool(0),
					blocksize:  100,
				},
				{
					conditions: []weave.Condition{operator},
					msg: &DepositMsg{
						Metadata: &weave.Metadata{Schema: 1},
						PoolID:   weavetest.SequenceID(1),
						Amount:   coin.NewCoinp(400, 0, "IOV"),
					},
					blocksize: 101,
				},
			},
		},
		"deposit ticker must match the pool": {
			prepareAccounts: []account{
				{address: operator.Address(), coins: coin.Coins{coin.NewCoinp(10, 0, "ETH")}},
			},
			actions: []action{
				{
					conditions: []weave.Condition{operator},
					msg:        newPool(0),
					blocksize:  100,
				},
				{
					conditions: []weave.Condition{operator},
					msg: &DepositMsg{
						Metadata: &weave.Metadata{Schema: 1},
						PoolID:   weavetest.SequenceID(1),
						Amount:   coin.NewCoinp(10, 0, "ETH"),
					},
					blocksize:      101,
					wantCheckErr:   errors.ErrCurrency,
					wantDeliverErr: errors.ErrCurrency,
				},
			},
		},
		"forward pays every recipient its share": {
			prepareAccounts: []account{
				{address: poolAccount(1), coins: coin.Coins{coin.NewCoinp(1000, 0, "IOV")}},
			},
			wantAccounts: []account{
				{address: r1, coins: coin.Coins{coin.NewCoinp(200, 0, "IOV")}},
				{address: r2, coins: coin.Coins{coin.NewCoinp(200, 0, "IOV")}},
				{address: r3, coins: coin.Coins{coin.NewCoinp(200, 0, "IOV")}},
				{address: r4, coins: coin.Coins{coin.NewCoinp(200, 0, "IOV")}},
				{address: r5, coins: coin.Coins{coin.NewCoinp(200, 0, "IOV")}},
			},
			actions: []action{
				{
					conditions: []weave.Condition{operator},
					msg:        newPool(0),
					blocksize:  100,
				},
				{
					conditions: []weave.Condition{operator},
					msg:        setRecipients(r1, r2, r3, r4, r5),
					blocksize:  101,
				},
				{
					conditions: []weave.Condition{forwarder},
					msg:        forward(1000, 0, 20, 20, 20, 20, 20),
					blocksize:  102,
				},
			},
		},
		"forward rounds each share down": {
			prepareAccounts: []account{
				{address: poolAccount(1), coins: coin.Coins{coin.NewCoinp(1000, 0, "IOV")}},
			},
			wantAccounts: []account{
				{address: r1, coins: coin.Coins{coin.NewCoinp(330, 0, "IOV")}},
				{address: r2, coins: coin.Coins{coin.NewCoinp(330, 0, "IOV")}},
				{address: r3, coins: coin.Coins{coin.NewCoinp(340, 0, "IOV")}},
			},
			actions: []action{
				{
					conditions: []weave.Condition{operator},
					msg:        newPool(0),
					blocksize:  100,
				},
				{
					conditions: []weave.Condition{operator},
					msg:        setRecipients(r1, r2, r3),
					blocksize:  101,
				},
				{
					conditions: []weave.Condition{forwarder},
					msg:        forward(1000, 0, 33, 33, 34),
					blocksize:  102,
				},
			},
		},
		"rounding loss stays on the pool account": {
			prepareAccounts: []account{
				{address: poolAccount(1), coins: coin.Coins{coin.NewCoinp(10, 0, "IOV")}},
			},
			wantAccounts: []account{
				// With an amount of 10, every recipient receives
				// floor(10 * split / 100). One token is lost to
				// rounding and remains on the pool account.
				{address: r1, coins: coin.Coins{coin.NewCoinp(3, 0, "IOV")}},
				{address: r2, coins: coin.Coins{coin.NewCoinp(3, 0, "IOV")}},
				{address: r3, coins: coin.Coins{coin.NewCoinp(3, 0, "IOV")}},
				{address: poolAccount(1), coins: coin.Coins{coin.NewCoinp(1, 0, "IOV")}},
			},
			actions: []action{
				{
					conditions: []weave.Condition{operator},
					msg:        newPool(0),
					blocksize:  100,
				},
				{
					conditions: []weave.Condition{operator},
					msg:        setRecipients(r1, r2, r3),
					blocksize:  101,
				},
				{
					conditions: []weave.Condition{forwarder},
					msg:        forward(10, 0, 33, 33, 34),
					blocksize:  102,
				},
			},
		},
		"forward processes one batch window per call": {
			prepareAccounts: []account{
				{address: poolAccount(1), coins: coin.Coins{coin.NewCoinp(300, 0, "IOV")}},
			},
			wantAccounts: []account{
				{address: r1, coins: coin.Coins{coin.NewCoinp(20, 0, "IOV")}},
				{address: r2, coins: coin.Coins{coin.NewCoinp(20, 0, "IOV")}},
				{address: r3, coins: coin.Coins{coin.NewCoinp(20, 0, "IOV")}},
				{address: r4, coins: coin.Coins{coin.NewCoinp(20, 0, "IOV")}},
				{address: r5, coins: coin.Coins{coin.NewCoinp(20, 0, "IOV")}},
				{address: poolAccount(1), coins: coin.Coins{coin.NewCoinp(200, 0, "IOV")}},
			},
			actions: []action{
				{
					conditions: []weave.Condition{operator},
					msg:        newPool(2),
					blocksize:  100,
				},
				{
					conditions: []weave.Condition{operator},
					msg:        setRecipients(r1, r2, r3, r4, r5),
					blocksize:  101,
				},
				// Windows [0,2), [2,4) and [4,5) cover the whole
				// list exactly once. Every call must find the full
				// amount on the pool account.
				{
					conditions: []weave.Condition{forwarder},
					msg:        forward(100, 0, 20, 20, 20, 20, 20),
					blocksize:  102,
				},
				{
					conditions: []weave.Condition{forwarder},
					msg:        forward(100, 2, 20, 20, 20, 20, 20),
					blocksize:  103,
				},
				{
					conditions: []weave.Condition{forwarder},
					msg:        forward(100, 4, 20, 20, 20, 20, 20),
					blocksize:  104,
				},
			},
		},
		"forward past the end of the list moves nothing": {
			prepareAccounts: []account{
				{address: poolAccount(1), coins: coin.Coins{coin.NewCoinp(100, 0, "IOV")}},
			},
			wantAccounts: []account{
				{address: poolAccount(1), coins: coin.Coins{coin.NewCoinp(100, 0, "IOV")}},
			},
			actions: []action{
				{
					conditions: []weave.Condition{operator},
					msg:        newPool(0),
					blocksize:  100,
				},
				{
					conditions: []weave.Condition{operator},
					msg:        setRecipients(r1, r2),
					blocksize:  101,
				},
				{
					conditions: []weave.Condition{forwarder},
					msg:        forward(100, 7, 50, 50),
					blocksize:  102,
				},
			},
		},
		"forward requires the forwarder signature": {
			actions: []action{
				{
					conditions: []weave.Condition{operator},
					msg:        newPool(0),
					blocksize:  100,
				},
				{
					conditions: []weave.Condition{operator},
					msg:        setRecipients(r1),
					blocksize:  101,
				},
				{
					conditions:     []weave.Condition{operator},
					msg:            forward(100, 0, 100),
					blocksize:      102,
					wantCheckErr:   errors.ErrUnauthorized,
					wantDeliverErr: errors.ErrUnauthorized,
				},
			},
		},
		"forward split count must match the recipient list": {
			actions: []action{
				{
					conditions: []weave.Condition{operator},
					msg:        newPool(0),
					blocksize:  100,
				},
				{
					conditions: []weave.Condition{operator},
					msg:        setRecipients(r1, r2, r3),
					blocksize:  101,
				},
				{
					conditions:     []weave.Condition{forwarder},
					msg:            forward(100, 0, 50, 50),
					blocksize:      102,
					wantCheckErr:   ErrInvalidSplits,
					wantDeliverErr: ErrInvalidSplits,
				},
			},
		},
		"malformed splits are rejected before any state access": {
			actions: []action{
				{
					conditions: []weave.Condition{operator},
					msg:        newPool(0),
					blocksize:  100,
				},
				{
					conditions: []weave.Condition{operator},
					msg:        setRecipients(r1, r2),
					blocksize:  101,
				},
				{
					conditions:     []weave.Condition{forwarder},
					msg:            forward(100, 0, 50, 51),
					blocksize:      102,
					wantCheckErr:   ErrInvalidSplitAmounts,
					wantDeliverErr: ErrInvalidSplitAmounts,
				},
				{
					conditions:     []weave.Condition{forwarder},
					msg:            forward(100, 0, 10, 10, 10),
					blocksize:      103,
					wantCheckErr:   ErrInvalidSplitAmounts,
					wantDeliverErr: ErrInvalidSplitAmounts,
				},
			},
		},
		"forward requires sufficient pool funds": {
			prepareAccounts: []account{
				{address: poolAccount(1), coins: coin.Coins{coin.NewCoinp(500, 0, "IOV")}},
			},
			wantAccounts: []account{
				{address: poolAccount(1), coins: coin.Coins{coin.NewCoinp(500, 0, "IOV")}},
			},
			actions: []action{
				{
					conditions: []weave.Condition{operator},
					msg:        newPool(0),
					blocksize:  100,
				},
				{
					conditions: []weave.Condition{operator},
					msg:        setRecipients(r1),
					blocksize:  101,
				},
				{
					conditions:     []weave.Condition{forwarder},
					msg:            forward(1000, 0, 100),
					blocksize:      102,
					wantDeliverErr: ErrInsufficientFunds,
				},
			},
		},
		"recover sweeps all pool funds": {
			prepareAccounts: []account{
				{address: poolAccount(1), coins: coin.Coins{coin.NewCoinp(7, 0, "ETH"), coin.NewCoinp(3, 0, "IOV")}},
			},
			wantAccounts: []account{
				{address: recovery, coins: coin.Coins{coin.NewCoinp(7, 0, "ETH"), coin.NewCoinp(3, 0, "IOV")}},
			},
			actions: []action{
				{
					conditions: []weave.Condition{operator},
					msg:        newPool(0),
					blocksize:  100,
				},
				{
					conditions: []weave.Condition{admin},
					msg: &RecoverMsg{
						Metadata:    &weave.Metadata{Schema: 1},
						PoolID:      weavetest.SequenceID(1),
						Destination: recovery,
					},
					blocksize: 101,
				},
				// Recovering an already empty pool is a no-op, not
				// a failure.
				{
					conditions: []weave.Condition{admin},
					msg: &RecoverMsg{
						Metadata:    &weave.Metadata{Schema: 1},
						PoolID:      weavetest.SequenceID(1),
						Destination: recovery,
					},
					blocksize: 102,
				},
			},
		},
		"recover requires the admin signature": {
			actions: []action{
				{
					conditions: []weave.Condition{operator},
					msg:        newPool(0),
					blocksize:  100,
				},
				{
					conditions: []weave.Condition{operator, forwarder},
					msg: &RecoverMsg{
						Metadata:    &weave.Metadata{Schema: 1},
						PoolID:      weavetest.SequenceID(1),
						Destination: recovery,
					},
					blocksize:      101,
					wantCheckErr:   errors.ErrUnauthorized,
					wantDeliverErr: errors.ErrUnauthorized,
				},
			},
		},
		"only the operator can reconfigure the pool": {
			actions: []action{
				{
					conditions: []weave.Condition{operator},
					msg:        newPool(0),
					blocksize:  100,
				},
				{
					conditions: []weave.Condition{admin},
					msg: &UpdateBatchSizeMsg{
						Metadata:  &weave.Metadata{Schema: 1},
						PoolID:    weavetest.SequenceID(1),
						BatchSize: 5,
					},
					blocksize:      101,
					wantCheckErr:   errors.ErrUnauthorized,
					wantDeliverErr: errors.ErrUnauthorized,
				},
				{
					conditions:     []weave.Condition{admin},
					msg:            setRecipients(r1),
					blocksize:      102,
					wantCheckErr:   errors.ErrUnauthorized,
					wantDeliverErr: errors.ErrUnauthorized,
				},
				{
					conditions: []weave.Condition{operator},
					msg: &UpdateBatchSizeMsg{
						Metadata:  &weave.Metadata{Schema: 1},
						PoolID:    weavetest.SequenceID(1),
						BatchSize: 5,
					},
					blocksize: 103,
				},
			},
		},
	}

	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			db := store.MemStore()

			migration.MustInitPkg(db, "cash", "payout")

			for _, a := range tc.prepareAccounts {
				for _, c := range a.coins {
					if err := ctrl.CoinMint(db, a.address, *c); err != nil {
						t.Fatalf("cannot issue %q to %s: %s", c, a.address, err)
					}
				}
			}

			for i, a := range tc.actions {
				cache := db.CacheWrap()
				if _, err := rt.Check(a.ctx(), cache, a.tx()); !a.wantCheckErr.Is(err) {
					t.Logf("want: %+v", a.wantCheckErr)
					t.Logf(" got: %+v", err)
					t.Fatalf("action %d check (%T)", i, a.msg)
				}
				cache.Discard()
				if a.wantCheckErr != nil {
					// Failed checks are causing the message to be ignored.
					continue
				}

				if _, err := rt.Deliver(a.ctx(), db, a.tx()); !a.wantDeliverErr.Is(err) {
					t.Logf("want: %+v", a.wantDeliverErr)
					t.Logf(" got: %+v", err)
					t.Fatalf("action %d delivery (%T)", i, a.msg)
				}
			}

			for i, a := range tc.wantAccounts {
				coins, err := ctrl.Balance(db, a.address)
				if err != nil {
					t.Fatalf("cannot get %+v balance: %s", a, err)
				}
				if !coins.Equals(a.coins) {
					t.Logf("want: %+v", a.coins)
					t.Logf("got: %+v", coins)
					t.Errorf("unexpected coins for account #%d (%s)", i, a.address)
				}
			}
		})
	}
}

// account represents a single account state - the coins/funds it holds.
type account struct {
	address weave.Address
	coins   coin.Coins
}

// action represents a single request call that is handled by a handler.
type action struct {
	conditions     []weave.Condition
	msg            weave.Msg
	blocksize      int64
	wantCheckErr   *errors.Error
	wantDeliverErr *errors.Error
}

func (a *action) tx() weave.Tx {
	return &weavetest.Tx{Msg: a.msg}
}

func (a *action) ctx() weave.Context {
	ctx := weave.WithHeight(context.Background(), a.blocksize)
	ctx = weave.WithChainID(ctx, "testchain-123")
	auth := &weavetest.CtxAuth{Key: "auth"}
	return auth.SetConditions(ctx, a.conditions...)
}

func TestBatchWindow(t *testing.T) {
	cases := map[string]struct {
		start     uint32
		batchSize uint32
		listLen   uint32
		wantStart uint32
		wantEnd   uint32
	}{
		"window smaller than the list": {
			start:     0,
			batchSize: 2,
			listLen:   5,
			wantStart: 0,
			wantEnd:   2,
		},
		"window in the middle of the list": {
			start:     2,
			batchSize: 2,
			listLen:   5,
			wantStart: 2,
			wantEnd:   4,
		},
		"window clipped by the end of the list": {
			start:     4,
			batchSize: 2,
			listLen:   5,
			wantStart: 4,
			wantEnd:   5,
		},
		"window bigger than the list": {
			start:     0,
			batchSize: 100,
			listLen:   5,
			wantStart: 0,
			wantEnd:   5,
		},
		"start at the end of the list": {
			start:     5,
			batchSize: 2,
			listLen:   5,
			wantStart: 5,
			wantEnd:   5,
		},
		"huge batch size cannot wrap the end": {
			start:     2,
			batchSize: math.MaxUint32,
			listLen:   5,
			wantStart: 2,
			wantEnd:   5,
		},
		"start past the end of the list": {
			start:     9,
			batchSize: 2,
			listLen:   5,
			wantStart: 9,
			wantEnd:   9,
		},
	}

	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			start, end := batchWindow(tc.start, tc.batchSize, tc.listLen)
			if start != tc.wantStart || end != tc.wantEnd {
				t.Fatalf("want [%d, %d), got [%d, %d)", tc.wantStart, tc.wantEnd, start, end)
			}
		})
	}
}

func TestForwardReentrancy(t *testing.T) {
	operator := weavetest.NewCondition()
	forwarder := weavetest.NewCondition()
	r1 := weavetest.NewCondition().Address()
	r2 := weavetest.NewCondition().Address()

	db := store.MemStore()
	migration.MustInitPkg(db, "payout")

	bucket := NewPoolBucket()
	poolID := weavetest.SequenceID(1)
	pool := &Pool{
		Metadata:   &weave.Metadata{Schema: 1},
		Admin:      weavetest.NewCondition().Address(),
		Operator:   operator.Address(),
		Forwarder:  forwarder.Address(),
		Ticker:     "IOV",
		Recipients: []weave.Address{r1, r2},
		BatchSize:  100,
		Address:    PoolAccount(poolID),
	}
	if _, err := bucket.Put(db, poolID, pool); err != nil {
		t.Fatalf("cannot store pool: %s", err)
	}

	auth := &weavetest.CtxAuth{Key: "auth"}
	ctx := weave.WithHeight(context.Background(), 100)
	ctx = weave.WithChainID(ctx, "testchain-123")
	ctx = auth.SetConditions(ctx, forwarder)

	msg := &ForwardMsg{
		Metadata: &weave.Metadata{Schema: 1},
		PoolID:   poolID,
		Amount:   coin.NewCoinp(100, 0, "IOV"),
		Splits:   []uint32{50, 50},
	}
	tx := &weavetest.Tx{Msg: msg}

	h := &forwardHandler{
		auth:   auth,
		bucket: bucket,
		guard:  &reentrancyGuard{},
	}
	ctrl := &reenteringController{
		balance: coin.Coins{coin.NewCoinp(1000, 0, "IOV")},
		reenter: func() error {
			_, err := h.Deliver(ctx, db, tx)
			return err
		},
	}
	h.ctrl = ctrl

	if _, err := h.Deliver(ctx, db, tx); err != nil {
		t.Fatalf("outer delivery failed: %s", err)
	}

	// Every transfer made by the outer call attempts to call back into the
	// handler. All nested attempts must be rejected.
	if want, got := 2, len(ctrl.nested); want != got {
		t.Fatalf("want %d nested calls, got %d", want, got)
	}
	for i, err := range ctrl.nested {
		if !ErrReentrancy.Is(err) {
			t.Errorf("nested call %d: want reentrancy error, got %+v", i, err)
		}
	}

	// The outer call must have moved exactly the same funds as a delivery
	// with a well behaved controller would.
	wantMoves := []movecall{
		{dst: r1, amount: coin.NewCoin(50, 0, "IOV")},
		{dst: r2, amount: coin.NewCoin(50, 0, "IOV")},
	}
	if !reflect.DeepEqual(wantMoves, ctrl.moves) {
		t.Logf("got %d MoveCoins calls", len(ctrl.moves))
		for i, m := range ctrl.moves {
			t.Logf("%d: %v", i, m)
		}
		t.Fatal("unexpected MoveCoins calls")
	}
}

// reenteringController is a CashController that, on every transfer, calls
// back into the handler the way a malicious ledger hook would. The error of
// the nested call is recorded and swallowed so that the outer call proceeds.
type reenteringController struct {
	balance coin.Coins
	reenter func() error
	moves   []movecall
	nested  []error
}

type movecall struct {
	dst    weave.Address
	amount coin.Coin
}

func (c *reenteringController) Balance(weave.KVStore, weave.Address) (coin.Coins, error) {
	return c.balance, nil
}

func (c *reenteringController) MoveCoins(db weave.KVStore, source, dst weave.Address, amount coin.Coin) error {
	c.nested = append(c.nested, c.reenter())
	c.moves = append(c.moves, movecall{dst: dst, amount: amount})
	return nil
}
