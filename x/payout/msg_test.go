package payout

import (
	"math"
	"testing"

	"github.com/iov-one/weave"
	"github.com/iov-one/weave/coin"
	"github.com/iov-one/weave/errors"
)

func TestValidateSplits(t *testing.T) {
	cases := map[string]struct {
		splits []uint32
		want   *errors.Error
	}{
		"equal split": {
			splits: []uint32{20, 20, 20, 20, 20},
			want:   nil,
		},
		"single recipient takes all": {
			splits: []uint32{100},
			want:   nil,
		},
		"uneven split": {
			splits: []uint32{33, 33, 34},
			want:   nil,
		},
		"zero entries are allowed": {
			splits: []uint32{100, 0, 0},
			want:   nil,
		},
		"no splits": {
			splits: nil,
			want:   ErrInvalidSplitAmounts,
		},
		"prefix exceeds 100": {
			splits: []uint32{50, 51},
			want:   ErrInvalidSplitAmounts,
		},
		"single entry exceeds 100": {
			splits: []uint32{101},
			want:   ErrInvalidSplitAmounts,
		},
		"huge entry cannot wrap the sum": {
			splits: []uint32{100, math.MaxUint32, 1},
			want:   ErrInvalidSplitAmounts,
		},
		"sum below 100": {
			splits: []uint32{10, 10, 10},
			want:   ErrInvalidSplitAmounts,
		},
	}

	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			if err := validateSplits(tc.splits); !tc.want.Is(err) {
				t.Logf("want %q", tc.want)
				t.Logf("got %q", err)
				t.Fatal("unexpected validation result")
			}
		})
	}
}

func TestCreateMsgValidate(t *testing.T) {
	addr := weave.Address("f427d624ed29c1fae0e2")

	cases := map[string]struct {
		msg     CreateMsg
		wantErr *errors.Error
	}{
		"valid message": {
			msg: CreateMsg{
				Metadata:  &weave.Metadata{Schema: 1},
				Admin:     addr,
				Operator:  addr,
				Forwarder: addr,
				Ticker:    "IOV",
				BatchSize: 50,
			},
			wantErr: nil,
		},
		"zero batch size means the default": {
			msg: CreateMsg{
				Metadata:  &weave.Metadata{Schema: 1},
				Admin:     addr,
				Operator:  addr,
				Forwarder: addr,
				Ticker:    "IOV",
			},
			wantErr: nil,
		},
		"admin is required": {
			msg: CreateMsg{
				Metadata:  &weave.Metadata{Schema: 1},
				Operator:  addr,
				Forwarder: addr,
				Ticker:    "IOV",
			},
			wantErr: errors.ErrEmpty,
		},
		"ticker must be valid": {
			msg: CreateMsg{
				Metadata:  &weave.Metadata{Schema: 1},
				Admin:     addr,
				Operator:  addr,
				Forwarder: addr,
				Ticker:    "x",
			},
			wantErr: errors.ErrCurrency,
		},
	}

	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			if err := tc.msg.Validate(); !tc.wantErr.Is(err) {
				t.Fatalf("unexpected validation result: %+v", err)
			}
		})
	}
}

func TestForwardMsgValidate(t *testing.T) {
	cases := map[string]struct {
		msg     ForwardMsg
		wantErr *errors.Error
	}{
		"valid message": {
			msg: ForwardMsg{
				Metadata: &weave.Metadata{Schema: 1},
				PoolID:   []byte("pool-id"),
				Amount:   coin.NewCoinp(1000, 0, "IOV"),
				Splits:   []uint32{33, 33, 34},
			},
			wantErr: nil,
		},
		"pool ID is required": {
			msg: ForwardMsg{
				Metadata: &weave.Metadata{Schema: 1},
				Amount:   coin.NewCoinp(1000, 0, "IOV"),
				Splits:   []uint32{100},
			},
			wantErr: errors.ErrMsg,
		},
		"splits are checked before the amount": {
			msg: ForwardMsg{
				Metadata: &weave.Metadata{Schema: 1},
				PoolID:   []byte("pool-id"),
				Amount:   nil,
				Splits:   []uint32{50, 51},
			},
			wantErr: ErrInvalidSplitAmounts,
		},
		"amount is required": {
			msg: ForwardMsg{
				Metadata: &weave.Metadata{Schema: 1},
				PoolID:   []byte("pool-id"),
				Splits:   []uint32{100},
			},
			wantErr: errors.ErrAmount,
		},
		"amount must be positive": {
			msg: ForwardMsg{
				Metadata: &weave.Metadata{Schema: 1},
				PoolID:   []byte("pool-id"),
				Amount:   coin.NewCoinp(0, 0, "IOV"),
				Splits:   []uint32{100},
			},
			wantErr: errors.ErrAmount,
		},
		"amount must be in whole tokens": {
			msg: ForwardMsg{
				Metadata: &weave.Metadata{Schema: 1},
				PoolID:   []byte("pool-id"),
				Amount:   coin.NewCoinp(1, 500000000, "IOV"),
				Splits:   []uint32{100},
			},
			wantErr: errors.ErrAmount,
		},
		"amount must not overflow the share computation": {
			msg: ForwardMsg{
				Metadata: &weave.Metadata{Schema: 1},
				PoolID:   []byte("pool-id"),
				Amount:   coin.NewCoinp(math.MaxInt64/100+1, 0, "IOV"),
				Splits:   []uint32{100},
			},
			wantErr: errors.ErrOverflow,
		},
	}

	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			if err := tc.msg.Validate(); !tc.wantErr.Is(err) {
				t.Fatalf("unexpected validation result: %+v", err)
			}
		})
	}
}

func TestUpdateMsgsValidate(t *testing.T) {
	addr := weave.Address("f427d624ed29c1fae0e2")

	cases := map[string]struct {
		msg interface {
			Validate() error
		}
		wantErr *errors.Error
	}{
		"valid recipients update": {
			msg: &UpdateRecipientsMsg{
				Metadata:   &weave.Metadata{Schema: 1},
				PoolID:     []byte("pool-id"),
				Recipients: []weave.Address{addr},
			},
			wantErr: nil,
		},
		"recipients must not be empty": {
			msg: &UpdateRecipientsMsg{
				Metadata: &weave.Metadata{Schema: 1},
				PoolID:   []byte("pool-id"),
			},
			wantErr: errors.ErrMsg,
		},
		"valid batch size update": {
			msg: &UpdateBatchSizeMsg{
				Metadata:  &weave.Metadata{Schema: 1},
				PoolID:    []byte("pool-id"),
				BatchSize: 5,
			},
			wantErr: nil,
		},
		"batch size must be positive": {
			msg: &UpdateBatchSizeMsg{
				Metadata: &weave.Metadata{Schema: 1},
				PoolID:   []byte("pool-id"),
			},
			wantErr: errors.ErrInput,
		},
		"valid recover": {
			msg: &RecoverMsg{
				Metadata:    &weave.Metadata{Schema: 1},
				PoolID:      []byte("pool-id"),
				Destination: addr,
			},
			wantErr: nil,
		},
		"recover destination is required": {
			msg: &RecoverMsg{
				Metadata: &weave.Metadata{Schema: 1},
				PoolID:   []byte("pool-id"),
			},
			wantErr: errors.ErrEmpty,
		},
		"valid deposit": {
			msg: &DepositMsg{
				Metadata: &weave.Metadata{Schema: 1},
				PoolID:   []byte("pool-id"),
				Amount:   coin.NewCoinp(1, 0, "IOV"),
			},
			wantErr: nil,
		},
		"deposit amount must be positive": {
			msg: &DepositMsg{
				Metadata: &weave.Metadata{Schema: 1},
				PoolID:   []byte("pool-id"),
				Amount:   coin.NewCoinp(-1, 0, "IOV"),
			},
			wantErr: errors.ErrAmount,
		},
	}

	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			if err := tc.msg.Validate(); !tc.wantErr.Is(err) {
				t.Fatalf("unexpected validation result: %+v", err)
			}
		})
	}
}
