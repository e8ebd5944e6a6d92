package payout

import (
	"testing"

	"github.com/iov-one/weave"
	"github.com/iov-one/weave/errors"
	"github.com/iov-one/weave/weavetest"
)

func TestPoolValidate(t *testing.T) {
	addr := weave.Address("f427d624ed29c1fae0e2")

	cases := map[string]struct {
		model   Pool
		wantErr *errors.Error
	}{
		"valid model": {
			model: Pool{
				Metadata:   &weave.Metadata{Schema: 1},
				Admin:      addr,
				Operator:   addr,
				Forwarder:  addr,
				Ticker:     "IOV",
				Recipients: []weave.Address{addr},
				BatchSize:  100,
				Address:    addr,
			},
			wantErr: nil,
		},
		"empty recipient list is allowed": {
			model: Pool{
				Metadata:  &weave.Metadata{Schema: 1},
				Admin:     addr,
				Operator:  addr,
				Forwarder: addr,
				Ticker:    "IOV",
				BatchSize: 100,
				Address:   addr,
			},
			wantErr: nil,
		},
		"admin address must be present": {
			model: Pool{
				Metadata:  &weave.Metadata{Schema: 1},
				Admin:     nil,
				Operator:  addr,
				Forwarder: addr,
				Ticker:    "IOV",
				BatchSize: 100,
				Address:   addr,
			},
			wantErr: errors.ErrEmpty,
		},
		"operator address must be present": {
			model: Pool{
				Metadata:  &weave.Metadata{Schema: 1},
				Admin:     addr,
				Operator:  nil,
				Forwarder: addr,
				Ticker:    "IOV",
				BatchSize: 100,
				Address:   addr,
			},
			wantErr: errors.ErrEmpty,
		},
		"forwarder address must be present": {
			model: Pool{
				Metadata:  &weave.Metadata{Schema: 1},
				Admin:     addr,
				Operator:  addr,
				Forwarder: nil,
				Ticker:    "IOV",
				BatchSize: 100,
				Address:   addr,
			},
			wantErr: errors.ErrEmpty,
		},
		"ticker must be a valid currency code": {
			model: Pool{
				Metadata:  &weave.Metadata{Schema: 1},
				Admin:     addr,
				Operator:  addr,
				Forwarder: addr,
				Ticker:    "not-a-ticker",
				BatchSize: 100,
				Address:   addr,
			},
			wantErr: errors.ErrCurrency,
		},
		"recipient must have a valid address": {
			model: Pool{
				Metadata:   &weave.Metadata{Schema: 1},
				Admin:      addr,
				Operator:   addr,
				Forwarder:  addr,
				Ticker:     "IOV",
				Recipients: []weave.Address{[]byte("zzz")},
				BatchSize:  100,
				Address:    addr,
			},
			wantErr: errors.ErrInput,
		},
		"batch size must be positive": {
			model: Pool{
				Metadata:   &weave.Metadata{Schema: 1},
				Admin:      addr,
				Operator:   addr,
				Forwarder:  addr,
				Ticker:     "IOV",
				Recipients: []weave.Address{addr},
				BatchSize:  0,
				Address:    addr,
			},
			wantErr: errors.ErrModel,
		},
	}

	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			if err := tc.model.Validate(); !tc.wantErr.Is(err) {
				t.Logf("want %q", tc.wantErr)
				t.Logf("got %q", err)
				t.Fatal("unexpected validation result")
			}
		})
	}
}

func TestValidateRecipients(t *testing.T) {
	cases := map[string]struct {
		recipients []weave.Address
		baseErr    *errors.Error
		want       *errors.Error
	}{
		"all good": {
			recipients: []weave.Address{
				weave.Address("f427d624ed29c1fae0e2"),
				weave.Address("aa27d624ed29c1fae0e2"),
			},
			baseErr: errors.ErrModel,
			want:    nil,
		},
		"at least one recipient must be given": {
			recipients: []weave.Address{},
			baseErr:    errors.ErrMsg,
			want:       errors.ErrMsg,
		},
		"too many recipients": {
			recipients: createRecipients(maxRecipients + 1),
			baseErr:    errors.ErrModel,
			want:       errors.ErrModel,
		},
		"recipient address must be valid": {
			recipients: []weave.Address{
				weave.Address("f427d624ed29c1fae0e2"),
				weave.Address("zzz"),
			},
			baseErr: errors.ErrMsg,
			want:    errors.ErrInput,
		},
	}

	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			if err := validateRecipients(tc.recipients, tc.baseErr); !tc.want.Is(err) {
				t.Fatalf("%+v", err)
			}
		})
	}
}

func createRecipients(amount int) []weave.Address {
	rs := make([]weave.Address, amount)
	for i := range rs {
		rs[i] = weave.Address(weavetest.SequenceID(uint64(i)))
	}
	return rs
}
