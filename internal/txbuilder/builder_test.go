package txbuilder

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/gateway-fm/nearload/pkg/types"
)

var testParams = CallParams{
	Contract: "ft.test.near",
	Signer:   "alice.test.near",
	Account:  "bob.test.near",
	Amount:   DefaultTransferAmount,
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	if r.builders == nil {
		t.Fatal("expected builders map to be initialized")
	}
	if _, err := r.Get(types.CallTypeFTTransfer); !errors.Is(err, ErrUnknownCallType) {
		t.Errorf("Get() on empty registry error = %v, want ErrUnknownCallType", err)
	}
}

func TestDefaultRegistry(t *testing.T) {
	r := NewDefaultRegistry(0)

	if len(r.builders) != 3 {
		t.Fatalf("default registry has %d builders, want 3", len(r.builders))
	}
	for _, typ := range []types.CallType{types.CallTypeFTTransfer, types.CallTypeStorageDeposit, types.CallTypeFTInit} {
		b, err := r.Get(typ)
		if err != nil {
			t.Errorf("Get(%s) error = %v", typ, err)
			continue
		}
		if b.Type() != typ {
			t.Errorf("Get(%s).Type() = %s", typ, b.Type())
		}
	}
}

func TestFTTransferBuilder(t *testing.T) {
	call, err := NewFTTransferBuilder(0).Build(testParams)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if call.Method != "ft_transfer" || call.Contract != "ft.test.near" || call.Signer != "alice.test.near" {
		t.Errorf("unexpected call %+v", call)
	}
	if call.Gas != DefaultFunctionCallGas {
		t.Errorf("Gas = %d, want %d", call.Gas, DefaultFunctionCallGas)
	}
	if !call.Deposit.Eq(OneYocto) {
		t.Errorf("Deposit = %s, want 1", call.Deposit.Dec())
	}
	if call.Mode != types.ModeSync {
		t.Errorf("Mode = %s, want sync", call.Mode)
	}

	var args map[string]string
	if err := json.Unmarshal(call.Args, &args); err != nil {
		t.Fatalf("args not JSON: %v", err)
	}
	if args["receiver_id"] != "bob.test.near" || args["amount"] != "42" {
		t.Errorf("args = %v", args)
	}
	if err := call.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestFTTransferBuilderRejects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *CallParams)
		wantErr error
	}{
		{"bad receiver", func(p *CallParams) { p.Account = "Bob" }, ErrInvalidAccountID},
		{"bad contract", func(p *CallParams) { p.Contract = "a" }, ErrInvalidAccountID},
		{"bad signer", func(p *CallParams) { p.Signer = "alice..near" }, ErrInvalidAccountID},
		{"negative amount", func(p *CallParams) { p.Amount = "-1" }, ErrInvalidAmount},
		{"empty amount", func(p *CallParams) { p.Amount = "" }, ErrInvalidAmount},
		{"u128 overflow", func(p *CallParams) { p.Amount = "340282366920938463463374607431768211456" }, ErrInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testParams
			tt.mutate(&p)
			if _, err := NewFTTransferBuilder(0).Build(p); !errors.Is(err, tt.wantErr) {
				t.Errorf("Build() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestStorageDepositBuilder(t *testing.T) {
	call, err := NewStorageDepositBuilder(0).Build(testParams)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if call.Method != "storage_deposit" {
		t.Errorf("Method = %s", call.Method)
	}
	if call.Deposit.Dec() != "1250000000000000000000" {
		t.Errorf("Deposit = %s", call.Deposit.Dec())
	}
	if string(call.Args) != `{"account_id":"bob.test.near","registration_only":true}` {
		t.Errorf("Args = %s", call.Args)
	}
}

func TestFTInitBuilder(t *testing.T) {
	p := testParams
	p.Amount = ""
	p.Mode = types.ModeAsyncAwait
	call, err := NewFTInitBuilder().Build(p)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if string(call.Args) != `{"owner_id":"bob.test.near","total_supply":"1000000000"}` {
		t.Errorf("Args = %s", call.Args)
	}
	if call.Deposit != nil {
		t.Errorf("Deposit = %s, want none", call.Deposit.Dec())
	}
	if call.Mode != types.ModeAsyncAwait {
		t.Errorf("Mode = %s", call.Mode)
	}
}

func TestValidateAccountID(t *testing.T) {
	valid := []types.AccountID{"ab", "test.near", "dev-1700000000-12.test.near", "a_b-c.d", "0x1234", "near"}
	invalid := []types.AccountID{"a", "", "Test.near", "a..b", ".near", "near.", "a-", "-a", "a--b", "a b", "ünï.near"}

	for _, id := range valid {
		if err := ValidateAccountID(id); err != nil {
			t.Errorf("ValidateAccountID(%q) = %v, want nil", id, err)
		}
	}
	for _, id := range invalid {
		if err := ValidateAccountID(id); !errors.Is(err, ErrInvalidAccountID) {
			t.Errorf("ValidateAccountID(%q) = %v, want ErrInvalidAccountID", id, err)
		}
	}
}

func TestCallValidate(t *testing.T) {
	call, _ := NewFTTransferBuilder(0).Build(testParams)

	bad := call
	bad.Mode = "later"
	if err := bad.Validate(); err == nil {
		t.Error("Validate() accepted unknown mode")
	}

	bad = call
	bad.Gas = 0
	if err := bad.Validate(); err == nil {
		t.Error("Validate() accepted zero gas")
	}
}

func TestParseBalance(t *testing.T) {
	v, err := ParseBalance([]byte(`"999999958"`))
	if err != nil {
		t.Fatalf("ParseBalance: %v", err)
	}
	if v.Uint64() != 999999958 {
		t.Errorf("ParseBalance() = %s", v.Dec())
	}
	if _, err := ParseBalance([]byte(`42`)); err == nil {
		t.Error("ParseBalance of a number should fail")
	}
}
