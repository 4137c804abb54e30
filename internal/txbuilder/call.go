package txbuilder

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/holiman/uint256"

	"github.com/gateway-fm/nearload/pkg/types"
)

// ErrInvalidAccountID is returned when an identity does not satisfy the NEAR
// account id grammar.
var ErrInvalidAccountID = errors.New("invalid account id")

// ErrInvalidAmount is returned for amounts that are not decimal u128 values.
var ErrInvalidAmount = errors.New("invalid amount")

// accountIDPattern is the NEAR account id grammar: lowercase alphanumeric
// parts separated by single '-', '_' or '.'.
var accountIDPattern = regexp.MustCompile(`^(([a-z\d]+[-_])*[a-z\d]+\.)*([a-z\d]+[-_])*[a-z\d]+$`)

const (
	minAccountIDLen = 2
	maxAccountIDLen = 64
)

// ValidateAccountID checks id against the NEAR account id grammar.
func ValidateAccountID(id types.AccountID) error {
	if len(id) < minAccountIDLen || len(id) > maxAccountIDLen {
		return fmt.Errorf("%w: %q must be %d to %d characters", ErrInvalidAccountID, id, minAccountIDLen, maxAccountIDLen)
	}
	if !accountIDPattern.MatchString(string(id)) {
		return fmt.Errorf("%w: %q", ErrInvalidAccountID, id)
	}
	return nil
}

// ParseAmount parses a decimal u128.
func ParseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, s, err)
	}
	if v.BitLen() > 128 {
		return nil, fmt.Errorf("%w: %q overflows u128", ErrInvalidAmount, s)
	}
	return v, nil
}

// Call is an immutable description of one contract call. It holds no client
// references and is consumed once by the pipeline.
type Call struct {
	Type     types.CallType
	Contract types.AccountID
	Method   string
	Signer   types.AccountID
	Args     []byte       // JSON-encoded arguments
	Deposit  *uint256.Int // yoctoNEAR attached, nil means zero
	Gas      uint64
	Mode     types.SubmitMode
}

// Validate checks the identities and mode of the call.
func (c Call) Validate() error {
	if err := ValidateAccountID(c.Contract); err != nil {
		return fmt.Errorf("contract: %w", err)
	}
	if err := ValidateAccountID(c.Signer); err != nil {
		return fmt.Errorf("signer: %w", err)
	}
	if c.Method == "" {
		return errors.New("method is required")
	}
	if c.Gas == 0 {
		return errors.New("gas must be positive")
	}
	if c.Deposit != nil && c.Deposit.BitLen() > 128 {
		return fmt.Errorf("%w: deposit overflows u128", ErrInvalidAmount)
	}
	switch c.Mode {
	case types.ModeSync, types.ModeAsync, types.ModeAsyncAwait:
	default:
		return fmt.Errorf("unknown submit mode %q", c.Mode)
	}
	return nil
}

// Action returns the function call action this call executes.
func (c Call) Action() FunctionCall {
	return FunctionCall{
		Method:  c.Method,
		Args:    c.Args,
		Gas:     c.Gas,
		Deposit: c.Deposit,
	}
}
