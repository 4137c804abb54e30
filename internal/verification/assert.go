package verification

import (
	"fmt"
	"strings"

	"github.com/gateway-fm/nearload/pkg/types"
)

// AssertionError reports an outcome that did not match an expectation.
// Actual always carries the full failure description, untruncated.
type AssertionError struct {
	TxHash   string
	Expected string
	Actual   string
}

func (e *AssertionError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("assertion failed for %s: expected %s, got %s", e.TxHash, e.Expected, e.Actual)
	}
	return fmt.Sprintf("assertion failed: expected %s, got %s", e.Expected, e.Actual)
}

// ExpectSuccess returns an *AssertionError unless the outcome succeeded.
func ExpectSuccess(o types.Outcome) error {
	if o.Succeeded() {
		return nil
	}
	return &AssertionError{
		TxHash:   o.TxHash,
		Expected: "success",
		Actual:   describe(o),
	}
}

// ExpectFailureContaining returns an *AssertionError unless the outcome is an
// executed failure whose description contains substr.
func ExpectFailureContaining(o types.Outcome, substr string) error {
	if o.Status == types.OutcomeFailure && strings.Contains(o.Failure, substr) {
		return nil
	}
	return &AssertionError{
		TxHash:   o.TxHash,
		Expected: fmt.Sprintf("failure containing %q", substr),
		Actual:   describe(o),
	}
}

func describe(o types.Outcome) string {
	if o.Failure == "" {
		return string(o.Status)
	}
	return fmt.Sprintf("%s: %s", o.Status, o.Failure)
}
