package verification

import (
	"errors"
	"strings"
	"testing"

	"github.com/gateway-fm/nearload/pkg/types"
)

const notRegistered = "Smart contract panicked: The account alice.test.near is not registered"

func TestExpectSuccess(t *testing.T) {
	tests := []struct {
		name    string
		outcome types.Outcome
		wantErr bool
	}{
		{"success", types.Outcome{Status: types.OutcomeSuccess}, false},
		{"failure", types.Outcome{TxHash: "h1", Status: types.OutcomeFailure, Failure: notRegistered}, true},
		{"submitted is not success", types.Outcome{Status: types.OutcomeSubmitted}, true},
		{"submit error", types.Outcome{Status: types.OutcomeSubmitError, Failure: "connection refused"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ExpectSuccess(tt.outcome)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ExpectSuccess() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			var ae *AssertionError
			if !errors.As(err, &ae) {
				t.Fatalf("error %T is not *AssertionError", err)
			}
			if tt.outcome.Failure != "" && !strings.Contains(ae.Actual, tt.outcome.Failure) {
				t.Errorf("Actual = %q, want full failure %q", ae.Actual, tt.outcome.Failure)
			}
		})
	}
}

func TestExpectSuccessKeepsFullDescription(t *testing.T) {
	long := strings.Repeat("x", 4096) + " is not registered"
	err := ExpectSuccess(types.Outcome{Status: types.OutcomeFailure, Failure: long})
	if !strings.Contains(err.Error(), long) {
		t.Error("error text should carry the untruncated failure")
	}
}

func TestExpectFailureContaining(t *testing.T) {
	tests := []struct {
		name    string
		outcome types.Outcome
		substr  string
		wantErr bool
	}{
		{"matching failure", types.Outcome{Status: types.OutcomeFailure, Failure: notRegistered}, "is not registered", false},
		{"other failure", types.Outcome{Status: types.OutcomeFailure, Failure: "Requires attached deposit of exactly 1 yoctoNEAR"}, "is not registered", true},
		{"success", types.Outcome{Status: types.OutcomeSuccess}, "is not registered", true},
		{"submit error mentioning text", types.Outcome{Status: types.OutcomeSubmitError, Failure: "is not registered"}, "is not registered", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ExpectFailureContaining(tt.outcome, tt.substr)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ExpectFailureContaining() error = %v, wantErr %v", err, tt.wantErr)
			}
			var ae *AssertionError
			if err != nil && (!errors.As(err, &ae) || !strings.Contains(ae.Expected, tt.substr)) {
				t.Errorf("error = %v, want expected substring in assertion", err)
			}
		})
	}
}
