package verification

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/gateway-fm/nearload/pkg/types"
)

// Summary counts outcomes by status.
type Summary struct {
	Total        int
	Succeeded    int
	Failed       int
	Submitted    int
	SubmitErrors int
	GasBurnt     uint64
	Reasons      []types.FailureReason // Most frequent first
}

var (
	accountRe = regexp.MustCompile(`\b[a-z0-9]+(?:[-_][a-z0-9]+)*(?:\.[a-z0-9]+(?:[-_][a-z0-9]+)*)+\b`)
	// "The account alice is not registered" names a top-level id without a dot
	namedAccountRe = regexp.MustCompile(`(?i)\baccount ([a-z0-9_.-]+)`)
	hashRe         = regexp.MustCompile(`\b[1-9A-HJ-NP-Za-km-z]{43,44}\b`)
	numberRe       = regexp.MustCompile(`\b\d+\b`)
)

// NormalizeFailure strips account ids, hashes, heights and amounts from a
// failure description so equal causes group together.
func NormalizeFailure(failure string) string {
	s := hashRe.ReplaceAllString(failure, "<hash>")
	s = namedAccountRe.ReplaceAllString(s, "account <account>")
	s = accountRe.ReplaceAllString(s, "<account>")
	return numberRe.ReplaceAllString(s, "<n>")
}

// Tally classifies outcomes and groups failures by normalized description.
// Submission errors are grouped alongside executed failures.
func Tally(outcomes []types.Outcome) Summary {
	s := Summary{Total: len(outcomes)}
	reasons := make(map[string]*types.FailureReason)

	for _, o := range outcomes {
		s.GasBurnt += o.GasBurnt
		switch o.Status {
		case types.OutcomeSuccess:
			s.Succeeded++
			continue
		case types.OutcomeSubmitted:
			s.Submitted++
			continue
		case types.OutcomeFailure:
			s.Failed++
		case types.OutcomeSubmitError:
			s.SubmitErrors++
		}

		key := NormalizeFailure(o.Failure)
		r, ok := reasons[key]
		if !ok {
			r = &types.FailureReason{Reason: key, Example: o.Failure}
			reasons[key] = r
		}
		r.Count++
	}

	for _, r := range reasons {
		s.Reasons = append(s.Reasons, *r)
	}
	sort.Slice(s.Reasons, func(i, j int) bool {
		if s.Reasons[i].Count != s.Reasons[j].Count {
			return s.Reasons[i].Count > s.Reasons[j].Count
		}
		return s.Reasons[i].Reason < s.Reasons[j].Reason
	})
	return s
}

// Check returns an error if the tally does not account for exactly expected calls.
func (s Summary) Check(expected int) error {
	if s.Total != expected {
		return fmt.Errorf("outcome count mismatch: expected %d, got %d", expected, s.Total)
	}
	return nil
}
