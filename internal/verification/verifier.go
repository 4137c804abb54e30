// Package verification checks outcomes against expectations and against the node.
package verification

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/nearload/internal/rpc"
	"github.com/gateway-fm/nearload/internal/storage"
	"github.com/gateway-fm/nearload/pkg/types"
)

// Phase names a verification step for progress reporting.
type Phase string

const (
	PhaseOutcomeCount Phase = "outcome-count"
	PhaseResample     Phase = "resample"
)

// DefaultSampleSize is the number of outcomes re-queried after a run.
const DefaultSampleSize = 100

// VerificationProgress holds the current state of verification progress.
type VerificationProgress struct {
	Phase   Phase
	Message string
	Total   int
	Sampled int
}

// ProgressCallback is called during verification to report progress.
type ProgressCallback func(VerificationProgress)

// Verifier performs post-run verification against the node.
type Verifier struct {
	client      rpc.Client
	logger      *slog.Logger
	sampleSize  int
	concurrency int
}

// NewVerifier creates a new verification handler.
func NewVerifier(client rpc.Client, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		client:      client,
		logger:      logger,
		sampleSize:  DefaultSampleSize,
		concurrency: 8,
	}
}

// WithSampleSize returns the verifier with a different resample size.
func (v *Verifier) WithSampleSize(n int) *Verifier {
	v.sampleSize = n
	return v
}

// VerifyRun checks that every planned call produced an outcome and re-queries
// a sample of recorded outcomes through tx status. progressCb may be nil.
func (v *Verifier) VerifyRun(
	ctx context.Context,
	expected int,
	outcomes []types.Outcome,
	signer types.AccountID,
	progressCb ProgressCallback,
) *storage.VerificationResult {
	reportProgress := func(p VerificationProgress) {
		if progressCb != nil {
			progressCb(p)
		}
	}

	reportProgress(VerificationProgress{Phase: PhaseOutcomeCount, Message: "Comparing outcome count..."})
	result := &storage.VerificationResult{
		Expected:          expected,
		Total:             len(outcomes),
		OutcomeCountMatch: Tally(outcomes).Check(expected) == nil,
	}
	if !result.OutcomeCountMatch {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("Expected %d outcomes, recorded %d", expected, len(outcomes)))
	}

	if v.sampleSize > 0 {
		result.Outcomes = v.resample(ctx, outcomes, signer, reportProgress)
		if result.Outcomes.Mismatched > 0 {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("%d of %d sampled outcomes differ from the node", result.Outcomes.Mismatched, result.Outcomes.SampleSize))
		}
		if result.Outcomes.Unavailable > 0 {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("%d of %d sampled transactions are unknown to the node", result.Outcomes.Unavailable, result.Outcomes.SampleSize))
		}
	}

	result.AllChecksPass = result.OutcomeCountMatch &&
		(result.Outcomes == nil || result.Outcomes.Mismatched == 0)

	v.logger.Info("verification complete",
		"allChecksPass", result.AllChecksPass,
		"outcomeCountMatch", result.OutcomeCountMatch,
		"warnings", len(result.Warnings))

	return result
}

// resample re-queries a random sample of outcomes that carry a tx hash.
// Submission errors are skipped: their transactions never reached the pool.
func (v *Verifier) resample(
	ctx context.Context,
	outcomes []types.Outcome,
	signer types.AccountID,
	reportProgress func(VerificationProgress),
) *storage.OutcomeVerification {
	result := &storage.OutcomeVerification{MinGasBurnt: ^uint64(0)}

	var candidates []types.Outcome
	for _, o := range outcomes {
		if o.TxHash != "" && o.Status != types.OutcomeSubmitError {
			candidates = append(candidates, o)
		}
	}
	if len(candidates) == 0 {
		result.MinGasBurnt = 0
		return result
	}

	sampleSize := v.sampleSize
	if sampleSize > len(candidates) {
		sampleSize = len(candidates)
	}
	indices := rand.Perm(len(candidates))[:sampleSize]
	sort.Ints(indices)
	result.SampleSize = sampleSize

	v.logger.Info("resampling outcomes", "candidates", len(candidates), "sampleSize", sampleSize)
	reportProgress(VerificationProgress{
		Phase:   PhaseResample,
		Message: fmt.Sprintf("Resampling outcomes (0/%d)...", sampleSize),
		Total:   sampleSize,
	})

	observed := make([]*rpc.ExecutionOutcome, sampleSize)
	var g errgroup.Group
	g.SetLimit(v.concurrency)
	for i, idx := range indices {
		g.Go(func() error {
			out, err := v.client.TxStatus(ctx, candidates[idx].TxHash, signer)
			if err != nil {
				v.logger.Debug("tx status unavailable", "txHash", candidates[idx].TxHash, "error", err)
				return nil
			}
			observed[i] = out
			return nil
		})
	}
	g.Wait()

	var totalGas uint64
	var found int
	for i, idx := range indices {
		recorded := candidates[idx]
		out := observed[i]
		if out == nil {
			result.Unavailable++
			continue
		}
		found++

		sample := storage.OutcomeSample{
			TxHash:     recorded.TxHash,
			Recorded:   recorded.Status,
			Observed:   out.Status,
			GasBurnt:   out.GasBurnt,
			ReceiptIDs: len(out.ReceiptIDs),
		}

		// A fire-and-forget call agrees with whatever final status it reached
		if recorded.Status == types.OutcomeSubmitted || recorded.Status == out.Status {
			result.Confirmed++
		} else {
			result.Mismatched++
			if len(result.MismatchedTxs) < 100 {
				result.MismatchedTxs = append(result.MismatchedTxs, sample)
			}
		}

		totalGas += out.GasBurnt
		if out.GasBurnt < result.MinGasBurnt {
			result.MinGasBurnt = out.GasBurnt
		}
		if out.GasBurnt > result.MaxGasBurnt {
			result.MaxGasBurnt = out.GasBurnt
		}
		if len(result.Samples) < 10 {
			result.Samples = append(result.Samples, sample)
		}
	}

	if found > 0 {
		result.AvgGasBurnt = totalGas / uint64(found)
	}
	if result.MinGasBurnt == ^uint64(0) {
		result.MinGasBurnt = 0
	}

	reportProgress(VerificationProgress{
		Phase:   PhaseResample,
		Message: fmt.Sprintf("Resampling outcomes (%d/%d)...", sampleSize, sampleSize),
		Total:   sampleSize,
		Sampled: sampleSize,
	})

	v.logger.Info("outcome resampling complete",
		"confirmed", result.Confirmed,
		"mismatched", result.Mismatched,
		"unavailable", result.Unavailable,
		"avgGasBurnt", result.AvgGasBurnt)

	return result
}
