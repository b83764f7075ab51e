// Package qc runs an ordered chain of quality-control checks over decoded segments.
package qc

import (
	"context"
	"fmt"

	"github.com/seis-sod/sod-stack/common/models"
)

// Check is one pluggable quality-control stage. prior holds the verdicts of
// the checks that ran before it.
type Check interface {
	Name() string
	Evaluate(ctx context.Context, seg *models.Segment, prior []models.QCVerdict) (models.QCVerdict, error)
}

// CheckError reports a check that failed to produce a verdict.
type CheckError struct {
	Check string
	Err   error
	Panic bool
}

func (e *CheckError) Error() string {
	if e.Panic {
		return fmt.Sprintf("check %s panicked: %v", e.Check, e.Err)
	}
	return fmt.Sprintf("check %s: %v", e.Check, e.Err)
}

func (e *CheckError) Unwrap() error {
	return e.Err
}

// Chain applies checks in order.
type Chain struct {
	strict bool
	checks []Check
}

// NewChain constructs a chain. In strict mode evaluation stops at the first FAIL.
func NewChain(strict bool, checks ...Check) *Chain {
	return &Chain{strict: strict, checks: checks}
}

// Strict reports whether the chain stops at the first FAIL.
func (c *Chain) Strict() bool {
	return c.strict
}

// Names lists the checks in evaluation order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.checks))
	for i, check := range c.checks {
		names[i] = check.Name()
	}
	return names
}

// Run evaluates the chain over seg, appends the verdicts to seg.Verdicts and
// returns them with the aggregate (worst) verdict. Checks see a private copy
// of the samples so seg's data is never modified. An empty chain passes.
func (c *Chain) Run(ctx context.Context, seg *models.Segment) ([]models.QCVerdict, models.Verdict) {
	if c == nil || len(c.checks) == 0 {
		return nil, models.VerdictPass
	}

	view := *seg
	view.Samples = append([]float64(nil), seg.Samples...)
	view.Verdicts = nil

	verdicts := make([]models.QCVerdict, 0, len(c.checks))
	aggregate := models.VerdictPass
	for _, check := range c.checks {
		prior := append([]models.QCVerdict(nil), verdicts...)
		v := evaluate(ctx, check, &view, prior)
		verdicts = append(verdicts, v)
		aggregate = aggregate.Worse(v.Verdict)
		if c.strict && v.Verdict == models.VerdictFail {
			break
		}
	}

	seg.Verdicts = append(seg.Verdicts, verdicts...)
	return verdicts, aggregate
}

func evaluate(ctx context.Context, check Check, seg *models.Segment, prior []models.QCVerdict) (v models.QCVerdict) {
	name := check.Name()
	defer func() {
		if r := recover(); r != nil {
			err := &CheckError{Check: name, Err: fmt.Errorf("%v", r), Panic: true}
			v = models.QCVerdict{Check: name, Verdict: models.VerdictIndeterminate, Reason: err.Error()}
		}
	}()

	if err := ctx.Err(); err != nil {
		return models.QCVerdict{Check: name, Verdict: models.VerdictIndeterminate, Reason: "not evaluated: " + err.Error()}
	}
	v, err := check.Evaluate(ctx, seg, prior)
	if err != nil {
		err = &CheckError{Check: name, Err: err}
		return models.QCVerdict{Check: name, Verdict: models.VerdictIndeterminate, Reason: err.Error()}
	}
	v.Check = name
	return v
}

// Pass, Fail and Indeterminate build verdicts for check implementations.
func Pass(check string) models.QCVerdict {
	return models.QCVerdict{Check: check, Verdict: models.VerdictPass}
}

func Fail(check, format string, args ...any) models.QCVerdict {
	return models.QCVerdict{Check: check, Verdict: models.VerdictFail, Reason: fmt.Sprintf(format, args...)}
}

func Indeterminate(check, format string, args ...any) models.QCVerdict {
	return models.QCVerdict{Check: check, Verdict: models.VerdictIndeterminate, Reason: fmt.Sprintf(format, args...)}
}

type requestKey struct{}

// WithRequest attaches the request a segment was retrieved for. Checks that
// compare against the requested window read it back with RequestFromContext.
func WithRequest(ctx context.Context, req *models.RetrievalRequest) context.Context {
	return context.WithValue(ctx, requestKey{}, req)
}

// RequestFromContext returns the request attached by WithRequest, or nil.
func RequestFromContext(ctx context.Context) *models.RetrievalRequest {
	req, _ := ctx.Value(requestKey{}).(*models.RetrievalRequest)
	return req
}
