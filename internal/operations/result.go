package operations

import "fmt"

// Result is the outcome of running or ensuring an Operation: accumulated
// output text, whether anything changed, and whether it succeeded. §8
// requires the monotonic property that Update never un-sets changed or
// succeeded once set/cleared by a child result.
type Result struct {
	Name      string
	Output    string
	Changed   bool
	Succeeded bool
}

// NewResult starts a successful, unchanged Result for the named operation.
func NewResult(name string) *Result {
	return &Result{Name: name, Succeeded: true}
}

func (r *Result) String() string {
	status := "succeeded"
	if !r.Succeeded {
		status = "failed"
	}
	changed := ""
	if r.Changed {
		changed = " (changed)"
	}
	return fmt.Sprintf("Operation %s %s%s:\n%s", r.Name, status, changed, trimTrailingNewline(r.Output))
}

// AddOutput appends a line of output text.
func (r *Result) AddOutput(output string) {
	r.Output += output + "\n"
}

// Fail marks the result as failed, optionally appending explanatory output.
func (r *Result) Fail(output string) {
	if output != "" {
		r.AddOutput(output)
	}
	r.Succeeded = false
}

// Update folds child into r: appends its text representation (or raw
// output when rawOutput is true), ORs changed, ANDs succeeded. Matches
// spec.md §3's parent/child Result composition and the monotonicity
// property tested in §8.
func (r *Result) Update(child *Result, rawOutput bool) *Result {
	if rawOutput {
		r.AddOutput(child.Output)
	} else {
		r.AddOutput(child.String())
	}
	r.Changed = r.Changed || child.Changed
	r.Succeeded = r.Succeeded && child.Succeeded
	return r
}

func trimTrailingNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
