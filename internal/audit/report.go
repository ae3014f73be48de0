package audit

import (
	"fmt"

	"github.com/savaki/gox/slicex"
)

// Status classifies a single audit finding.
type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Finding is the outcome of one conformance check against a live environment.
type Finding struct {
	Check  string `json:"check"`
	Status Status `json:"status"`
	Detail string `json:"detail"`
}

// Report collects the findings for one environment.
type Report struct {
	Env       string    `json:"env"`
	StackName string    `json:"stack_name"`
	Account   string    `json:"account"`
	Region    string    `json:"region"`
	Findings  []Finding `json:"findings"`
}

func (r *Report) add(check string, status Status, detail string) {
	r.Findings = append(r.Findings, Finding{Check: check, Status: status, Detail: detail})
}

// Counts tallies findings by status.
func (r *Report) Counts() (pass, warn, fail int) {
	for _, f := range r.Findings {
		switch f.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		default:
			fail++
		}
	}
	return pass, warn, fail
}

// Failed reports whether any check failed outright.
func (r *Report) Failed() bool {
	_, _, fail := r.Counts()
	return fail > 0
}

// FormatFinding renders one finding as a terminal line. It exists so it can
// be passed to slicex.Map.
func FormatFinding(f Finding) string {
	marker := "✗"
	switch f.Status {
	case StatusPass:
		marker = "✓"
	case StatusWarn:
		marker = "!"
	}
	return fmt.Sprintf("%s %-18s %s", marker, f.Check, f.Detail)
}

// Lines renders the report for terminal output.
func (r *Report) Lines() []string {
	return slicex.Map(r.Findings, FormatFinding)
}
