package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/agentsim/internal/scenario"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

func assertBalance(r *Result, a scenario.Assertion) error {
	agent, ok := r.Snapshot.Agent(a.Agent)
	if !ok {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("agent %s with balance %d", a.Agent, a.Equals),
			Actual:   "agent not found",
		}
	}
	if agent.BalanceMicro != a.Equals {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s balance %d", a.Agent, a.Equals),
			Actual:   fmt.Sprintf("%s balance %d", a.Agent, agent.BalanceMicro),
		}
	}
	return nil
}

func assertTxState(r *Result, a scenario.Assertion) error {
	tx, ok := r.Snapshot.Transaction(a.Tx)
	if !ok {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("transaction %s in %s", a.Tx, a.State),
			Actual:   "transaction not found",
		}
	}
	if string(tx.State) != a.State {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s in %s", a.Tx, a.State),
			Actual:   fmt.Sprintf("%s in %s", a.Tx, tx.State),
		}
	}
	return nil
}

// assertTxCount counts transactions, optionally only those in a.State.
func assertTxCount(r *Result, a scenario.Assertion) error {
	count := 0
	for _, tx := range r.Snapshot.Transactions {
		if a.State == "" || string(tx.State) == a.State {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d transactions%s", a.Count, stateSuffix(a.State)),
			Actual:   fmt.Sprintf("%d transactions", count),
		}
	}
	return nil
}

// assertEventCount counts events matching the non-empty filters.
func assertEventCount(r *Result, a scenario.Assertion) error {
	count := 0
	for _, ev := range r.Events {
		if a.EventType != "" && string(ev.Type) != a.EventType {
			continue
		}
		if a.Message != "" && ev.Message != a.Message {
			continue
		}
		if a.Agent != "" && ev.AgentID != a.Agent {
			continue
		}
		count++
	}
	if count != a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d events matching %s", a.Count, eventFilter(a)),
			Actual:   fmt.Sprintf("%d events", count),
		}
	}
	return nil
}

func assertJobStatus(r *Result, a scenario.Assertion) error {
	for _, job := range r.Jobs {
		if job.ID != a.Job {
			continue
		}
		if string(job.Status) != a.Status {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("job %s %s", a.Job, a.Status),
				Actual:   fmt.Sprintf("job %s %s", a.Job, job.Status),
			}
		}
		return nil
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: fmt.Sprintf("job %s %s", a.Job, a.Status),
		Actual:   "job not found",
	}
}

func stateSuffix(state string) string {
	if state == "" {
		return ""
	}
	return " in " + state
}

func eventFilter(a scenario.Assertion) string {
	var parts []string
	if a.EventType != "" {
		parts = append(parts, "type="+a.EventType)
	}
	if a.Message != "" {
		parts = append(parts, fmt.Sprintf("message=%q", a.Message))
	}
	if a.Agent != "" {
		parts = append(parts, "agent="+a.Agent)
	}
	if len(parts) == 0 {
		return "(no filter)"
	}
	return strings.Join(parts, " ")
}

// Evaluate checks every assertion against the result and returns the
// failure messages in assertion order.
func Evaluate(r *Result, assertions []scenario.Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case scenario.AssertBalance:
			err = assertBalance(r, a)
		case scenario.AssertTxState:
			err = assertTxState(r, a)
		case scenario.AssertTxCount:
			err = assertTxCount(r, a)
		case scenario.AssertEventCount:
			err = assertEventCount(r, a)
		case scenario.AssertJobStatus:
			err = assertJobStatus(r, a)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}
