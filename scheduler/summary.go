package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// BindingError is a failure caught at the binding boundary. Instrument is
// empty when the whole binding failed.
type BindingError struct {
	AccountID  string
	Strategy   string
	Instrument string
	Err        error
}

func (e BindingError) Error() string {
	if e.Instrument == "" {
		return fmt.Sprintf("%s/%s: %v", e.AccountID, e.Strategy, e.Err)
	}
	return fmt.Sprintf("%s/%s %s: %v", e.AccountID, e.Strategy, e.Instrument, e.Err)
}

func (e BindingError) Unwrap() error { return e.Err }

// Summary is the outcome of one scan cycle.
type Summary struct {
	ID       string
	Started  time.Time
	Finished time.Time

	Bindings     int
	Skipped      int // not started because the cycle was stopped
	SignalsSeen  int
	TradesPlaced int
	Rejections   map[string]int
	Errors       []BindingError
}

func newSummary(id string, started time.Time) Summary {
	return Summary{ID: id, Started: started, Rejections: make(map[string]int)}
}

func (s *Summary) merge(r bindingResult) {
	s.SignalsSeen += r.signals
	s.TradesPlaced += r.placed
	for k, v := range r.rejections {
		s.Rejections[k] += v
	}
	s.Errors = append(s.Errors, r.errs...)
}

// RejectionTotal is the number of rejections of every reason.
func (s Summary) RejectionTotal() int {
	n := 0
	for _, v := range s.Rejections {
		n += v
	}
	return n
}

// Text renders the summary on one line, reasons sorted by name and every
// binding error spelled out.
func (s Summary) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cycle %s: %d bindings, %d signals, %d placed",
		shortID(s.ID), s.Bindings, s.SignalsSeen, s.TradesPlaced)

	if len(s.Rejections) > 0 {
		reasons := make([]string, 0, len(s.Rejections))
		for r := range s.Rejections {
			reasons = append(reasons, r)
		}
		sort.Strings(reasons)
		parts := make([]string, len(reasons))
		for i, r := range reasons {
			parts[i] = fmt.Sprintf("%s=%d", r, s.Rejections[r])
		}
		fmt.Fprintf(&b, ", rejected [%s]", strings.Join(parts, " "))
	}
	if len(s.Errors) > 0 {
		causes := make([]string, len(s.Errors))
		for i, e := range s.Errors {
			causes[i] = e.Error()
		}
		fmt.Fprintf(&b, ", %d errors [%s]", len(s.Errors), strings.Join(causes, "; "))
	}
	if s.Skipped > 0 {
		fmt.Fprintf(&b, ", %d skipped", s.Skipped)
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
