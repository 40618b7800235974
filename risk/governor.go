package risk

import (
	"fmt"
)

type Reason string

const (
	DailyCapReached       Reason = "DailyCapReached"
	PositionCapReached    Reason = "PositionCapReached"
	CorrelationCapReached Reason = "CorrelationCapReached"
	InsufficientMargin    Reason = "InsufficientMargin"
)

// Rejection is a typed refusal from the governor.
type Rejection struct {
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

func reject(reason Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

type CorrelationGroup struct {
	Name        string
	Instruments []string
	MaxOpen     int
}

// Exposure is the account state the first three checks look at.
// UsedToday counts executed trades plus in-flight claims. OpenPositions is
// the broker's own count of open trades; the position check uses it when
// it exceeds len(OpenInstruments).
type Exposure struct {
	UsedToday        int
	DailyCap         int
	OpenInstruments  []string // one entry per open trade
	OpenPositions    int
	MaxOpenPositions int
}

func (e Exposure) positions() int {
	return max(e.OpenPositions, len(e.OpenInstruments))
}

// MarginCheck is the input to the margin gate. Amounts are in account currency.
type MarginCheck struct {
	Units           float64
	Entry           float64
	QuoteToAccount  float64
	MarginRate      float64
	NAV             float64
	MarginUsed      float64
	MarginAvailable float64
	MaxUsage        float64 // fraction of NAV, e.g. 0.75
}

// RequiredMargin is the margin a new position would hold.
func (m MarginCheck) RequiredMargin() float64 {
	u := m.Units
	if u < 0 {
		u = -u
	}
	return u * m.Entry * m.QuoteToAccount * m.MarginRate
}

type Governor struct {
	groups []CorrelationGroup
}

func NewGovernor(groups []CorrelationGroup) *Governor {
	return &Governor{groups: groups}
}

// Admit runs the daily, position and correlation checks in that order and
// returns the first failure.
func (g *Governor) Admit(instrument string, e Exposure) error {
	if e.DailyCap > 0 && e.UsedToday >= e.DailyCap {
		return reject(DailyCapReached, "%d of %d trades used today", e.UsedToday, e.DailyCap)
	}
	if n := e.positions(); e.MaxOpenPositions > 0 && n >= e.MaxOpenPositions {
		return reject(PositionCapReached, "%d of %d positions open", n, e.MaxOpenPositions)
	}
	for _, grp := range g.groups {
		if !contains(grp.Instruments, instrument) {
			continue
		}
		n := 0
		for _, open := range e.OpenInstruments {
			if contains(grp.Instruments, open) {
				n++
			}
		}
		if n >= grp.MaxOpen {
			return reject(CorrelationCapReached, "%d of %d open in group %s", n, grp.MaxOpen, grp.Name)
		}
	}
	return nil
}

// CheckMargin is the last gate, run once the candidate is sized.
func (g *Governor) CheckMargin(m MarginCheck) error {
	need := m.RequiredMargin()
	if need > m.MarginAvailable {
		return reject(InsufficientMargin, "need %.2f, available %.2f", need, m.MarginAvailable)
	}
	if m.NAV <= 0 {
		return reject(InsufficientMargin, "account NAV is %.2f", m.NAV)
	}
	if m.MaxUsage > 0 {
		if usage := (m.MarginUsed + need) / m.NAV; usage > m.MaxUsage {
			return reject(InsufficientMargin, "margin usage would be %.1f%% (max %.1f%%)", usage*100, m.MaxUsage*100)
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
