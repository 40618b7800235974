// Package selector ranks the signals an (account, strategy) pair has seen
// during a day and decides which of the current batch may trade.
package selector

import (
	"sort"
	"sync"

	"github.com/rustyeddy/fxengine/ledger"
	"github.com/rustyeddy/fxengine/strategies"
)

type Reason string

const (
	DailyCapReached    Reason = "DailyCapReached"
	BelowMinConfidence Reason = "BelowMinConfidence"
)

type Rejection struct {
	Signal strategies.Signal
	Reason Reason
}

type Result struct {
	// Promoted is in rank order, best first.
	Promoted []strategies.Signal
	Rejected []Rejection
}

// Budget is the state of the day's cap when the batch is judged.
type Budget struct {
	Cap           int
	Used          int             // executed plus in flight
	Spent         map[string]bool // ids already counted in Used
	MinConfidence float64
}

type book struct {
	seen map[string]strategies.Signal
}

// keyLock is one key's mutex. refs counts holders and waiters and is
// guarded by Selector.mu; a lock is only dropped at zero.
type keyLock struct {
	sync.Mutex
	refs int
}

// Selector holds the per-day running signal lists and the per-key locks.
// It keeps no trade counts of its own: those live in the ledger.
type Selector struct {
	mu    sync.Mutex
	books map[ledger.Key]*book
	locks map[ledger.Key]*keyLock
	day   string
}

func New() *Selector {
	return &Selector{
		books: make(map[ledger.Key]*book),
		locks: make(map[ledger.Key]*keyLock),
	}
}

// Lock serializes select, claim and execute for one key. Different keys
// never block each other.
func (s *Selector) Lock(key ledger.Key) (unlock func()) {
	s.mu.Lock()
	s.rollover(key.Day)
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		s.mu.Lock()
		defer s.mu.Unlock()
		l.refs--
		if l.refs == 0 && key.Day < s.day {
			delete(s.locks, key)
		}
	}
}

// rollover drops books and idle locks from earlier days. A lock still held
// or waited on stays until its last unlock. Caller holds s.mu.
func (s *Selector) rollover(day string) {
	if day <= s.day {
		return
	}
	s.day = day
	for k := range s.books {
		if k.Day < day {
			delete(s.books, k)
		}
	}
	for k, l := range s.locks {
		if k.Day < day && l.refs == 0 {
			delete(s.locks, k)
		}
	}
}

// seen returns the day's running list for key in rank order.
func (s *Selector) seen(key ledger.Key) []strategies.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[key]
	if !ok {
		return nil
	}
	out := make([]strategies.Signal, 0, len(b.seen))
	for _, sig := range b.seen {
		out = append(out, sig)
	}
	Rank(out)
	return out
}

// Select appends batch to the day's list, ranks everything seen and walks
// the ranking with the budget. Spent signals are passed over because Used
// already counts them. Earlier unspent signals that are not in this batch
// are stale: they neither trade nor take a slot. The cap is a hard ceiling.
func (s *Selector) Select(key ledger.Key, batch []strategies.Signal, budget Budget) Result {
	s.mu.Lock()
	s.rollover(key.Day)
	b, ok := s.books[key]
	if !ok {
		b = &book{seen: make(map[string]strategies.Signal)}
		s.books[key] = b
	}
	current := make(map[string]bool, len(batch))
	for _, sig := range batch {
		if _, dup := b.seen[sig.ID]; !dup {
			b.seen[sig.ID] = sig
		}
		current[sig.ID] = true
	}
	ranked := make([]strategies.Signal, 0, len(b.seen))
	for _, sig := range b.seen {
		ranked = append(ranked, sig)
	}
	s.mu.Unlock()

	Rank(ranked)

	var res Result
	taken := budget.Used
	for _, sig := range ranked {
		if !current[sig.ID] || budget.Spent[sig.ID] {
			continue
		}
		switch {
		case sig.Confidence < budget.MinConfidence:
			res.Rejected = append(res.Rejected, Rejection{Signal: sig, Reason: BelowMinConfidence})
		case budget.Cap > 0 && taken >= budget.Cap:
			res.Rejected = append(res.Rejected, Rejection{Signal: sig, Reason: DailyCapReached})
		default:
			res.Promoted = append(res.Promoted, sig)
			taken++
		}
	}
	return res
}

// Rank sorts by confidence desc, strength desc, time asc, id asc. The
// order is total, so equal inputs always rank the same.
func Rank(sigs []strategies.Signal) {
	sort.SliceStable(sigs, func(i, j int) bool {
		a, b := sigs[i], sigs[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Strength != b.Strength {
			return a.Strength > b.Strength
		}
		if !a.Time.Equal(b.Time) {
			return a.Time.Before(b.Time)
		}
		return a.ID < b.ID
	})
}
