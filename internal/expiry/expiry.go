// Package expiry derives subscription expiry from payment history.
//
// The fold walks funding events in time order. A payment extends the running
// period by P, starting from the payment itself when the previous period had
// already ended, so renewals inside an unbroken chain stack and renewals
// after a lapse restart. The grace period G is added once, after the fold.
package expiry

import (
	"sort"
	"time"

	"github.com/angelmondragon/membergate-backend/pkg/enums"
)

// Policy holds the period and grace lengths.
type Policy struct {
	Period time.Duration
	Grace  time.Duration
}

// Payment is the slice of a ledger row the fold needs.
type Payment struct {
	ID     string
	At     time.Time
	Status enums.PaymentStatus
}

// EventKind labels a replay event.
type EventKind int

const (
	// EventExtend adds Length to the running period (payments and grants).
	EventExtend EventKind = iota
	// EventClose ends access at the event time (revokes and cancellations).
	EventClose
)

// Event is one entry of an account's funding history.
type Event struct {
	ID     string
	At     time.Time
	Kind   EventKind
	Length time.Duration
}

// Recompute is the batch form: dedupe by id, keep succeeded payments, fold.
// An empty history yields the zero time.
func (p Policy) Recompute(payments []Payment) time.Time {
	return p.Replay(p.PaymentEvents(payments))
}

// PaymentEvents turns ledger payments into extend events, dropping duplicates
// and anything that did not succeed.
func (p Policy) PaymentEvents(payments []Payment) []Event {
	seen := make(map[string]struct{}, len(payments))
	events := make([]Event, 0, len(payments))
	for _, pay := range payments {
		if pay.Status != enums.PaymentStatusSucceeded {
			continue
		}
		if _, dup := seen[pay.ID]; dup {
			continue
		}
		seen[pay.ID] = struct{}{}
		events = append(events, Event{ID: pay.ID, At: pay.At, Kind: EventExtend, Length: p.Period})
	}
	return events
}

// Replay folds payments and manual adjustments in time order. A close event
// drops the running period, so later payments restart from their own time.
func (p Policy) Replay(events []Event) time.Time {
	ordered := make([]Event, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].At.Before(ordered[j].At)
	})

	var acc time.Time
	for _, ev := range ordered {
		switch ev.Kind {
		case EventClose:
			acc = time.Time{}
		default:
			if acc.Before(ev.At) {
				acc = ev.At
			}
			acc = acc.Add(ev.Length)
		}
	}
	if acc.IsZero() {
		return acc
	}
	return acc.Add(p.Grace)
}

// Extend is the incremental form: apply one funding event of the given length
// to a stored expiry. The stored value already carries one grace period, which
// is taken off before folding and put back after. The result never goes below
// stored.
func (p Policy) Extend(stored, at time.Time, length time.Duration) time.Time {
	var base time.Time
	if !stored.IsZero() {
		base = stored.Add(-p.Grace)
	}
	if base.Before(at) {
		base = at
	}
	return Max(stored, base.Add(length).Add(p.Grace))
}

// ApplyPayment extends stored by one paid period funded at the given time.
func (p Policy) ApplyPayment(stored, at time.Time) time.Time {
	return p.Extend(stored, at, p.Period)
}

// Max returns the later of two instants; the zero time loses to anything.
func Max(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
