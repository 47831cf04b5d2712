package expiration

import (
	"sort"
	"time"

	"github.com/warp/loyalty-engine/loyalty"
)

// lot is a credit still (partly) held by the account. Only ACCRUAL lots age.
type lot struct {
	id        string
	ref       string
	at        time.Time
	accrual   bool
	remaining int64
}

type draw struct {
	lot    *lot
	points int64
}

// ledgerLots replays an account history, in insertion order, into credit lots.
//
// Debits are attributed as follows:
//   - EXPIRATION referencing an accrual: that accrual's lot
//   - REVERSAL of a transaction: the lot of that transaction's accrual
//   - everything else: oldest lots first (FIFO)
//
// A REVERSAL credit refunding an earlier debit with the same reference puts
// the points back into the lots that debit drew on. Whatever a targeted debit
// cannot find in its own lot falls through to FIFO.
type ledgerLots struct {
	lots  []*lot // ordered by at, then insertion
	byID  map[string]*lot
	byRef map[string]*lot
	draws map[string][]draw
}

func replayLots(history []loyalty.Movement) *ledgerLots {
	l := &ledgerLots{
		byID:  make(map[string]*lot),
		byRef: make(map[string]*lot),
		draws: make(map[string][]draw),
	}
	for _, m := range history {
		if m.IsCredit() {
			l.credit(m)
		} else {
			l.debit(m)
		}
	}
	return l
}

// Remaining returns what is left of an accrual, 0 when unknown.
func (l *ledgerLots) Remaining(accrualID string) int64 {
	if lt, ok := l.byID[accrualID]; ok && lt.accrual {
		return lt.remaining
	}
	return 0
}

func (l *ledgerLots) credit(m loyalty.Movement) {
	points := m.Points
	if m.Kind == loyalty.KindReversal && m.RefID != "" {
		ds := l.draws[m.RefID]
		for i := len(ds) - 1; i >= 0 && points > 0; i-- {
			back := min(ds[i].points, points)
			ds[i].lot.remaining += back
			ds[i].points -= back
			points -= back
		}
	}
	if points <= 0 {
		return
	}
	lt := &lot{id: m.ID, ref: m.RefID, at: m.CreatedAt, accrual: m.Kind == loyalty.KindAccrual, remaining: points}
	i := sort.Search(len(l.lots), func(i int) bool { return lt.at.Before(l.lots[i].at) })
	l.lots = append(l.lots, nil)
	copy(l.lots[i+1:], l.lots[i:])
	l.lots[i] = lt
	l.byID[m.ID] = lt
	if lt.accrual && m.RefID != "" {
		l.byRef[m.RefID] = lt
	}
}

func (l *ledgerLots) debit(m loyalty.Movement) {
	points := -m.Points
	var target *lot
	switch m.Kind {
	case loyalty.KindExpiration:
		target = l.byID[m.RefID]
	case loyalty.KindReversal:
		target = l.byRef[m.RefID]
	}
	if target != nil {
		take := min(target.remaining, points)
		target.remaining -= take
		points -= take
	}
	for _, lt := range l.lots {
		if points == 0 {
			break
		}
		take := min(lt.remaining, points)
		if take == 0 {
			continue
		}
		lt.remaining -= take
		points -= take
		if m.RefID != "" {
			l.draws[m.RefID] = append(l.draws[m.RefID], draw{lot: lt, points: take})
		}
	}
}
