package processor

import (
	"testing"
	"time"

	"bidaskflow/models"
)

func bookSnapshot(t *testing.T, symbol, bidPrice string) *models.OrderBookSnapshot {
	t.Helper()
	resp := models.FigureBookResp{
		Symbol: symbol,
		Bids:   []models.FigureLevel{level(bidPrice, "10")},
		Asks:   []models.FigureLevel{level("0.030", "5")},
	}
	snap, _ := NormalizeBook(testSymbol(), symbol, resp, time.Now())
	return snap
}

func TestDedupSuppressesIdenticalSuccessor(t *testing.T) {
	d := NewDedup()

	first := bookSnapshot(t, "HASH-USD", "0.026")
	if !d.Admit(first) {
		t.Fatal("first snapshot must be admitted")
	}

	// Same levels, later arrival: still a duplicate.
	second := bookSnapshot(t, "HASH-USD", "0.026")
	second.ReceivedAt = first.ReceivedAt.Add(time.Second)
	if d.Admit(second) {
		t.Fatal("identical successor must be suppressed")
	}
}

func TestDedupAdmitsChangedBook(t *testing.T) {
	d := NewDedup()

	if !d.Admit(bookSnapshot(t, "HASH-USD", "0.026")) {
		t.Fatal("first snapshot must be admitted")
	}
	if !d.Admit(bookSnapshot(t, "HASH-USD", "0.027")) {
		t.Fatal("changed snapshot must be admitted")
	}
}

func TestDedupOnlyConsecutiveDuplicates(t *testing.T) {
	d := NewDedup()

	a1 := bookSnapshot(t, "HASH-USD", "0.026")
	b := bookSnapshot(t, "HASH-USD", "0.027")
	a2 := bookSnapshot(t, "HASH-USD", "0.026")

	if !d.Admit(a1) || !d.Admit(b) {
		t.Fatal("distinct snapshots must be admitted")
	}
	// A state seen before is only suppressed when it immediately repeats.
	if !d.Admit(a2) {
		t.Fatal("recurrence after a change must be admitted")
	}
}

func TestDedupPerSymbolIndependence(t *testing.T) {
	d := NewDedup()

	if !d.Admit(bookSnapshot(t, "HASH-USD", "0.026")) {
		t.Fatal("first HASH-USD snapshot must be admitted")
	}
	// Same level content under a different symbol is not a duplicate.
	if !d.Admit(bookSnapshot(t, "BTC-USD", "0.026")) {
		t.Fatal("other symbol must be tracked independently")
	}
	if d.Admit(bookSnapshot(t, "HASH-USD", "0.026")) {
		t.Fatal("HASH-USD duplicate must still be suppressed")
	}
}
