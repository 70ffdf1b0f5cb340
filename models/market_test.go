package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func level(side string, rank int, price, qty string) OrderBookLevel {
	return OrderBookLevel{
		Side:        side,
		Rank:        rank,
		RawPrice:    decimal.RequireFromString(price),
		RawQuantity: decimal.RequireFromString(qty),
	}
}

func TestFingerprintIgnoresTimestamps(t *testing.T) {
	a := &OrderBookSnapshot{
		Symbol:      "HASH-USD",
		ChannelUUID: "aaaa-1111",
		ReceivedAt:  time.Unix(1000, 0),
		Bids:        []OrderBookLevel{level(SideBid, 1, "0.0263", "1922.7")},
		Asks:        []OrderBookLevel{level(SideAsk, 1, "0.0270", "500")},
	}
	b := &OrderBookSnapshot{
		Symbol:      "HASH-USD",
		ChannelUUID: "bbbb-2222",
		ReceivedAt:  time.Unix(9999, 0),
		Bids:        []OrderBookLevel{level(SideBid, 1, "0.0263", "1922.7")},
		Asks:        []OrderBookLevel{level(SideAsk, 1, "0.0270", "500")},
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("fingerprints differ for identical level content: %s != %s", a.Fingerprint(), b.Fingerprint())
	}
}

func TestFingerprintChangesWithContent(t *testing.T) {
	base := &OrderBookSnapshot{
		Symbol: "HASH-USD",
		Bids: []OrderBookLevel{
			level(SideBid, 1, "0.0263", "1922.7"),
			level(SideBid, 2, "0.0262", "100"),
		},
		Asks: []OrderBookLevel{level(SideAsk, 1, "0.0270", "500")},
	}

	cases := []struct {
		name   string
		mutate func(s *OrderBookSnapshot)
	}{
		{"price", func(s *OrderBookSnapshot) { s.Bids[0].RawPrice = decimal.RequireFromString("0.0264") }},
		{"quantity", func(s *OrderBookSnapshot) { s.Asks[0].RawQuantity = decimal.RequireFromString("501") }},
		{"rank", func(s *OrderBookSnapshot) { s.Bids[1].Rank = 3 }},
		{"side dropped", func(s *OrderBookSnapshot) { s.Asks = nil }},
	}

	want := base.Fingerprint()
	for _, tc := range cases {
		other := &OrderBookSnapshot{
			Symbol: base.Symbol,
			Bids:   append([]OrderBookLevel(nil), base.Bids...),
			Asks:   append([]OrderBookLevel(nil), base.Asks...),
		}
		tc.mutate(other)
		if other.Fingerprint() == want {
			t.Errorf("%s: fingerprint unchanged after content mutation", tc.name)
		}
	}
}

func TestFingerprintEmptySides(t *testing.T) {
	onlyBids := &OrderBookSnapshot{
		Symbol: "HASH-USD",
		Bids:   []OrderBookLevel{level(SideBid, 1, "0.03", "10")},
	}
	onlyAsks := &OrderBookSnapshot{
		Symbol: "HASH-USD",
		Asks:   []OrderBookLevel{level(SideAsk, 1, "0.03", "10")},
	}
	if onlyBids.Fingerprint() == onlyAsks.Fingerprint() {
		t.Fatal("bid-only and ask-only books must not collide")
	}

	empty := &OrderBookSnapshot{Symbol: "HASH-USD"}
	if empty.Fingerprint() == "" {
		t.Fatal("empty book still needs a fingerprint")
	}
	if empty.Fingerprint() != (&OrderBookSnapshot{Symbol: "HASH-USD"}).Fingerprint() {
		t.Fatal("two empty books must fingerprint equal")
	}
}

func TestFingerprintNumericEquivalence(t *testing.T) {
	// 1922.70 and 1922.7 are the same book state; the canonical decimal
	// form keeps them from producing spurious updates.
	a := &OrderBookSnapshot{Bids: []OrderBookLevel{level(SideBid, 1, "0.0263", "1922.70")}}
	b := &OrderBookSnapshot{Bids: []OrderBookLevel{level(SideBid, 1, "0.0263", "1922.7")}}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("numerically equal quantities should fingerprint equal")
	}
}
