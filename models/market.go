package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Sides of the order book.
const (
	SideBid = "bid"
	SideAsk = "ask"
)

// RecordKind identifies the type of a normalized record.
type RecordKind string

const (
	KindOrderBook RecordKind = "order_book"
	KindTrade     RecordKind = "trade"
)

// Record is a normalized market record accepted for persistence.
type Record interface {
	Kind() RecordKind
	RecordSymbol() string
}

// RawFrame carries one undecoded websocket payload together with its arrival
// time. Frames are consumed immediately by the normalizer and never retained.
type RawFrame struct {
	Data       []byte
	ReceivedAt time.Time
}

// OrderBookLevel is a single price level of a normalized snapshot.
// Rank is 1-based within a side; rank 1 is the best price (highest bid,
// lowest ask) and ranks are contiguous. Base amounts are integer values in
// the market's base denomination (e.g. microUSD, nanoHASH).
type OrderBookLevel struct {
	Side               string          `json:"side"`
	Rank               int             `json:"rank"`
	RawPrice           decimal.Decimal `json:"raw_price"`
	RawQuantity        decimal.Decimal `json:"raw_quantity"`
	BasePriceAmount    decimal.Decimal `json:"base_price_amount"`
	BaseQuantityAmount decimal.Decimal `json:"base_quantity_amount"`
	BaseCumQuantity    decimal.Decimal `json:"base_cum_quantity"`
	BaseLevelCost      decimal.Decimal `json:"base_level_cost"`
	BaseCumCost        decimal.Decimal `json:"base_cum_cost"`
	DisplayPrice       decimal.Decimal `json:"display_price"`
	DisplayQuantity    decimal.Decimal `json:"display_quantity"`
	DisplayCumQuantity decimal.Decimal `json:"display_cum_quantity"`
	LevelCost          decimal.Decimal `json:"level_cost"`
	CumulativeCost     decimal.Decimal `json:"cumulative_cost"`
}

// OrderBookSnapshot is the full normalized state of one symbol's book at a
// point in time. Bids and asks are ordered by rank. A side may be empty.
type OrderBookSnapshot struct {
	Symbol      string           `json:"symbol"`
	ChannelUUID string           `json:"channel_uuid,omitempty"`
	ReceivedAt  time.Time        `json:"received_at"`
	Bids        []OrderBookLevel `json:"bids"`
	Asks        []OrderBookLevel `json:"asks"`
}

// Kind implements Record.
func (s *OrderBookSnapshot) Kind() RecordKind { return KindOrderBook }

// RecordSymbol implements Record.
func (s *OrderBookSnapshot) RecordSymbol() string { return s.Symbol }

// Fingerprint returns a deterministic digest of the snapshot's level content.
// Only side, rank and the raw price/quantity of each level participate, so
// two snapshots of identical book state hash equal no matter when they were
// received. Empty sides contribute their side marker and nothing else.
func (s *OrderBookSnapshot) Fingerprint() string {
	h := sha256.New()
	for _, lv := range s.Bids {
		fmt.Fprintf(h, "%s|%d|%s|%s\n", lv.Side, lv.Rank, lv.RawPrice.String(), lv.RawQuantity.String())
	}
	h.Write([]byte("--\n"))
	for _, lv := range s.Asks {
		fmt.Fprintf(h, "%s|%d|%s|%s\n", lv.Side, lv.Rank, lv.RawPrice.String(), lv.RawQuantity.String())
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Trade is a normalized trade execution. TradeTime comes from the exchange
// payload, never from local arrival time. Trades are immutable once built.
// Raw keeps the original payload for auditing.
type Trade struct {
	TradeID            string          `json:"trade_id"`
	Symbol             string          `json:"symbol"`
	ChannelUUID        string          `json:"channel_uuid,omitempty"`
	RawPrice           decimal.Decimal `json:"raw_price"`
	RawQuantity        decimal.Decimal `json:"raw_quantity"`
	BasePriceAmount    decimal.Decimal `json:"base_price_amount"`
	BaseQuantityAmount decimal.Decimal `json:"base_quantity_amount"`
	DisplayPrice       decimal.Decimal `json:"display_price"`
	DisplayQuantity    decimal.Decimal `json:"display_quantity"`
	DisplayTotal       decimal.Decimal `json:"display_total"`
	TradeTime          time.Time       `json:"trade_time"`
	ReceivedAt         time.Time       `json:"received_at"`
	Raw                json.RawMessage `json:"raw,omitempty"`
}

// Kind implements Record.
func (t *Trade) Kind() RecordKind { return KindTrade }

// RecordSymbol implements Record.
func (t *Trade) RecordSymbol() string { return t.Symbol }

// LivenessRecord captures the observable liveness of one streaming session.
// It is replaced wholesale on every update so readers always see a coherent
// snapshot of all three fields.
type LivenessRecord struct {
	LastFrameAt     time.Time `json:"last_frame_at"`
	LastKeepaliveAt time.Time `json:"last_keepalive_at"`
	HeartbeatMisses int       `json:"heartbeat_misses"`
}
