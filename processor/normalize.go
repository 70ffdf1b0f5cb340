package processor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"bidaskflow/config"
	"bidaskflow/models"
)

// MessageClass partitions raw frames by shape.
type MessageClass int

const (
	ClassUnknown MessageClass = iota
	ClassOrderBook
	ClassTrade
	ClassError
)

// envelope probes just enough of a frame to classify it.
type envelope struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Bids    json.RawMessage `json:"bids"`
	Asks    json.RawMessage `json:"asks"`
}

// Classify decides how a raw frame is treated. Trades carry the TRADES
// channel marker, order book updates are recognized by the presence of bids
// or asks, venue errors by their type field. Anything else is unknown and
// dropped by the caller.
func Classify(data []byte) MessageClass {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ClassUnknown
	}
	switch {
	case env.Channel == "TRADES":
		return ClassTrade
	case env.Bids != nil || env.Asks != nil:
		return ClassOrderBook
	case env.Type == "error":
		return ClassError
	default:
		return ClassUnknown
	}
}

// NormalizeBook converts one raw order book update into a normalized
// snapshot. Both sides are sorted best price first and re-ranked from 1, so
// downstream consumers never depend on the venue's level order. The second
// return value counts levels skipped for non-positive price or quantity.
func NormalizeBook(sym config.SymbolConfig, symbol string, resp models.FigureBookResp, receivedAt time.Time) (*models.OrderBookSnapshot, int) {
	bids, skippedBids := normalizeSide(sym, models.SideBid, resp.Bids)
	asks, skippedAsks := normalizeSide(sym, models.SideAsk, resp.Asks)

	return &models.OrderBookSnapshot{
		Symbol:      symbol,
		ChannelUUID: resp.ChannelUUID,
		ReceivedAt:  receivedAt,
		Bids:        bids,
		Asks:        asks,
	}, skippedBids + skippedAsks
}

func normalizeSide(sym config.SymbolConfig, side string, raw []models.FigureLevel) ([]models.OrderBookLevel, int) {
	levels := make([]models.FigureLevel, 0, len(raw))
	skipped := 0
	for _, lv := range raw {
		if lv.Price.Sign() <= 0 || lv.Quantity.Sign() <= 0 {
			skipped++
			continue
		}
		levels = append(levels, lv)
	}

	// Best price first: highest bid, lowest ask.
	sort.SliceStable(levels, func(i, j int) bool {
		if side == models.SideBid {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})

	out := make([]models.OrderBookLevel, 0, len(levels))
	cumQty := decimal.Zero
	cumCost := decimal.Zero
	cumDisplayCost := decimal.Zero

	for i, lv := range levels {
		basePrice := toBaseAmount(lv.Price, sym.PriceDecimals)
		baseQty := toBaseAmount(lv.Quantity, sym.SizeDecimals)
		// Cost in the price's base denomination: the quantity factor cancels.
		baseCost := basePrice.Mul(baseQty).Shift(int32(-sym.SizeDecimals)).Floor()

		cumQty = cumQty.Add(baseQty)
		cumCost = cumCost.Add(baseCost)

		displayPrice := lv.Price.Round(int32(sym.DisplayPriceDecimals))
		displayQty := lv.Quantity.Round(int32(sym.DisplaySizeDecimals))
		displayCost := displayPrice.Mul(displayQty).Round(0)
		cumDisplayCost = cumDisplayCost.Add(displayCost)

		out = append(out, models.OrderBookLevel{
			Side:               side,
			Rank:               i + 1,
			RawPrice:           lv.Price,
			RawQuantity:        lv.Quantity,
			BasePriceAmount:    basePrice,
			BaseQuantityAmount: baseQty,
			BaseCumQuantity:    cumQty,
			BaseLevelCost:      baseCost,
			BaseCumCost:        cumCost,
			DisplayPrice:       displayPrice,
			DisplayQuantity:    displayQty,
			DisplayCumQuantity: toDisplayAmount(cumQty, sym.SizeDecimals, sym.DisplaySizeDecimals),
			LevelCost:          displayCost,
			CumulativeCost:     cumDisplayCost,
		})
	}
	return out, skipped
}

// NormalizeTrade converts one raw trade frame. The trade time always comes
// from the payload; a trade without id, positive amounts or a parseable
// timestamp is rejected.
func NormalizeTrade(sym config.SymbolConfig, symbol string, raw []byte, resp models.FigureTradeResp, receivedAt time.Time) (*models.Trade, error) {
	id := rawString(resp.ID)
	if id == "" {
		return nil, fmt.Errorf("trade frame missing id")
	}
	if resp.Price.Sign() <= 0 || resp.Quantity.Sign() <= 0 {
		return nil, fmt.Errorf("trade %s has non-positive price or quantity", id)
	}
	tradeTime, err := parseTradeTime(resp.Created)
	if err != nil {
		return nil, fmt.Errorf("trade %s: %w", id, err)
	}

	displayPrice := resp.Price.Round(int32(sym.DisplayPriceDecimals))
	displayQty := resp.Quantity.Round(int32(sym.DisplaySizeDecimals))

	return &models.Trade{
		TradeID:            id,
		Symbol:             symbol,
		ChannelUUID:        resp.ChannelUUID,
		RawPrice:           resp.Price,
		RawQuantity:        resp.Quantity,
		BasePriceAmount:    toBaseAmount(resp.Price, sym.PriceDecimals),
		BaseQuantityAmount: toBaseAmount(resp.Quantity, sym.SizeDecimals),
		DisplayPrice:       displayPrice,
		DisplayQuantity:    displayQty,
		DisplayTotal:       displayPrice.Mul(displayQty).Round(0),
		TradeTime:          tradeTime,
		ReceivedAt:         receivedAt,
		Raw:                json.RawMessage(raw),
	}, nil
}

// toBaseAmount converts a display-denominated value to an integer amount in
// the base denomination. Fractional base units are truncated, never rounded
// up, so stored amounts never overstate the source value.
func toBaseAmount(v decimal.Decimal, decimals int) decimal.Decimal {
	return v.Shift(int32(decimals)).Truncate(0)
}

// toDisplayAmount converts a base amount back to display units, rounding
// half up.
func toDisplayAmount(v decimal.Decimal, decimals, displayDecimals int) decimal.Decimal {
	return v.Shift(int32(-decimals)).Round(int32(displayDecimals))
}

// rawString extracts a field the feed has sent both quoted and bare.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// parseTradeTime accepts the created field as either an RFC3339 timestamp or
// epoch milliseconds.
func parseTradeTime(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 {
		return time.Time{}, fmt.Errorf("missing created timestamp")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("unparseable created timestamp %q", s)
		}
		return ts, nil
	}
	var millis int64
	if err := json.Unmarshal(raw, &millis); err == nil {
		return time.UnixMilli(millis).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable created timestamp %s", raw)
}
