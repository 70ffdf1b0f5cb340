package models

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// FigureLevel is one price level as carried on the ORDER_BOOK channel.
// Values arrive as JSON numbers; decoding through decimal preserves the exact
// textual value, which the snapshot fingerprint depends on.
type FigureLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// FigureBookResp mirrors an ORDER_BOOK channel update from the exchange
// websocket. Either side may be empty. The channelUuid echoes the value sent
// in the subscribe request.
type FigureBookResp struct {
	ChannelUUID string        `json:"channelUuid"`
	Symbol      string        `json:"symbol"`
	Bids        []FigureLevel `json:"bids"`
	Asks        []FigureLevel `json:"asks"`
}

// FigureTradeResp mirrors a TRADES channel execution event. ID and Created
// are kept raw because the feed has produced both string and numeric forms.
type FigureTradeResp struct {
	Channel     string          `json:"channel"`
	ChannelUUID string          `json:"channelUuid"`
	ID          json.RawMessage `json:"id"`
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	Created     json.RawMessage `json:"created"`
}
