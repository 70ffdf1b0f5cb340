package processor

import (
	"context"
	"encoding/json"

	"bidaskflow/config"
	"bidaskflow/internal/channel"
	"bidaskflow/internal/metrics"
	"bidaskflow/logger"
	"bidaskflow/models"
)

// ChannelResolver maps a venue channel UUID back to the symbol it was
// subscribed for. Order book frames do not always carry a symbol field, so
// the subscriber that issued the channel UUID owns the mapping.
type ChannelResolver interface {
	ResolveChannel(channelUUID string) (symbol string, ok bool)
}

// Processor classifies raw frames, normalizes order book and trade payloads
// and forwards accepted records to the writer queue. It runs synchronously
// on the receive path: Process never blocks except when the record queue is
// at capacity. Frames that cannot be classified or decoded are counted and
// dropped; a bad payload never interrupts the stream.
type Processor struct {
	config    *config.Config
	channels  *channel.Channels
	resolver  ChannelResolver
	collector *metrics.Collector
	dedup     *Dedup
	log       *logger.Log
}

func NewProcessor(cfg *config.Config, channels *channel.Channels, resolver ChannelResolver, collector *metrics.Collector) *Processor {
	return &Processor{
		config:    cfg,
		channels:  channels,
		resolver:  resolver,
		collector: collector,
		dedup:     NewDedup(),
		log:       logger.GetLogger(),
	}
}

// Process handles one raw frame end to end.
func (p *Processor) Process(ctx context.Context, frame models.RawFrame) {
	switch Classify(frame.Data) {
	case ClassOrderBook:
		p.handleBook(ctx, frame)
	case ClassTrade:
		p.handleTrade(ctx, frame)
	case ClassError:
		p.collector.ErrorMessage()
		p.log.WithComponent("processor").WithFields(logger.Fields{
			"payload": string(frame.Data),
		}).Warn("venue sent an error frame")
	default:
		p.collector.InvalidMessage()
		p.log.WithComponent("processor").Debug("dropping unclassified frame")
	}
}

func (p *Processor) handleBook(ctx context.Context, frame models.RawFrame) {
	var resp models.FigureBookResp
	if err := json.Unmarshal(frame.Data, &resp); err != nil {
		p.collector.InvalidMessage()
		p.log.WithComponent("processor").WithError(err).Debug("order book frame failed to decode")
		return
	}

	symbol := resp.Symbol
	if symbol == "" && p.resolver != nil {
		symbol, _ = p.resolver.ResolveChannel(resp.ChannelUUID)
	}
	sym, ok := p.config.Exchange.Symbol(symbol)
	if !ok {
		p.collector.InvalidMessage()
		p.log.WithComponent("processor").WithFields(logger.Fields{
			"symbol":       symbol,
			"channel_uuid": resp.ChannelUUID,
		}).Warn("order book frame for unknown symbol")
		return
	}

	snap, skipped := NormalizeBook(sym, symbol, resp, frame.ReceivedAt)
	if skipped > 0 {
		p.log.WithComponent("processor").WithFields(logger.Fields{
			"symbol":  symbol,
			"skipped": skipped,
		}).Debug("skipped levels with non-positive price or quantity")
	}
	p.collector.OrderBookUpdate()

	if !p.dedup.Admit(snap) {
		p.collector.DuplicateSuppressed()
		p.log.WithComponent("processor").WithFields(logger.Fields{
			"symbol": symbol,
		}).Debug("suppressed duplicate order book snapshot")
		return
	}

	if p.channels.SendRecord(ctx, snap) {
		p.collector.RecordAccepted()
	}
}

func (p *Processor) handleTrade(ctx context.Context, frame models.RawFrame) {
	var resp models.FigureTradeResp
	if err := json.Unmarshal(frame.Data, &resp); err != nil {
		p.collector.InvalidMessage()
		p.log.WithComponent("processor").WithError(err).Debug("trade frame failed to decode")
		return
	}

	symbol := resp.Symbol
	if symbol == "" && p.resolver != nil {
		symbol, _ = p.resolver.ResolveChannel(resp.ChannelUUID)
	}
	sym, ok := p.config.Exchange.Symbol(symbol)
	if !ok {
		p.collector.InvalidMessage()
		p.log.WithComponent("processor").WithFields(logger.Fields{
			"symbol":       symbol,
			"channel_uuid": resp.ChannelUUID,
		}).Warn("trade frame for unknown symbol")
		return
	}

	trade, err := NormalizeTrade(sym, symbol, frame.Data, resp, frame.ReceivedAt)
	if err != nil {
		p.collector.InvalidMessage()
		p.log.WithComponent("processor").WithError(err).Warn("rejected trade frame")
		return
	}
	p.collector.TradeUpdate()

	// Every execution is distinct even when price and quantity repeat, so
	// trades bypass duplicate suppression entirely.
	if p.channels.SendRecord(ctx, trade) {
		p.collector.RecordAccepted()
	}
}
