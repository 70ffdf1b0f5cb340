package writer

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "bidaskflow/config"
	"bidaskflow/internal/metrics"
	"bidaskflow/logger"
	"bidaskflow/models"
)

// bookRow is the parquet layout for one order-book level. Decimals are
// written as strings so base amounts beyond int64 range and display scale
// both survive the round trip.
type bookRow struct {
	Symbol             string `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Fingerprint        string `parquet:"name=fingerprint, type=BYTE_ARRAY, convertedtype=UTF8"`
	ChannelUUID        string `parquet:"name=channel_uuid, type=BYTE_ARRAY, convertedtype=UTF8"`
	ReceivedAt         int64  `parquet:"name=received_at, type=INT64"`
	Side               string `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Rank               int32  `parquet:"name=rank, type=INT32"`
	RawPrice           string `parquet:"name=raw_price, type=BYTE_ARRAY, convertedtype=UTF8"`
	RawQuantity        string `parquet:"name=raw_quantity, type=BYTE_ARRAY, convertedtype=UTF8"`
	BasePriceAmount    string `parquet:"name=base_price_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	BaseQuantityAmount string `parquet:"name=base_quantity_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	BaseCumQuantity    string `parquet:"name=base_cum_quantity, type=BYTE_ARRAY, convertedtype=UTF8"`
	BaseLevelCost      string `parquet:"name=base_level_cost, type=BYTE_ARRAY, convertedtype=UTF8"`
	BaseCumCost        string `parquet:"name=base_cum_cost, type=BYTE_ARRAY, convertedtype=UTF8"`
	DisplayPrice       string `parquet:"name=display_price, type=BYTE_ARRAY, convertedtype=UTF8"`
	DisplayQuantity    string `parquet:"name=display_quantity, type=BYTE_ARRAY, convertedtype=UTF8"`
	DisplayCumQuantity string `parquet:"name=display_cum_quantity, type=BYTE_ARRAY, convertedtype=UTF8"`
	LevelCost          string `parquet:"name=level_cost, type=BYTE_ARRAY, convertedtype=UTF8"`
	CumulativeCost     string `parquet:"name=cumulative_cost, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// tradeRow is the parquet layout for one trade execution.
type tradeRow struct {
	TradeID            string `parquet:"name=trade_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol             string `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	ChannelUUID        string `parquet:"name=channel_uuid, type=BYTE_ARRAY, convertedtype=UTF8"`
	RawPrice           string `parquet:"name=raw_price, type=BYTE_ARRAY, convertedtype=UTF8"`
	RawQuantity        string `parquet:"name=raw_quantity, type=BYTE_ARRAY, convertedtype=UTF8"`
	BasePriceAmount    string `parquet:"name=base_price_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	BaseQuantityAmount string `parquet:"name=base_quantity_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	DisplayPrice       string `parquet:"name=display_price, type=BYTE_ARRAY, convertedtype=UTF8"`
	DisplayQuantity    string `parquet:"name=display_quantity, type=BYTE_ARRAY, convertedtype=UTF8"`
	DisplayTotal       string `parquet:"name=display_total, type=BYTE_ARRAY, convertedtype=UTF8"`
	TradeTime          int64  `parquet:"name=trade_time, type=INT64"`
	ReceivedAt         int64  `parquet:"name=received_at, type=INT64"`
}

// memFile adapts a byte buffer to the parquet source.ParquetFile interface
// so files are encoded fully in memory before upload.
type memFile struct {
	bytes.Buffer
}

func (f *memFile) Create(string) (source.ParquetFile, error) { return f, nil }
func (f *memFile) Open(string) (source.ParquetFile, error)   { return f, nil }
func (f *memFile) Seek(int64, int) (int64, error)            { return int64(f.Len()), nil }
func (f *memFile) Close() error                              { return nil }

// ArchiveStore buffers accepted records per symbol and flushes them on an
// interval as parquet files to S3. Buffered writes never block or fail;
// upload problems surface at flush time, where the affected batch is logged,
// counted and dropped rather than retried forever.
type ArchiveStore struct {
	cfg       *appconfig.Config
	s3Client  *s3.Client
	collector *metrics.Collector
	log       *logger.Log

	// upload is swappable so flush behavior is testable without a bucket.
	upload func(ctx context.Context, key string, data []byte, batchID string) error

	mu     sync.Mutex
	books  map[string][]bookRow
	trades map[string][]tradeRow

	ctx  context.Context
	quit chan struct{}
	wg   sync.WaitGroup
}

func NewArchiveStore(ctx context.Context, cfg *appconfig.Config, collector *metrics.Collector) (*ArchiveStore, error) {
	log := logger.GetLogger()

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws configuration: %w", err)
	}
	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	a := &ArchiveStore{
		cfg:       cfg,
		s3Client:  s3Client,
		collector: collector,
		log:       log,
		books:     make(map[string][]bookRow),
		trades:    make(map[string][]tradeRow),
		ctx:       ctx,
		quit:      make(chan struct{}),
	}
	a.upload = a.putObject

	log.WithComponent("archive_store").WithFields(logger.Fields{
		"bucket":         cfg.Storage.S3.Bucket,
		"region":         cfg.Storage.S3.Region,
		"endpoint":       cfg.Storage.S3.Endpoint,
		"path_style":     cfg.Storage.S3.PathStyle,
		"compression":    cfg.Storage.S3.Compression,
		"flush_interval": cfg.Storage.S3.FlushInterval.String(),
	}).Info("archive store initialized")

	a.wg.Add(1)
	go a.flushLoop()

	return a, nil
}

// WriteSnapshot buffers every level of the snapshot for the next flush.
func (a *ArchiveStore) WriteSnapshot(ctx context.Context, snap *models.OrderBookSnapshot) error {
	rows := bookRowsFromSnapshot(snap)
	a.mu.Lock()
	a.books[snap.Symbol] = append(a.books[snap.Symbol], rows...)
	a.mu.Unlock()
	return nil
}

// WriteTrade buffers one trade for the next flush.
func (a *ArchiveStore) WriteTrade(ctx context.Context, trade *models.Trade) error {
	row := tradeRowFromTrade(trade)
	a.mu.Lock()
	a.trades[trade.Symbol] = append(a.trades[trade.Symbol], row)
	a.mu.Unlock()
	return nil
}

// Close stops the flush loop and writes out whatever is still buffered.
func (a *ArchiveStore) Close(ctx context.Context) error {
	close(a.quit)
	a.wg.Wait()
	a.flush(ctx, "shutdown")
	a.log.WithComponent("archive_store").Info("archive store closed")
	return nil
}

func (a *ArchiveStore) flushLoop() {
	defer a.wg.Done()

	interval := a.cfg.Storage.S3.FlushInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.quit:
			return
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			// Uploads outlive a cancellation that lands mid-flush; the
			// shutdown flush in Close picks up anything still buffered.
			a.flush(context.WithoutCancel(a.ctx), "interval")
		}
	}
}

// flush swaps the buffers out under the lock and uploads one parquet file
// per symbol and record kind.
func (a *ArchiveStore) flush(ctx context.Context, reason string) {
	a.mu.Lock()
	books := a.books
	trades := a.trades
	a.books = make(map[string][]bookRow)
	a.trades = make(map[string][]tradeRow)
	a.mu.Unlock()

	if len(books) == 0 && len(trades) == 0 {
		return
	}

	a.log.WithComponent("archive_store").WithFields(logger.Fields{
		"book_symbols":  len(books),
		"trade_symbols": len(trades),
		"reason":        reason,
	}).Info("flushing archive buffers")

	now := time.Now().UTC()
	for symbol, rows := range books {
		if len(rows) == 0 {
			continue
		}
		data, err := encodeParquet(rows, a.cfg.Storage.S3.Compression)
		a.uploadFile(ctx, "book", symbol, now, data, len(rows), err)
	}
	for symbol, rows := range trades {
		if len(rows) == 0 {
			continue
		}
		data, err := encodeParquet(rows, a.cfg.Storage.S3.Compression)
		a.uploadFile(ctx, "trade", symbol, now, data, len(rows), err)
	}
}

func (a *ArchiveStore) uploadFile(ctx context.Context, kind, symbol string, now time.Time, data []byte, rows int, encodeErr error) {
	batchID := uuid.NewString()
	log := a.log.WithComponent("archive_store").WithFields(logger.Fields{
		"batch_id": batchID,
		"kind":     kind,
		"symbol":   symbol,
		"rows":     rows,
	})

	if encodeErr != nil {
		a.collector.ArchiveError()
		log.WithError(encodeErr).Error("parquet encoding failed, batch dropped")
		return
	}

	key := a.objectKey(kind, symbol, now, batchID)
	if err := a.upload(ctx, key, data, batchID); err != nil {
		a.collector.ArchiveError()
		log.WithError(err).
			WithEnv("S3_BUCKET").
			WithFields(logger.Fields{
				"bucket": a.cfg.Storage.S3.Bucket,
				"key":    key,
			}).Error("archive upload failed, batch dropped")
		return
	}

	a.collector.ArchiveWrite()
	log.WithFields(logger.Fields{
		"key":       key,
		"file_size": len(data),
	}).Info("archive file uploaded")
	logger.LogDataFlowEntry(log, "record_queue", "s3_archive", rows, kind)
	a.log.LogMetric("archive_store", "rows_archived", int64(rows), "counter", logger.Fields{
		"symbol": symbol,
		"kind":   kind,
	})
}

func (a *ArchiveStore) putObject(ctx context.Context, key string, data []byte, batchID string) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":       "parquet",
			"compression":        a.cfg.Storage.S3.Compression,
			"batch-id":           batchID,
			"bidaskflow-version": a.cfg.Bidaskflow.Version,
		},
	}
	if _, err := a.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put object to bucket %s: %w", a.cfg.Storage.S3.Bucket, err)
	}
	return nil
}

// objectKey expands the configured key template. {batch} is available for
// templates that want collision-free names below second resolution.
func (a *ArchiveStore) objectKey(kind, symbol string, t time.Time, batchID string) string {
	key := a.cfg.Storage.S3.KeyTemplate
	if key == "" {
		key = "bidaskflow/{kind}/{symbol}/{year}/{month}/{day}/{hour}/{timestamp}.parquet"
	}
	r := strings.NewReplacer(
		"{kind}", kind,
		"{symbol}", symbol,
		"{year}", fmt.Sprintf("%04d", t.Year()),
		"{month}", fmt.Sprintf("%02d", int(t.Month())),
		"{day}", fmt.Sprintf("%02d", t.Day()),
		"{hour}", fmt.Sprintf("%02d", t.Hour()),
		"{timestamp}", t.Format("20060102150405"),
		"{batch}", batchID,
	)
	return r.Replace(key)
}

func encodeParquet[T any](rows []T, compression string) ([]byte, error) {
	fw := &memFile{}
	pw, err := writer.NewParquetWriter(fw, new(T), 4)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}

	switch compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet file: %w", err)
	}
	return fw.Bytes(), nil
}

func bookRowsFromSnapshot(snap *models.OrderBookSnapshot) []bookRow {
	fp := snap.Fingerprint()
	received := snap.ReceivedAt.UnixMilli()
	rows := make([]bookRow, 0, len(snap.Bids)+len(snap.Asks))
	for _, lv := range snap.Bids {
		rows = append(rows, newBookRow(snap, fp, received, lv))
	}
	for _, lv := range snap.Asks {
		rows = append(rows, newBookRow(snap, fp, received, lv))
	}
	return rows
}

func newBookRow(snap *models.OrderBookSnapshot, fingerprint string, received int64, lv models.OrderBookLevel) bookRow {
	return bookRow{
		Symbol:             snap.Symbol,
		Fingerprint:        fingerprint,
		ChannelUUID:        snap.ChannelUUID,
		ReceivedAt:         received,
		Side:               lv.Side,
		Rank:               int32(lv.Rank),
		RawPrice:           lv.RawPrice.String(),
		RawQuantity:        lv.RawQuantity.String(),
		BasePriceAmount:    lv.BasePriceAmount.String(),
		BaseQuantityAmount: lv.BaseQuantityAmount.String(),
		BaseCumQuantity:    lv.BaseCumQuantity.String(),
		BaseLevelCost:      lv.BaseLevelCost.String(),
		BaseCumCost:        lv.BaseCumCost.String(),
		DisplayPrice:       lv.DisplayPrice.String(),
		DisplayQuantity:    lv.DisplayQuantity.String(),
		DisplayCumQuantity: lv.DisplayCumQuantity.String(),
		LevelCost:          lv.LevelCost.String(),
		CumulativeCost:     lv.CumulativeCost.String(),
	}
}

func tradeRowFromTrade(trade *models.Trade) tradeRow {
	return tradeRow{
		TradeID:            trade.TradeID,
		Symbol:             trade.Symbol,
		ChannelUUID:        trade.ChannelUUID,
		RawPrice:           trade.RawPrice.String(),
		RawQuantity:        trade.RawQuantity.String(),
		BasePriceAmount:    trade.BasePriceAmount.String(),
		BaseQuantityAmount: trade.BaseQuantityAmount.String(),
		DisplayPrice:       trade.DisplayPrice.String(),
		DisplayQuantity:    trade.DisplayQuantity.String(),
		DisplayTotal:       trade.DisplayTotal.String(),
		TradeTime:          trade.TradeTime.UnixMilli(),
		ReceivedAt:         trade.ReceivedAt.UnixMilli(),
	}
}
