package writer

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bidaskflow/config"
	"bidaskflow/internal/metrics"
	"bidaskflow/logger"
	"bidaskflow/models"
)

type recordedUpload struct {
	key     string
	data    []byte
	batchID string
}

type uploadRecorder struct {
	mu      sync.Mutex
	err     error
	uploads []recordedUpload
}

func (r *uploadRecorder) record(ctx context.Context, key string, data []byte, batchID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.uploads = append(r.uploads, recordedUpload{key: key, data: data, batchID: batchID})
	return nil
}

func (r *uploadRecorder) all() []recordedUpload {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recordedUpload, len(r.uploads))
	copy(out, r.uploads)
	return out
}

func newTestArchive(t *testing.T) (*ArchiveStore, *uploadRecorder, *metrics.Collector) {
	t.Helper()

	cfg := pipelineConfig()
	cfg.Storage.S3 = config.S3Config{
		Enabled:       true,
		Bucket:        "bidaskflow-test",
		Region:        "us-east-1",
		KeyTemplate:   "bidaskflow/{kind}/{symbol}/{year}/{month}/{day}/{hour}/{timestamp}.parquet",
		Compression:   "snappy",
		FlushInterval: time.Hour,
	}
	collector := metrics.NewCollector(cfg, logger.GetLogger())
	rec := &uploadRecorder{}

	a := &ArchiveStore{
		cfg:       cfg,
		collector: collector,
		log:       logger.GetLogger(),
		books:     make(map[string][]bookRow),
		trades:    make(map[string][]tradeRow),
		ctx:       context.Background(),
		quit:      make(chan struct{}),
	}
	a.upload = rec.record
	return a, rec, collector
}

func fullSnapshot() *models.OrderBookSnapshot {
	return &models.OrderBookSnapshot{
		Symbol:      "HASH-USD",
		ChannelUUID: "cu-1",
		ReceivedAt:  time.Date(2026, 8, 25, 10, 15, 30, 0, time.UTC),
		Bids: []models.OrderBookLevel{
			{
				Side:               models.SideBid,
				Rank:               1,
				RawPrice:           decimal.RequireFromString("0.025"),
				RawQuantity:        decimal.RequireFromString("100"),
				BasePriceAmount:    decimal.RequireFromString("25000"),
				BaseQuantityAmount: decimal.RequireFromString("100000000000"),
				DisplayPrice:       decimal.RequireFromString("0.025"),
				DisplayQuantity:    decimal.RequireFromString("100"),
				LevelCost:          decimal.RequireFromString("3"),
				CumulativeCost:     decimal.RequireFromString("3"),
			},
			{Side: models.SideBid, Rank: 2, RawPrice: decimal.RequireFromString("0.024"), RawQuantity: decimal.RequireFromString("50")},
		},
		Asks: []models.OrderBookLevel{
			{Side: models.SideAsk, Rank: 1, RawPrice: decimal.RequireFromString("0.026"), RawQuantity: decimal.RequireFromString("10")},
		},
	}
}

func TestObjectKey(t *testing.T) {
	a, _, _ := newTestArchive(t)
	at := time.Date(2026, 8, 25, 10, 15, 30, 0, time.UTC)

	got := a.objectKey("book", "HASH-USD", at, "batch-1")
	want := "bidaskflow/book/HASH-USD/2026/08/25/10/20260825101530.parquet"
	if got != want {
		t.Errorf("key = %q, want %q", got, want)
	}

	a.cfg.Storage.S3.KeyTemplate = "archive/{symbol}/{batch}.parquet"
	if got := a.objectKey("trade", "HASH-USD", at, "batch-1"); got != "archive/HASH-USD/batch-1.parquet" {
		t.Errorf("batch key = %q", got)
	}

	a.cfg.Storage.S3.KeyTemplate = ""
	if got := a.objectKey("book", "HASH-USD", at, "batch-1"); got != "bidaskflow/book/HASH-USD/2026/08/25/10/20260825101530.parquet" {
		t.Errorf("default key = %q", got)
	}
}

func TestBookRowsFromSnapshot(t *testing.T) {
	snap := fullSnapshot()
	rows := bookRowsFromSnapshot(snap)

	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	fp := snap.Fingerprint()
	for i, row := range rows {
		if row.Symbol != "HASH-USD" || row.ChannelUUID != "cu-1" || row.Fingerprint != fp {
			t.Errorf("row %d identity fields wrong: %+v", i, row)
		}
		if row.ReceivedAt != snap.ReceivedAt.UnixMilli() {
			t.Errorf("row %d received_at = %d", i, row.ReceivedAt)
		}
	}
	if rows[0].Side != models.SideBid || rows[0].Rank != 1 || rows[0].RawPrice != "0.025" {
		t.Errorf("first row = %+v", rows[0])
	}
	if rows[0].LevelCost != "3" || rows[0].BaseQuantityAmount != "100000000000" {
		t.Errorf("first row amounts = %+v", rows[0])
	}
	if rows[1].Side != models.SideBid || rows[1].Rank != 2 {
		t.Errorf("second row = %+v", rows[1])
	}
	if rows[2].Side != models.SideAsk || rows[2].Rank != 1 || rows[2].RawPrice != "0.026" {
		t.Errorf("ask row = %+v", rows[2])
	}
}

func TestTradeRowFromTrade(t *testing.T) {
	trade := &models.Trade{
		TradeID:         "t-1",
		Symbol:          "HASH-USD",
		ChannelUUID:     "cu-2",
		RawPrice:        decimal.RequireFromString("0.025"),
		RawQuantity:     decimal.RequireFromString("2000"),
		DisplayPrice:    decimal.RequireFromString("0.025"),
		DisplayQuantity: decimal.RequireFromString("2000"),
		DisplayTotal:    decimal.RequireFromString("50"),
		TradeTime:       time.UnixMilli(1756116000000).UTC(),
		ReceivedAt:      time.UnixMilli(1756116000123).UTC(),
	}

	row := tradeRowFromTrade(trade)
	if row.TradeID != "t-1" || row.Symbol != "HASH-USD" || row.ChannelUUID != "cu-2" {
		t.Errorf("identity fields = %+v", row)
	}
	if row.RawPrice != "0.025" || row.DisplayTotal != "50" {
		t.Errorf("amounts = %+v", row)
	}
	if row.TradeTime != 1756116000000 || row.ReceivedAt != 1756116000123 {
		t.Errorf("timestamps = %+v", row)
	}
}

func TestEncodeParquet(t *testing.T) {
	rows := bookRowsFromSnapshot(fullSnapshot())

	data, err := encodeParquet(rows, "snappy")
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("empty parquet file")
	}
	// Valid parquet files open and close with the PAR1 magic bytes.
	if !bytes.HasPrefix(data, []byte("PAR1")) || !bytes.HasSuffix(data, []byte("PAR1")) {
		t.Errorf("parquet magic bytes missing")
	}

	uncompressed, err := encodeParquet(rows, "")
	if err != nil {
		t.Fatalf("uncompressed encode failed: %v", err)
	}
	if !bytes.HasPrefix(uncompressed, []byte("PAR1")) {
		t.Errorf("uncompressed parquet magic missing")
	}
}

func TestArchiveFlush(t *testing.T) {
	a, rec, collector := newTestArchive(t)
	ctx := context.Background()

	if err := a.WriteSnapshot(ctx, fullSnapshot()); err != nil {
		t.Fatalf("write snapshot failed: %v", err)
	}
	if err := a.WriteTrade(ctx, &models.Trade{TradeID: "t-1", Symbol: "HASH-USD"}); err != nil {
		t.Fatalf("write trade failed: %v", err)
	}

	a.flush(ctx, "test")

	uploads := rec.all()
	if len(uploads) != 2 {
		t.Fatalf("uploads = %d, want 2", len(uploads))
	}
	kinds := map[string]bool{}
	for _, up := range uploads {
		if !bytes.HasPrefix(up.data, []byte("PAR1")) {
			t.Errorf("upload %q is not parquet", up.key)
		}
		if up.batchID == "" {
			t.Errorf("upload %q has no batch id", up.key)
		}
		switch {
		case bytes.Contains([]byte(up.key), []byte("/book/")):
			kinds["book"] = true
		case bytes.Contains([]byte(up.key), []byte("/trade/")):
			kinds["trade"] = true
		}
	}
	if !kinds["book"] || !kinds["trade"] {
		t.Errorf("expected one book and one trade file, got %v", kinds)
	}

	if got := collector.Snapshot().Data.ArchiveWrites; got != 2 {
		t.Errorf("archive writes = %d, want 2", got)
	}

	// Buffers were swapped out; a second flush has nothing to do.
	a.flush(ctx, "again")
	if got := len(rec.all()); got != 2 {
		t.Errorf("uploads after empty flush = %d, want 2", got)
	}
}

func TestArchiveFlushUploadFailure(t *testing.T) {
	a, rec, collector := newTestArchive(t)
	rec.err = context.DeadlineExceeded
	ctx := context.Background()

	a.WriteTrade(ctx, &models.Trade{TradeID: "t-1", Symbol: "HASH-USD"})
	a.flush(ctx, "test")

	if got := collector.Snapshot().Data.ArchiveErrors; got != 1 {
		t.Errorf("archive errors = %d, want 1", got)
	}

	// The failed batch is dropped, not retried.
	rec.err = nil
	a.flush(ctx, "again")
	if got := len(rec.all()); got != 0 {
		t.Errorf("uploads after retry flush = %d, want 0", got)
	}
}

func TestArchiveIntervalFlushAndClose(t *testing.T) {
	a, rec, _ := newTestArchive(t)
	a.cfg.Storage.S3.FlushInterval = 20 * time.Millisecond
	a.wg.Add(1)
	go a.flushLoop()

	a.WriteTrade(context.Background(), &models.Trade{TradeID: "t-1", Symbol: "HASH-USD"})

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(rec.all()) == 0 {
		t.Fatal("interval flush never ran")
	}

	// A record buffered after the last tick goes out with the final flush.
	a.WriteTrade(context.Background(), &models.Trade{TradeID: "t-2", Symbol: "HASH-USD"})
	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if got := len(rec.all()); got < 2 {
		t.Errorf("uploads after close = %d, want at least 2", got)
	}
}
