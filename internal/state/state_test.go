package state

import (
	"context"
	"path/filepath"
	"testing"

	"main/internal/codec"
	"main/internal/connector"
	"main/internal/recorder"
	"main/internal/schema"
)

func TestReducerNetsTrades(t *testing.T) {
	r := NewPositionReducer()
	r.ApplyTrade(schema.Trade{Instrument: 1, Side: schema.OrderSideBuy, Qty: 100})
	r.ApplyTrade(schema.Trade{Instrument: 1, Side: schema.OrderSideBuy, Qty: 50})
	r.ApplyTrade(schema.Trade{Instrument: 1, Side: schema.OrderSideSell, Qty: 30})
	r.ApplyTrade(schema.Trade{Instrument: 2, Side: schema.OrderSideSell, Qty: 10})

	if got := r.Position(1); got != 120 {
		t.Fatalf("instrument 1 position %d", got)
	}
	if got := r.Position(2); got != -10 {
		t.Fatalf("instrument 2 position %d", got)
	}
	if r.Count() != 2 {
		t.Fatalf("tracked %d instruments", r.Count())
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	r := NewPositionReducer()
	r.ApplyTrade(schema.Trade{Instrument: 3, Side: schema.OrderSideBuy, Qty: 7})
	snap := r.SnapshotWithMeta(42, 1000)

	path := filepath.Join(t.TempDir(), "positions.json")
	if err := WriteSnapshot(path, snap); err != nil {
		t.Fatalf("write: %v", err)
	}
	loaded, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if loaded.LastSeq != 42 || loaded.LastEventTs != 1000 {
		t.Fatalf("meta %+v", loaded)
	}
	if err := CompareSnapshots(snap, loaded); err != nil {
		t.Fatalf("compare: %v", err)
	}
}

func writeTradeJournal(t *testing.T, dir string, trades []schema.Trade) {
	t.Helper()
	w, err := recorder.NewWriter(recorder.DefaultConfig(dir))
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start writer: %v", err)
	}
	seq := uint64(0)
	for _, trade := range trades {
		seq++
		// Interleave a request record that recovery must skip over.
		if err := w.Record(schema.NewHeader(schema.EventRequest, 1, seq, trade.Ts, trade.Ts), []byte("req")); err != nil {
			t.Fatalf("record request: %v", err)
		}
		seq++
		payload := connector.Frame(schema.EventTrade, codec.EncodeTrade(nil, trade))
		if err := w.Record(schema.NewHeader(schema.EventTrade, 1, seq, trade.Ts, trade.Ts), payload); err != nil {
			t.Fatalf("record trade: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
}

func TestRecoverPositionsFromJournal(t *testing.T) {
	dir := t.TempDir()
	writeTradeJournal(t, dir, []schema.Trade{
		{Instrument: 1, Side: schema.OrderSideBuy, Qty: 100, Ts: 1000},
		{Instrument: 1, Side: schema.OrderSideSell, Qty: 40, Ts: 2000},
		{Instrument: 2, Side: schema.OrderSideBuy, Qty: 5, Ts: 3000},
	})

	res, err := RecoverPositions(context.Background(), RecoverConfig{
		WALDir:      dir,
		DecodeTrade: connector.NativeCodec{}.DecodeTrade,
	})
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got := res.Positions.Position(1); got != 60 {
		t.Fatalf("instrument 1 position %d", got)
	}
	if got := res.Positions.Position(2); got != 5 {
		t.Fatalf("instrument 2 position %d", got)
	}
	if res.LastSeq != 6 {
		t.Fatalf("last seq %d", res.LastSeq)
	}
}

func TestRecoverSkipsAppliedSeqs(t *testing.T) {
	dir := t.TempDir()
	writeTradeJournal(t, dir, []schema.Trade{
		{Instrument: 1, Side: schema.OrderSideBuy, Qty: 100, Ts: 1000},
		{Instrument: 1, Side: schema.OrderSideBuy, Qty: 100, Ts: 2000},
	})

	// A snapshot taken after the first trade covers seqs 1 and 2.
	snapPath := filepath.Join(dir, "snap.json")
	seed := Snapshot{
		LastSeq:   2,
		Positions: []PositionEntry{{Instrument: 1, Qty: 100}},
	}
	if err := WriteSnapshot(snapPath, seed); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	res, err := RecoverPositions(context.Background(), RecoverConfig{
		WALDir:       dir,
		SnapshotPath: snapPath,
		DecodeTrade:  connector.NativeCodec{}.DecodeTrade,
	})
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got := res.Positions.Position(1); got != 200 {
		t.Fatalf("instrument 1 position %d after tail replay", got)
	}
	if res.LastSeq != 4 {
		t.Fatalf("last seq %d", res.LastSeq)
	}
}
