package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"main/internal/codec"
	"main/internal/connector"
	"main/internal/recorder"
	"main/internal/schema"
)

func main() {
	dir := flag.String("dir", "testdata/wal", "WAL directory")
	prefix := flag.String("prefix", "", "WAL file prefix (default: wal)")
	speed := flag.Float64("speed", 0, "Playback speed (1=real-time, 0=no pacing)")
	useRecv := flag.Bool("use-recv-time", false, "Use receive timestamp for pacing")
	noChecksum := flag.Bool("no-checksum", false, "Disable checksum validation")
	maxPayload := flag.Int("max-payload", 0, "Max payload size in bytes (0=unlimited)")
	decode := flag.Bool("decode", false, "Decode known payload types")
	flag.Parse()

	cfg := recorder.PlaybackConfig{
		Dir:             *dir,
		FilePrefix:      *prefix,
		Speed:           *speed,
		UseRecvTime:     *useRecv,
		DisableChecksum: *noChecksum,
		MaxPayloadSize:  *maxPayload,
	}
	pb, err := recorder.NewPlayback(cfg)
	if err != nil {
		log.Fatalf("playback init failed: %v", err)
	}

	ctx := context.Background()
	var index int
	err = pb.Run(ctx, func(header schema.EventHeader, payload []byte) error {
		index++
		fmt.Printf("%06d seq=%d type=%s ts_event=%d ts_recv=%d len=%d\n",
			index, header.Seq, eventTypeName(header.Type), header.TsEvent, header.TsRecv, len(payload))
		if *decode {
			printDecoded(payload)
		}
		return nil
	})
	if err != nil {
		log.Fatalf("playback run failed: %v", err)
	}
}

func eventTypeName(t schema.EventType) string {
	switch t {
	case schema.EventRequest:
		return "Request"
	case schema.EventExecReport:
		return "ExecReport"
	case schema.EventTrade:
		return "Trade"
	case schema.EventBookTop:
		return "BookTop"
	case schema.EventRiskState:
		return "RiskState"
	case schema.EventSessionUp:
		return "SessionUp"
	case schema.EventSessionDown:
		return "SessionDown"
	case schema.EventStreamReset:
		return "StreamReset"
	case schema.EventTimer:
		return "Timer"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

// printDecoded trusts the frame tag over the header type: journaled
// payloads are wire frames, and the tag is what the connector dispatches
// on.
func printDecoded(payload []byte) {
	tag, body, err := connector.Unframe(payload)
	if err != nil {
		return
	}
	switch tag {
	case schema.EventRequest:
		req, ok := codec.DecodeRequest(body)
		if !ok {
			fmt.Println("  decode Request failed")
			return
		}
		fmt.Printf("  req agg=%d id=%d kind=%d instr=%d side=%d type=%d tif=%d price=%d qty=%d\n",
			req.AggregateID, req.RequestID, req.Kind, req.Instrument,
			req.Side, req.Type, req.TimeInForce, req.Price, req.Qty)
	case schema.EventExecReport:
		rep, ok := codec.DecodeExecReport(body)
		if !ok {
			fmt.Println("  decode ExecReport failed")
			return
		}
		fmt.Printf("  rep id=%d corr=%d status=%d reason=%d price=%d last=%d leaves=%d ts=%d\n",
			rep.RequestID, rep.CorrID, rep.Status, rep.Reason,
			rep.Price, rep.LastQty, rep.LeavesQty, rep.Ts)
	case schema.EventTrade:
		trade, ok := codec.DecodeTrade(body)
		if !ok {
			fmt.Println("  decode Trade failed")
			return
		}
		fmt.Printf("  trade instr=%d user=%d side=%d price=%d qty=%d fee=%d ts=%d\n",
			trade.Instrument, trade.User, trade.Side, trade.Price, trade.Qty, trade.Fee, trade.Ts)
	case schema.EventBookTop:
		top, ok := codec.DecodeBookTop(body)
		if !ok {
			fmt.Println("  decode BookTop failed")
			return
		}
		fmt.Printf("  top book=%d instr=%d bid=%d/%d ask=%d/%d ts=%d\n",
			top.Book, top.Instrument, top.BidPrice, top.BidSize, top.AskPrice, top.AskSize, top.TsExch)
	case schema.EventRiskState:
		st, ok := codec.DecodeRiskState(body)
		if !ok {
			fmt.Println("  decode RiskState failed")
			return
		}
		fmt.Printf("  risk user=%d mode=%s relaxed=%d nav=%d total=%d active=%d ts=%d\n",
			st.User, st.Mode, st.Relaxed, st.NAVRFC, st.TotalRiskRFC, st.ActiveOrdsRFC, st.Ts)
	}
}
