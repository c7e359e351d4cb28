package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"main/internal/schema"
	"main/internal/shm"
)

// riskwatch attaches to the shared risk region read-only and prints its
// contents, once or on an interval. It never touches the trading loop.
func main() {
	path := flag.String("shm", "", "Path to the shared risk region")
	interval := flag.Duration("watch", 0, "Refresh interval (0=print once)")
	flag.Parse()

	if *path == "" {
		log.Fatal("missing -shm")
	}
	obs, err := shm.Attach(*path)
	if err != nil {
		log.Fatalf("attach %s: %v", *path, err)
	}
	defer obs.Close()

	dump(obs)
	if *interval <= 0 {
		return
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-sig:
			return
		case <-ticker.C:
			fmt.Println()
			dump(obs)
		}
	}
}

func dump(obs *shm.Observer) {
	mode, relaxed := obs.Mode()
	totals := obs.Totals()
	fmt.Printf("%s mode=%s relaxed=%d user=%d nav=%d total=%d active=%d\n",
		time.Now().Format(time.RFC3339), schema.RiskMode(mode), relaxed,
		totals.User, totals.NAVRFC, totals.TotalRiskRFC, totals.ActiveOrdsRFC)

	for i := 0; i < obs.InstrCount(); i++ {
		rec, ok := obs.InstrAt(i)
		if !ok {
			break
		}
		fmt.Printf("instr %d user=%d pos=%d avg=%d realized=%d unrealized=%d active=%d orders=%d\n",
			rec.Instrument, rec.User, rec.Position, rec.AvgPrice,
			rec.RealizedRFC, rec.UnrealizedRFC, rec.ActiveOrdsSize, rec.OrderCount)
	}
	for i := 0; i < obs.AssetCount(); i++ {
		rec, ok := obs.AssetAt(i)
		if !ok {
			break
		}
		fmt.Printf("asset %d user=%d settle=%d trade=%d transfer=%d deposit=%d debt=%d rate=%d valid=%d\n",
			rec.Asset, rec.User, rec.SettleDate, rec.PosTrade, rec.PosTransfer,
			rec.PosDeposit, rec.PosDebt, rec.LastRate, rec.RateValid)
	}
	for i := 0; i < obs.CounterCount(); i++ {
		rec, ok := obs.CounterAt(i)
		if !ok {
			break
		}
		fmt.Printf("counter %s tx=%d/%d rx=%d/%d lastTx=%d lastRx=%d\n",
			rec.NameString(), rec.TxMsgs, rec.TxBytes, rec.RxMsgs, rec.RxBytes,
			rec.LastTxTs, rec.LastRxTs)
	}
}
