package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"

	"main/internal/connector"
	"main/internal/ledger"
	"main/internal/obs"
	"main/internal/ops"
	"main/internal/pool"
	"main/internal/recorder"
	"main/internal/risk"
	"main/internal/schema"
	"main/internal/shm"
	"main/internal/state"
	"main/internal/store"
	"main/pkg/transport"
)

const eventSource uint16 = 1

func main() {
	configPath := flag.String("config", "", "Path to JSON config")
	configReload := flag.Duration("config-reload-interval", 2*time.Second, "Config reload interval (0=disable)")
	adminSock := flag.String("admin-sock", "", "Unix socket for the admin interface (empty=disabled)")
	recoverEnabled := flag.Bool("recover", false, "Rebuild positions from snapshot + WAL before starting")
	recoverSnapshot := flag.String("recover-snapshot", "", "Snapshot path for recovery (default: <recorder-dir>/positions.json)")
	flag.Parse()

	if *configPath == "" {
		log.Fatal("missing -config")
	}
	loaded, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if loaded.Features.EnableProfiling {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "trader",
			ServerAddress:   profilerAddress(),
			Logger:          emptyLogger{},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			log.Fatalf("pyroscope start: %v", err)
		}
		defer func() { _ = profiler.Stop() }()
	}

	region, err := shm.Open(loaded.ShmPath, loaded.ShmLayout)
	if err != nil {
		log.Fatalf("open risk region: %v", err)
	}
	defer region.Close()

	riskMgr := risk.NewManager(loaded.Risk, region, loaded.Registry)
	for _, v := range loaded.Valuators {
		if err := riskMgr.InstallValuator(v.Asset, 0, v.Valuator); err != nil {
			log.Fatalf("install valuator for asset %d: %v", v.Asset, err)
		}
	}
	for _, b := range loaded.Books {
		if err := riskMgr.RegisterInstrument(b.Instrument, b.Book); err != nil {
			log.Fatalf("register instrument %d: %v", b.Instrument, err)
		}
	}

	deps := connector.Deps{
		Codec:    connector.NativeCodec{},
		Risk:     riskMgr,
		Strategy: logStrategy{},
		Metrics:  obs.NewMetrics(),
	}

	if loaded.Recorder.Enabled && loaded.Features.EnableRecorder {
		cfg := recorder.DefaultConfig(loaded.Recorder.Dir)
		if loaded.Recorder.SegmentBytes > 0 {
			cfg.SegmentMaxBytes = loaded.Recorder.SegmentBytes
		}
		rec, err := recorder.NewWriter(cfg)
		if err != nil {
			log.Fatalf("open recorder: %v", err)
		}
		if err := rec.Start(ctx); err != nil {
			log.Fatalf("start recorder: %v", err)
		}
		defer rec.Close()
		deps.Recorder = rec
	}

	var db *store.Store
	if loaded.Store.Enabled && loaded.Features.EnableStore {
		db, err = store.Open(store.Option{ConnString: loaded.Store.DSN})
		if err != nil {
			log.Fatalf("open store: %v", err)
		}
		defer db.Close()
		deps.Fills = db
	}

	counters, err := region.AllocCounter("trader")
	if err != nil {
		log.Fatalf("alloc counter record: %v", err)
	}
	deps.Counters = counters

	relay := &eventsRelay{}
	sessions := make([]pool.Transport, 0, len(loaded.Sessions))
	for _, sc := range loaded.Sessions {
		sessions = append(sessions, newWire(sc, loaded, relay))
	}
	var control pool.Transport
	if loaded.Control != nil {
		control = newWire(*loaded.Control, loaded, relay)
	}
	sessPool := pool.New(loaded.Pool, sessions, control)
	deps.Pool = sessPool

	conn := connector.New(connector.Config{
		Name:       "trader",
		Source:     eventSource,
		AckTimeout: loaded.AckTimeout,
	}, loaded.Ledger, deps)
	relay.target = conn

	if *recoverEnabled {
		if loaded.Recorder.Dir == "" {
			log.Fatal("recovery requested but recorder dir is empty")
		}
		snapshot := *recoverSnapshot
		if snapshot == "" {
			candidate := filepath.Join(loaded.Recorder.Dir, "positions.json")
			if _, err := os.Stat(candidate); err == nil {
				snapshot = candidate
			}
		}
		res, err := state.RecoverPositions(ctx, state.RecoverConfig{
			WALDir:       loaded.Recorder.Dir,
			SnapshotPath: snapshot,
			DecodeTrade:  connector.NativeCodec{}.DecodeTrade,
		})
		if err != nil {
			log.Fatalf("recover positions: %v", err)
		}
		logs.Infof("recovered %d positions, last seq %d", res.Positions.Count(), res.LastSeq)
		for _, entry := range res.Positions.Snapshot().Positions {
			logs.Infof("  instrument %d position %d", entry.Instrument, entry.Qty)
		}
	}

	sessPool.Start(ctx)
	stopTimers := conn.StartTimers(ctx, time.Second)
	defer stopTimers()

	if *configReload > 0 {
		go watchConfig(ctx, *configPath, *configReload, func(next ops.Loaded) {
			// Limits and valuators swap on the event loop so no handler
			// observes them mid-change.
			if err := conn.Apply(func() { applyReload(riskMgr, next) }); err != nil {
				logs.Errorf("schedule config update, err: %+v", err)
			}
		})
	}

	if *adminSock != "" {
		observer, err := shm.Attach(loaded.ShmPath)
		if err != nil {
			log.Fatalf("attach risk region: %v", err)
		}
		defer observer.Close()
		admin, err := ops.NewAdmin(*adminSock, observer, conn.RequestStop)
		if err != nil {
			log.Fatalf("start admin socket: %v", err)
		}
		defer admin.Close()
		go admin.Serve(ctx)
	}

	logs.Infof("trader up, %d data sessions, mode %s", len(loaded.Sessions), riskMgr.Mode())
	conn.Run(ctx)

	sessPool.StopAll(true)
	if db != nil {
		if err := db.SaveRiskState(riskMgr.Snapshot(time.Now().UnixNano())); err != nil {
			logs.Errorf("save final risk state, err: %+v", err)
		}
	}
	logs.Infof("trader stopped")
}

func newWire(sc ops.SessionConfig, loaded ops.Loaded, events transport.Events) *transport.Session {
	return transport.NewSession(transport.Config{
		Name:         sc.Name,
		URL:          sc.URL,
		DialTimeout:  loaded.DialTimeout,
		PingInterval: loaded.PingInterval,
	}, events)
}

// watchConfig polls the config file's mtime and hands validated reloads
// to update. Load errors keep the running config.
func watchConfig(ctx context.Context, path string, interval time.Duration, update func(ops.Loaded)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastMod time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				logs.Errorf("config stat failed, err: %+v", err)
				continue
			}
			if !info.ModTime().After(lastMod) {
				continue
			}
			loaded, err := ops.Load(path)
			if err != nil {
				logs.Errorf("config reload failed, err: %+v", err)
				continue
			}
			update(loaded)
			lastMod = info.ModTime()
			logs.Infof("config reloaded: %s", path)
		}
	}
}

func applyReload(riskMgr *risk.Manager, next ops.Loaded) {
	riskMgr.UpdateLimits(next.Risk)
	for _, v := range next.Valuators {
		if err := riskMgr.InstallValuator(v.Asset, 0, v.Valuator); err != nil {
			logs.Errorf("reinstall valuator for asset %d, err: %+v", v.Asset, err)
		}
	}
}

func profilerAddress() string {
	if addr := os.Getenv("PYROSCOPE_SERVER_ADDRESS"); addr != "" {
		return addr
	}
	return "http://localhost:4040"
}

// eventsRelay breaks the construction cycle between the transports and
// the connector: sessions need an event target before the connector
// exists, and nothing fires until the pool starts.
type eventsRelay struct {
	target *connector.Connector
}

func (r *eventsRelay) OnSessionUp(session string) { r.target.OnSessionUp(session) }

func (r *eventsRelay) OnSessionDown(session, reason string) {
	r.target.OnSessionDown(session, reason)
}

func (r *eventsRelay) OnStreamReset(session string, corrID uint64, errorCode uint16) {
	r.target.OnStreamReset(session, corrID, errorCode)
}

func (r *eventsRelay) OnMessage(session string, payload []byte, corrID uint64, recvTs int64) {
	r.target.OnMessage(session, payload, corrID, recvTs)
}

// logStrategy narrates the order lifecycle when the binary runs without
// an embedded trading strategy.
type logStrategy struct{}

func (logStrategy) OnOrderConfirmed(agg *ledger.Aggregate, req *ledger.Request) {
	logs.Infof("order %d confirmed, request %d", agg.ID, req.ID)
}

func (logStrategy) OnOrderTraded(agg *ledger.Aggregate, req *ledger.Request, price schema.Price, qty, leaves schema.Quantity) {
	logs.Infof("order %d traded %d @ %d, %d leaves", agg.ID, qty, price, leaves)
}

func (logStrategy) OnOrderCancelled(agg *ledger.Aggregate, req *ledger.Request) {
	logs.Infof("order %d cancelled, request %d", agg.ID, req.ID)
}

func (logStrategy) OnOrderRejected(agg *ledger.Aggregate, req *ledger.Request, reason schema.RejectReason) {
	logs.Infof("order %d rejected, reason %d", agg.ID, reason)
}

func (logStrategy) OnTradingStatusChanged(active bool) {
	logs.Infof("trading status changed, active: %v", active)
}

type emptyLogger struct{}

func (emptyLogger) Infof(_ string, _ ...interface{})  {}
func (emptyLogger) Debugf(_ string, _ ...interface{}) {}
func (emptyLogger) Errorf(_ string, _ ...interface{}) {}
