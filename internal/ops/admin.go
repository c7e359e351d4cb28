package ops

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"main/internal/codec"
	"main/internal/schema"
	"main/internal/shm"
	"main/pkg/uds"
)

// Admin serves operational queries over a unix socket. Reads go straight
// to the shared region observer, so the trading loop is never touched;
// the only mutation is the stop hook, which publishes a shutdown event.
type Admin struct {
	srv  *uds.Server
	obs  *shm.Observer
	stop func()
}

// NewAdmin builds the admin server on the given socket path.
func NewAdmin(path string, obs *shm.Observer, stop func()) (*Admin, error) {
	srv, err := uds.NewServer(path)
	if err != nil {
		return nil, err
	}
	if err := srv.Listen(); err != nil {
		return nil, err
	}
	return &Admin{srv: srv, obs: obs, stop: stop}, nil
}

// Serve accepts connections until the context is cancelled, the process
// shuts down or the listener is closed. It blocks.
func (a *Admin) Serve(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
		case <-sys.Shutdown():
		}
		_ = a.srv.Close()
	}()
	for {
		conn, err := a.srv.Accept()
		if err != nil {
			return
		}
		go a.serveConn(conn)
	}
}

// Close stops the listener.
func (a *Admin) Close() error { return a.srv.Close() }

func (a *Admin) serveConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		cmd := strings.TrimSpace(scanner.Text())
		if cmd == "" {
			continue
		}
		if cmd == "stream" {
			a.streamRisk(conn)
			return
		}
		reply := a.dispatch(cmd)
		if _, err := fmt.Fprintf(conn, "%s\n", reply); err != nil {
			return
		}
		if cmd == "stop" || cmd == "quit" {
			return
		}
	}
}

func (a *Admin) dispatch(cmd string) string {
	switch cmd {
	case "status":
		return a.status()
	case "instr":
		return a.instruments()
	case "assets":
		return a.assets()
	case "counters":
		return a.counters()
	case "risk":
		return a.risk()
	case "stop":
		if a.stop != nil {
			a.stop()
		}
		return "stopping"
	case "quit":
		return "bye"
	case "help":
		return "commands: status risk instr assets counters stream stop quit"
	default:
		logs.Infof("admin: unknown command %q", cmd)
		return "unknown command, try help"
	}
}

func (a *Admin) status() string {
	mode, relaxed := a.obs.Mode()
	return fmt.Sprintf("mode=%s relaxed=%d instr=%d assets=%d counters=%d",
		schema.RiskMode(mode), relaxed,
		a.obs.InstrCount(), a.obs.AssetCount(), a.obs.CounterCount())
}

func (a *Admin) risk() string {
	st := a.riskSnapshot()
	return fmt.Sprintf("user=%d mode=%s relaxed=%d nav=%d total=%d active=%d ts=%d",
		st.User, st.Mode, st.Relaxed, st.NAVRFC, st.TotalRiskRFC, st.ActiveOrdsRFC, st.Ts)
}

func (a *Admin) riskSnapshot() schema.RiskState {
	mode, relaxed := a.obs.Mode()
	t := a.obs.Totals()
	return schema.RiskState{
		User:          schema.UserID(t.User),
		Mode:          schema.RiskMode(mode),
		Relaxed:       uint16(relaxed),
		NAVRFC:        schema.Notional(t.NAVRFC),
		TotalRiskRFC:  schema.Notional(t.TotalRiskRFC),
		ActiveOrdsRFC: schema.Notional(t.ActiveOrdsRFC),
		Ts:            t.Ts,
	}
}

// streamRisk switches the connection to a binary feed: one fixed-width
// encoded risk state per second, until the client goes away.
func (a *Admin) streamRisk(conn net.Conn) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var buf []byte
	for {
		buf = codec.EncodeRiskState(buf, a.riskSnapshot())
		if _, err := conn.Write(buf); err != nil {
			return
		}
		<-ticker.C
	}
}

func (a *Admin) instruments() string {
	var b strings.Builder
	for i := 0; i < a.obs.InstrCount(); i++ {
		rec, ok := a.obs.InstrAt(i)
		if !ok {
			break
		}
		fmt.Fprintf(&b, "instr=%d user=%d pos=%d avg=%d realized=%d unrealized=%d active=%d orders=%d\n",
			rec.Instrument, rec.User, rec.Position, rec.AvgPrice,
			rec.RealizedRFC, rec.UnrealizedRFC, rec.ActiveOrdsSize, rec.OrderCount)
	}
	if b.Len() == 0 {
		return "no instrument records"
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a *Admin) assets() string {
	var b strings.Builder
	for i := 0; i < a.obs.AssetCount(); i++ {
		rec, ok := a.obs.AssetAt(i)
		if !ok {
			break
		}
		fmt.Fprintf(&b, "asset=%d user=%d settle=%d trade=%d transfer=%d deposit=%d debt=%d rate=%d valid=%d\n",
			rec.Asset, rec.User, rec.SettleDate, rec.PosTrade, rec.PosTransfer,
			rec.PosDeposit, rec.PosDebt, rec.LastRate, rec.RateValid)
	}
	if b.Len() == 0 {
		return "no asset records"
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a *Admin) counters() string {
	var b strings.Builder
	for i := 0; i < a.obs.CounterCount(); i++ {
		rec, ok := a.obs.CounterAt(i)
		if !ok {
			break
		}
		fmt.Fprintf(&b, "name=%s tx=%d/%d rx=%d/%d lastTx=%d lastRx=%d\n",
			rec.NameString(), rec.TxMsgs, rec.TxBytes, rec.RxMsgs, rec.RxBytes,
			rec.LastTxTs, rec.LastRxTs)
	}
	if b.Len() == 0 {
		return "no counter records"
	}
	return strings.TrimRight(b.String(), "\n")
}
