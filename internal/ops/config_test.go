package ops

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/schema"
)

const sampleConfig = `{
  "registry": {
    "venues": [{"name": "testvenue"}],
    "assets": [{"name": "BTC"}, {"name": "USD"}],
    "instruments": [
      {
        "name": "BTC/USD",
        "venue": "testvenue",
        "base": "BTC",
        "quote": "USD",
        "scale": {"PriceScale": 2, "QuantityScale": 4, "NotionalScale": 2},
        "book": 1
      }
    ]
  },
  "risk": {
    "user": 7,
    "rfcScale": 2,
    "maxActiveOrdsTotalSizeRFC": "250.00",
    "maxTotalRiskRFC": "10000",
    "maxNormalRiskRFC": "5000.5",
    "windowShortMs": 1000,
    "windowMediumMs": 10000,
    "windowLongMs": 60000,
    "windowShortRFC": "150",
    "windowMediumRFC": "1500",
    "windowLongRFC": "9000",
    "minUpdateIntervalMs": 50,
    "startMode": "normal"
  },
  "ledger": {
    "maxAggregates": 1024,
    "maxRequests": 8192,
    "atomicModify": false,
    "ackTimeoutMs": 3000
  },
  "pool": {
    "sessions": [
      {"name": "s1", "url": "wss://venue.test/ws"},
      {"name": "s2", "url": "wss://venue.test/ws"}
    ],
    "control": {"name": "ctl", "url": "wss://venue.test/ctl"},
    "maxSessionRequests": 5000,
    "dialTimeoutMs": 7000,
    "pingIntervalMs": 15000
  },
  "shm": {
    "path": "/dev/shm/risk-test",
    "maxInstr": 64,
    "maxAsset": 64,
    "maxCounter": 8
  },
  "recorder": {"enabled": true, "dir": "/tmp/rec", "segmentBytes": 1048576},
  "store": {"enabled": false, "dsn": ""},
  "valuators": [
    {"asset": "USD", "kind": "fixed", "rate": "1.0"},
    {"asset": "BTC", "kind": "book", "book": 1, "priceScale": 2}
  ]
}`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	loaded, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if loaded.Registry.InstrumentCount() != 1 {
		t.Fatalf("instrument count %d", loaded.Registry.InstrumentCount())
	}
	id, ok := loaded.Registry.InstrumentIDByName("BTC/USD")
	if !ok {
		t.Fatal("instrument not registered")
	}
	if len(loaded.Books) != 1 || loaded.Books[0].Instrument != id || loaded.Books[0].Book != 1 {
		t.Fatalf("books: %+v", loaded.Books)
	}

	if loaded.Risk.User != 7 {
		t.Fatalf("risk user %d", loaded.Risk.User)
	}
	if loaded.Risk.MaxActiveOrdsTotalSizeRFC != 25_000 {
		t.Fatalf("active ords limit %d, want 25000", loaded.Risk.MaxActiveOrdsTotalSizeRFC)
	}
	if loaded.Risk.MaxNormalRiskRFC != 500_050 {
		t.Fatalf("normal risk limit %d, want 500050", loaded.Risk.MaxNormalRiskRFC)
	}
	if loaded.Risk.WindowShortSpan != time.Second {
		t.Fatalf("short span %v", loaded.Risk.WindowShortSpan)
	}
	if loaded.Risk.StartMode != schema.RiskModeNormal {
		t.Fatalf("start mode %v", loaded.Risk.StartMode)
	}

	if loaded.Ledger.MaxAggregates != 1024 || loaded.AckTimeout != 3*time.Second {
		t.Fatalf("ledger: %+v ack=%v", loaded.Ledger, loaded.AckTimeout)
	}
	if len(loaded.Sessions) != 2 || loaded.Control == nil || loaded.Control.Name != "ctl" {
		t.Fatalf("pool sessions: %+v control: %+v", loaded.Sessions, loaded.Control)
	}
	if loaded.Pool.MaxSessionRequests != 5000 {
		t.Fatalf("max session requests %d", loaded.Pool.MaxSessionRequests)
	}
	if loaded.ShmLayout.MaxInstr != 64 || loaded.ShmPath == "" {
		t.Fatalf("shm: %s %+v", loaded.ShmPath, loaded.ShmLayout)
	}
	if len(loaded.Valuators) != 2 {
		t.Fatalf("valuators: %d", len(loaded.Valuators))
	}
	if !loaded.Features.EnableRecorder || loaded.Features.EnableStore {
		t.Fatalf("features: %+v", loaded.Features)
	}
}

func TestLoadPoolTiming(t *testing.T) {
	loaded, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, loaded.DialTimeout)
	assert.Equal(t, 15*time.Second, loaded.PingInterval)
}

func TestLoadRejectsUnknownVenue(t *testing.T) {
	bad := `{
  "registry": {
    "venues": [],
    "assets": [{"name": "USD"}],
    "instruments": [{"name": "X", "venue": "nope", "base": "USD", "quote": "USD"}]
  }
}`
	if _, err := Load(writeConfig(t, bad)); err == nil {
		t.Fatal("expected venue error")
	}
}

func TestLoadRejectsDuplicateSession(t *testing.T) {
	bad := `{
  "registry": {"venues": [{"name": "v"}], "assets": [{"name": "USD"}]},
  "risk": {"user": 1},
  "ledger": {"maxAggregates": 1},
  "pool": {"sessions": [{"name": "s1", "url": "u"}, {"name": "s1", "url": "u"}]},
  "shm": {"path": "/dev/shm/x"}
}`
	if _, err := Load(writeConfig(t, bad)); err == nil {
		t.Fatal("expected duplicate session error")
	}
}

func TestScaledInt(t *testing.T) {
	cases := []struct {
		in    string
		scale int
		want  int64
	}{
		{"250.00", 2, 25000},
		{"250", 2, 25000},
		{"0.5", 2, 50},
		{"-1.25", 2, -125},
		{"1.999", 2, 199},
		{"", 2, 0},
		{"1.0", 8, 100000000},
	}
	for _, tc := range cases {
		got, err := scaledInt(tc.in, tc.scale)
		if err != nil {
			t.Fatalf("scaledInt(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("scaledInt(%q,%d) = %d, want %d", tc.in, tc.scale, got, tc.want)
		}
	}
	if _, err := scaledInt("abc", 2); err == nil {
		t.Fatal("expected parse error")
	}
}
