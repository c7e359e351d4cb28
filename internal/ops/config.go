package ops

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/yanun0323/decimal"

	"main/internal/ledger"
	"main/internal/pool"
	"main/internal/risk"
	"main/internal/schema"
	"main/internal/shm"
)

// FileConfig mirrors the JSON config layout.
type FileConfig struct {
	Registry  RegistryConfig     `json:"registry"`
	Risk      RiskConfig         `json:"risk"`
	Ledger    LedgerConfig       `json:"ledger"`
	Pool      PoolConfig         `json:"pool"`
	Shm       ShmConfig          `json:"shm"`
	Recorder  RecorderConfig     `json:"recorder"`
	Store     StoreConfig        `json:"store"`
	Valuators []ValuatorConfig   `json:"valuators"`
	Features  FeatureFlagsConfig `json:"features"`
}

// RegistryConfig defines venue, asset and instrument mappings.
type RegistryConfig struct {
	Venues      []VenueConfig      `json:"venues"`
	Assets      []AssetConfig      `json:"assets"`
	Instruments []InstrumentConfig `json:"instruments"`
}

// VenueConfig describes a venue entry.
type VenueConfig struct {
	Name string `json:"name"`
}

// AssetConfig describes an asset entry.
type AssetConfig struct {
	Name string `json:"name"`
}

// InstrumentConfig describes an instrument entry.
type InstrumentConfig struct {
	Name  string           `json:"name"`
	Venue string           `json:"venue"`
	Base  string           `json:"base"`
	Quote string           `json:"quote"`
	Scale schema.ScaleSpec `json:"scale"`
	Book  schema.BookID    `json:"book"`
}

// RiskConfig describes limits in human units; decimals are rescaled to
// the configured RFC scale at load time.
type RiskConfig struct {
	User     schema.UserID `json:"user"`
	RFCScale schema.Scale  `json:"rfcScale"`

	MaxActiveOrdsTotalSizeRFC decimal.Decimal `json:"maxActiveOrdsTotalSizeRFC"`
	MaxTotalRiskRFC           decimal.Decimal `json:"maxTotalRiskRFC"`
	MaxNormalRiskRFC          decimal.Decimal `json:"maxNormalRiskRFC"`

	WindowShortMs  int64           `json:"windowShortMs"`
	WindowMediumMs int64           `json:"windowMediumMs"`
	WindowLongMs   int64           `json:"windowLongMs"`
	WindowShort    decimal.Decimal `json:"windowShortRFC"`
	WindowMedium   decimal.Decimal `json:"windowMediumRFC"`
	WindowLong     decimal.Decimal `json:"windowLongRFC"`

	MinUpdateIntervalMs int64  `json:"minUpdateIntervalMs"`
	StartMode           string `json:"startMode"`
	Relaxed             bool   `json:"relaxed"`
}

// LedgerConfig sizes the request ledger.
type LedgerConfig struct {
	MaxAggregates int   `json:"maxAggregates"`
	MaxRequests   int   `json:"maxRequests"`
	AtomicModify  bool  `json:"atomicModify"`
	AckTimeoutMs  int64 `json:"ackTimeoutMs"`
}

// PoolConfig describes the session pool for one venue account.
type PoolConfig struct {
	Sessions           []SessionConfig `json:"sessions"`
	Control            *SessionConfig  `json:"control"`
	MaxSessionRequests uint64          `json:"maxSessionRequests"`
	DialTimeoutMs      int64           `json:"dialTimeoutMs"`
	PingIntervalMs     int64           `json:"pingIntervalMs"`
}

// SessionConfig describes one transport session endpoint.
type SessionConfig struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ShmConfig locates and sizes the shared risk region.
type ShmConfig struct {
	Path       string `json:"path"`
	MaxInstr   int    `json:"maxInstr"`
	MaxAsset   int    `json:"maxAsset"`
	MaxCounter int    `json:"maxCounter"`
}

// RecorderConfig configures the event recorder.
type RecorderConfig struct {
	Enabled      bool   `json:"enabled"`
	Dir          string `json:"dir"`
	SegmentBytes int64  `json:"segmentBytes"`
}

// StoreConfig configures the fill/snapshot database sink.
type StoreConfig struct {
	Enabled bool   `json:"enabled"`
	DSN     string `json:"dsn"`
}

// ValuatorConfig describes an asset's conversion mechanism.
type ValuatorConfig struct {
	Asset      string          `json:"asset"`
	Kind       string          `json:"kind"` // fixed, book, dualBook
	Rate       decimal.Decimal `json:"rate"`
	Book       schema.BookID   `json:"book"`
	DayBook    schema.BookID   `json:"dayBook"`
	NightBook  schema.BookID   `json:"nightBook"`
	DaySince   int             `json:"daySince"`
	DayUntil   int             `json:"dayUntil"`
	PriceScale schema.Scale    `json:"priceScale"`
	SpreadBid  decimal.Decimal `json:"spreadBid"`
	SpreadAsk  decimal.Decimal `json:"spreadAsk"`
}

// FeatureFlagsConfig captures optional runtime flags.
type FeatureFlagsConfig struct {
	EnableRecorder  *bool `json:"enableRecorder"`
	EnableStore     *bool `json:"enableStore"`
	EnableProfiling *bool `json:"enableProfiling"`
}

// FeatureFlags are resolved runtime flags.
type FeatureFlags struct {
	EnableRecorder  bool
	EnableStore     bool
	EnableProfiling bool
}

// ValuatorSpec is a resolved valuator binding.
type ValuatorSpec struct {
	Asset    schema.AssetID
	Valuator risk.Valuator
}

// InstrumentBook binds an instrument to its valuation book.
type InstrumentBook struct {
	Instrument schema.InstrumentID
	Book       schema.BookID
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Registry     *schema.Registry
	Risk         risk.Config
	Ledger       ledger.Config
	AckTimeout   time.Duration
	Pool         pool.Config
	Sessions     []SessionConfig
	Control      *SessionConfig
	DialTimeout  time.Duration
	PingInterval time.Duration
	ShmPath      string
	ShmLayout    shm.Layout
	Recorder     RecorderConfig
	Store        StoreConfig
	Valuators    []ValuatorSpec
	Books        []InstrumentBook
	Features     FeatureFlags
}

// Load reads a JSON config file and resolves every section.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, err
	}
	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, err
	}

	registry, books, err := buildRegistry(cfg.Registry)
	if err != nil {
		return Loaded{}, err
	}
	riskCfg, err := resolveRisk(cfg.Risk)
	if err != nil {
		return Loaded{}, err
	}
	valuators, err := resolveValuators(cfg.Valuators, cfg.Risk.RFCScale, registry)
	if err != nil {
		return Loaded{}, err
	}
	if err := validatePool(cfg.Pool); err != nil {
		return Loaded{}, err
	}
	if cfg.Ledger.MaxAggregates <= 0 {
		return Loaded{}, fmt.Errorf("ledger maxAggregates must be > 0")
	}
	if cfg.Shm.Path == "" {
		return Loaded{}, fmt.Errorf("shm path is empty")
	}

	return Loaded{
		Registry: registry,
		Risk:     riskCfg,
		Ledger: ledger.Config{
			MaxAggregates: cfg.Ledger.MaxAggregates,
			MaxRequests:   cfg.Ledger.MaxRequests,
			AtomicModify:  cfg.Ledger.AtomicModify,
		},
		AckTimeout:   time.Duration(cfg.Ledger.AckTimeoutMs) * time.Millisecond,
		Pool:         pool.Config{MaxSessionRequests: cfg.Pool.MaxSessionRequests},
		Sessions:     cfg.Pool.Sessions,
		Control:      cfg.Pool.Control,
		DialTimeout:  time.Duration(cfg.Pool.DialTimeoutMs) * time.Millisecond,
		PingInterval: time.Duration(cfg.Pool.PingIntervalMs) * time.Millisecond,
		ShmPath:      cfg.Shm.Path,
		ShmLayout: shm.Layout{
			MaxInstr:   cfg.Shm.MaxInstr,
			MaxAsset:   cfg.Shm.MaxAsset,
			MaxCounter: cfg.Shm.MaxCounter,
		},
		Recorder:  cfg.Recorder,
		Store:     cfg.Store,
		Valuators: valuators,
		Books:     books,
		Features:  resolveFeatures(cfg.Features),
	}, nil
}

func buildRegistry(cfg RegistryConfig) (*schema.Registry, []InstrumentBook, error) {
	reg := schema.NewRegistry()
	for _, venue := range cfg.Venues {
		if _, err := reg.AddVenue(venue.Name); err != nil {
			return nil, nil, err
		}
	}
	for _, asset := range cfg.Assets {
		if _, err := reg.AddAsset(asset.Name); err != nil {
			return nil, nil, err
		}
	}
	var books []InstrumentBook
	for _, inst := range cfg.Instruments {
		venueID, ok := reg.VenueIDByName(inst.Venue)
		if !ok {
			return nil, nil, fmt.Errorf("venue not found: %s", inst.Venue)
		}
		baseID, ok := reg.AssetIDByName(inst.Base)
		if !ok {
			return nil, nil, fmt.Errorf("base asset not found: %s", inst.Base)
		}
		quoteID, ok := reg.AssetIDByName(inst.Quote)
		if !ok {
			return nil, nil, fmt.Errorf("quote asset not found: %s", inst.Quote)
		}
		if err := validateScale(inst.Scale); err != nil {
			return nil, nil, fmt.Errorf("invalid scale for %s: %w", inst.Name, err)
		}
		id, err := reg.AddInstrument(inst.Name, venueID, baseID, quoteID, inst.Scale)
		if err != nil {
			return nil, nil, err
		}
		if inst.Book != 0 {
			books = append(books, InstrumentBook{Instrument: id, Book: inst.Book})
		}
	}
	return reg, books, nil
}

func validateScale(scale schema.ScaleSpec) error {
	if scale.PriceScale < 0 || scale.QuantityScale < 0 || scale.NotionalScale < 0 {
		return fmt.Errorf("scale must be >= 0")
	}
	if scale.PriceScale+scale.QuantityScale < scale.NotionalScale {
		return fmt.Errorf("notional scale exceeds price+quantity scale")
	}
	return nil
}

func resolveRisk(cfg RiskConfig) (risk.Config, error) {
	if cfg.User == 0 {
		return risk.Config{}, fmt.Errorf("risk user is zero")
	}
	mode := schema.RiskModeNormal
	switch strings.ToLower(cfg.StartMode) {
	case "", "normal":
	case "stp":
		mode = schema.RiskModeSTP
	case "safe":
		mode = schema.RiskModeSafe
	default:
		return risk.Config{}, fmt.Errorf("unknown start mode: %s", cfg.StartMode)
	}

	scale := cfg.RFCScale
	maxActive, err := scaledNotional(cfg.MaxActiveOrdsTotalSizeRFC, scale)
	if err != nil {
		return risk.Config{}, fmt.Errorf("maxActiveOrdsTotalSizeRFC: %w", err)
	}
	maxTotal, err := scaledNotional(cfg.MaxTotalRiskRFC, scale)
	if err != nil {
		return risk.Config{}, fmt.Errorf("maxTotalRiskRFC: %w", err)
	}
	maxNormal, err := scaledNotional(cfg.MaxNormalRiskRFC, scale)
	if err != nil {
		return risk.Config{}, fmt.Errorf("maxNormalRiskRFC: %w", err)
	}
	winShort, err := scaledNotional(cfg.WindowShort, scale)
	if err != nil {
		return risk.Config{}, fmt.Errorf("windowShortRFC: %w", err)
	}
	winMedium, err := scaledNotional(cfg.WindowMedium, scale)
	if err != nil {
		return risk.Config{}, fmt.Errorf("windowMediumRFC: %w", err)
	}
	winLong, err := scaledNotional(cfg.WindowLong, scale)
	if err != nil {
		return risk.Config{}, fmt.Errorf("windowLongRFC: %w", err)
	}

	return risk.Config{
		User:                      cfg.User,
		MaxActiveOrdsTotalSizeRFC: maxActive,
		MaxTotalRiskRFC:           maxTotal,
		MaxNormalRiskRFC:          maxNormal,
		WindowShortSpan:           time.Duration(cfg.WindowShortMs) * time.Millisecond,
		WindowMediumSpan:          time.Duration(cfg.WindowMediumMs) * time.Millisecond,
		WindowLongSpan:            time.Duration(cfg.WindowLongMs) * time.Millisecond,
		WindowShortRFC:            winShort,
		WindowMediumRFC:           winMedium,
		WindowLongRFC:             winLong,
		MinUpdateInterval:         time.Duration(cfg.MinUpdateIntervalMs) * time.Millisecond,
		StartMode:                 mode,
		Relaxed:                   cfg.Relaxed,
	}, nil
}

func resolveValuators(cfgs []ValuatorConfig, rfcScale schema.Scale, reg *schema.Registry) ([]ValuatorSpec, error) {
	var specs []ValuatorSpec
	for _, cfg := range cfgs {
		assetID, ok := reg.AssetIDByName(cfg.Asset)
		if !ok {
			return nil, fmt.Errorf("valuator asset not found: %s", cfg.Asset)
		}
		spreadBid, err := scaledRate(cfg.SpreadBid)
		if err != nil {
			return nil, fmt.Errorf("valuator %s spreadBid: %w", cfg.Asset, err)
		}
		spreadAsk, err := scaledRate(cfg.SpreadAsk)
		if err != nil {
			return nil, fmt.Errorf("valuator %s spreadAsk: %w", cfg.Asset, err)
		}

		var v risk.Valuator
		switch cfg.Kind {
		case "fixed":
			rate, err := scaledRate(cfg.Rate)
			if err != nil {
				return nil, fmt.Errorf("valuator %s rate: %w", cfg.Asset, err)
			}
			if rate <= 0 {
				return nil, fmt.Errorf("valuator %s: fixed rate must be > 0", cfg.Asset)
			}
			v = risk.FixedRate(rate)
		case "book":
			if cfg.Book == 0 {
				return nil, fmt.Errorf("valuator %s: book is required", cfg.Asset)
			}
			v = risk.BookRate{
				Book:       cfg.Book,
				PriceScale: cfg.PriceScale,
				SpreadBid:  schema.Rate(spreadBid),
				SpreadAsk:  schema.Rate(spreadAsk),
			}
		case "dualBook":
			if cfg.DayBook == 0 || cfg.NightBook == 0 {
				return nil, fmt.Errorf("valuator %s: dayBook and nightBook are required", cfg.Asset)
			}
			v = risk.DualBookRate{
				DayBook:    cfg.DayBook,
				NightBook:  cfg.NightBook,
				DaySince:   cfg.DaySince,
				DayUntil:   cfg.DayUntil,
				PriceScale: cfg.PriceScale,
				SpreadBid:  schema.Rate(spreadBid),
				SpreadAsk:  schema.Rate(spreadAsk),
			}
		default:
			return nil, fmt.Errorf("valuator %s: unknown kind %q", cfg.Asset, cfg.Kind)
		}
		specs = append(specs, ValuatorSpec{Asset: assetID, Valuator: v})
	}
	return specs, nil
}

func validatePool(cfg PoolConfig) error {
	if len(cfg.Sessions) == 0 {
		return fmt.Errorf("pool has no sessions")
	}
	seen := make(map[string]bool, len(cfg.Sessions)+1)
	for _, s := range cfg.Sessions {
		if s.Name == "" || s.URL == "" {
			return fmt.Errorf("pool session needs name and url")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate session name: %s", s.Name)
		}
		seen[s.Name] = true
	}
	if cfg.Control != nil {
		if cfg.Control.Name == "" || cfg.Control.URL == "" {
			return fmt.Errorf("control session needs name and url")
		}
		if seen[cfg.Control.Name] {
			return fmt.Errorf("control session name collides: %s", cfg.Control.Name)
		}
	}
	return nil
}

func resolveFeatures(cfg FeatureFlagsConfig) FeatureFlags {
	flags := FeatureFlags{
		EnableRecorder: true,
		EnableStore:    false,
	}
	if cfg.EnableRecorder != nil {
		flags.EnableRecorder = *cfg.EnableRecorder
	}
	if cfg.EnableStore != nil {
		flags.EnableStore = *cfg.EnableStore
	}
	if cfg.EnableProfiling != nil {
		flags.EnableProfiling = *cfg.EnableProfiling
	}
	return flags
}

// scaledNotional converts a decimal config value into a fixed-point
// notional at the given scale.
func scaledNotional(d decimal.Decimal, scale schema.Scale) (schema.Notional, error) {
	v, err := scaledInt(d.String(), int(scale))
	return schema.Notional(v), err
}

// scaledRate converts a decimal config value into the fixed rate scale.
func scaledRate(d decimal.Decimal) (int64, error) {
	return scaledInt(d.String(), 8)
}

// scaledInt parses a plain decimal string into an integer scaled by
// 10^scale, truncating extra fractional digits.
func scaledInt(s string, scale int) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	neg := false
	if s[0] == '+' || s[0] == '-' {
		neg = s[0] == '-'
		s = s[1:]
	}
	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > scale {
		frac = frac[:scale]
	}
	for len(frac) < scale {
		frac += "0"
	}
	v, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad decimal %q: %w", s, err)
	}
	if neg {
		v = -v
	}
	return v, nil
}
