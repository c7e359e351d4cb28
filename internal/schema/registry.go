package schema

import "fmt"

// Scale is the number of decimal places used by a scaled integer.
// Example: Scale=8 means the integer value is scaled by 1e8.
type Scale int32

// ScaleSpec defines scaling for common numeric fields.
type ScaleSpec struct {
	PriceScale    Scale
	QuantityScale Scale
	NotionalScale Scale
}

var pow10 = [...]int64{
	1, 10, 100, 1_000, 10_000, 100_000, 1_000_000, 10_000_000,
	100_000_000, 1_000_000_000, 10_000_000_000, 100_000_000_000,
	1_000_000_000_000, 10_000_000_000_000, 100_000_000_000_000,
	1_000_000_000_000_000, 10_000_000_000_000_000, 100_000_000_000_000_000,
	1_000_000_000_000_000_000,
}

// Pow10 returns 10^s for scale conversions. Out-of-range scales return 1.
func Pow10(s Scale) int64 {
	if s < 0 || int(s) >= len(pow10) {
		return 1
	}
	return pow10[s]
}

// NotionalOf computes price*quantity rescaled to the notional scale.
func (s ScaleSpec) NotionalOf(px Price, qty Quantity) Notional {
	v := int64(px) * int64(qty)
	return Notional(v / Pow10(s.PriceScale+s.QuantityScale-s.NotionalScale))
}

// VenueID is the numeric identifier for a venue.
type VenueID uint16

// InstrumentID is the numeric identifier for a tradable instrument.
type InstrumentID uint32

// AssetID is the numeric identifier for a settleable asset.
type AssetID uint32

// Venue describes a trading venue or broker.
type Venue struct {
	ID   VenueID
	Name string
}

// Asset describes a settleable currency or coin.
type Asset struct {
	ID   AssetID
	Name string
}

// Instrument describes a tradable instrument and its asset legs.
type Instrument struct {
	ID    InstrumentID
	Venue VenueID
	Name  string
	Base  AssetID
	Quote AssetID
	Scale ScaleSpec
}

// Registry stores venue, asset and instrument mappings in a compact form.
type Registry struct {
	venues      []Venue
	assets      []Asset
	instruments []Instrument
	venueByName map[string]VenueID
	assetByName map[string]AssetID
	instrByName map[string]InstrumentID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		venueByName: make(map[string]VenueID),
		assetByName: make(map[string]AssetID),
		instrByName: make(map[string]InstrumentID),
	}
}

// AddVenue registers a new venue and returns its ID.
func (r *Registry) AddVenue(name string) (VenueID, error) {
	if name == "" {
		return 0, fmt.Errorf("venue name is empty")
	}
	if id, ok := r.venueByName[name]; ok {
		return id, fmt.Errorf("venue already exists: %s", name)
	}
	id := VenueID(len(r.venues) + 1)
	r.venues = append(r.venues, Venue{ID: id, Name: name})
	r.venueByName[name] = id
	return id, nil
}

// AddAsset registers a new asset and returns its ID.
func (r *Registry) AddAsset(name string) (AssetID, error) {
	if name == "" {
		return 0, fmt.Errorf("asset name is empty")
	}
	if id, ok := r.assetByName[name]; ok {
		return id, fmt.Errorf("asset already exists: %s", name)
	}
	id := AssetID(len(r.assets) + 1)
	r.assets = append(r.assets, Asset{ID: id, Name: name})
	r.assetByName[name] = id
	return id, nil
}

// AddInstrument registers a new instrument and returns its ID.
func (r *Registry) AddInstrument(name string, venueID VenueID, base, quote AssetID, scale ScaleSpec) (InstrumentID, error) {
	if name == "" {
		return 0, fmt.Errorf("instrument name is empty")
	}
	if _, ok := r.Venue(venueID); !ok {
		return 0, fmt.Errorf("venue id not found: %d", venueID)
	}
	if _, ok := r.Asset(base); !ok {
		return 0, fmt.Errorf("base asset id not found: %d", base)
	}
	if _, ok := r.Asset(quote); !ok {
		return 0, fmt.Errorf("quote asset id not found: %d", quote)
	}
	if id, ok := r.instrByName[name]; ok {
		return id, fmt.Errorf("instrument already exists: %s", name)
	}
	id := InstrumentID(len(r.instruments) + 1)
	r.instruments = append(r.instruments, Instrument{
		ID:    id,
		Venue: venueID,
		Name:  name,
		Base:  base,
		Quote: quote,
		Scale: scale,
	})
	r.instrByName[name] = id
	return id, nil
}

// Venue returns the venue by ID.
func (r *Registry) Venue(id VenueID) (Venue, bool) {
	if id == 0 || int(id) > len(r.venues) {
		return Venue{}, false
	}
	return r.venues[id-1], true
}

// Asset returns the asset by ID.
func (r *Registry) Asset(id AssetID) (Asset, bool) {
	if id == 0 || int(id) > len(r.assets) {
		return Asset{}, false
	}
	return r.assets[id-1], true
}

// Instrument returns the instrument by ID.
func (r *Registry) Instrument(id InstrumentID) (Instrument, bool) {
	if id == 0 || int(id) > len(r.instruments) {
		return Instrument{}, false
	}
	return r.instruments[id-1], true
}

// InstrumentCount returns the number of registered instruments.
func (r *Registry) InstrumentCount() int {
	return len(r.instruments)
}

// InstrumentAt returns the instrument by zero-based index.
func (r *Registry) InstrumentAt(index int) (Instrument, bool) {
	if index < 0 || index >= len(r.instruments) {
		return Instrument{}, false
	}
	return r.instruments[index], true
}

// VenueIDByName returns the venue ID for a name.
func (r *Registry) VenueIDByName(name string) (VenueID, bool) {
	id, ok := r.venueByName[name]
	return id, ok
}

// AssetIDByName returns the asset ID for a name.
func (r *Registry) AssetIDByName(name string) (AssetID, bool) {
	id, ok := r.assetByName[name]
	return id, ok
}

// InstrumentIDByName returns the instrument ID for a name.
func (r *Registry) InstrumentIDByName(name string) (InstrumentID, bool) {
	id, ok := r.instrByName[name]
	return id, ok
}
