package market

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papermarketofficial-creator/paper-market-sub004/pkg/types"
)

// optionKey identifies one contract in an option chain.
type optionKey struct {
	underlying string
	expiry     string // IST date, 2006-01-02
	optType    types.OptionType
	strike     float64
}

// snapshot is one immutable generation of the instrument registry. Refresh
// builds a fresh snapshot and swaps the pointer; readers never block.
type snapshot struct {
	byKey    map[string]types.Instrument
	bySymbol map[string]string // upper(tradingSymbol) -> instrumentKey
	byISIN   map[string]string // ISIN -> instrumentKey
	byOption map[optionKey]string
	loadedAt time.Time
}

// InstrumentStore is the canonical in-memory registry of tradable contracts.
// It resolves symbols and keys, exposes tick size / lot size / expiry, and
// serves the wire-normalization ISIN lookup. Until the first Load it answers
// every lookup with INSTRUMENT_STORE_NOT_READY.
type InstrumentStore struct {
	logger *slog.Logger
	snap   atomic.Pointer[snapshot]
}

// NewInstrumentStore creates an empty, not-yet-ready store.
func NewInstrumentStore(logger *slog.Logger) *InstrumentStore {
	return &InstrumentStore{logger: logger.With("component", "instruments")}
}

// Load replaces the registry with a new generation built from the given
// instruments. Invalid rows (non-positive tick size, zero lot size, empty
// key) are skipped and counted. Tick size and lot size are immutable per
// key: a refresh that tries to change them keeps the original values.
func (s *InstrumentStore) Load(instruments []types.Instrument) error {
	if len(instruments) == 0 {
		return fmt.Errorf("load instruments: empty set")
	}

	prev := s.snap.Load()
	next := &snapshot{
		byKey:    make(map[string]types.Instrument, len(instruments)),
		bySymbol: make(map[string]string, len(instruments)),
		byISIN:   make(map[string]string, len(instruments)),
		byOption: make(map[optionKey]string),
		loadedAt: time.Now(),
	}

	var skipped, pinned int
	for _, inst := range instruments {
		if inst.InstrumentKey == "" || !inst.TickSize.IsPositive() || inst.LotSize < 1 {
			skipped++
			continue
		}
		if prev != nil {
			if old, ok := prev.byKey[inst.InstrumentKey]; ok {
				if !old.TickSize.Equal(inst.TickSize) || old.LotSize != inst.LotSize {
					inst.TickSize = old.TickSize
					inst.LotSize = old.LotSize
					pinned++
				}
			}
		}
		next.byKey[inst.InstrumentKey] = inst
		if inst.TradingSymbol != "" {
			next.bySymbol[strings.ToUpper(inst.TradingSymbol)] = inst.InstrumentKey
		}
		if inst.ISIN != "" {
			next.byISIN[inst.ISIN] = inst.InstrumentKey
		}
		if inst.Type == types.Option && inst.Underlying != "" && !inst.Expiry.IsZero() {
			next.byOption[optionKey{
				underlying: strings.ToUpper(inst.Underlying),
				expiry:     inst.Expiry.In(types.IST).Format("2006-01-02"),
				optType:    inst.OptionType,
				strike:     inst.Strike,
			}] = inst.InstrumentKey
		}
	}

	if len(next.byKey) == 0 {
		return fmt.Errorf("load instruments: all %d rows invalid", len(instruments))
	}

	s.snap.Store(next)
	s.logger.Info("instrument registry loaded",
		"count", len(next.byKey), "skipped", skipped, "pinned", pinned)
	return nil
}

// Ready reports whether the first load has completed.
func (s *InstrumentStore) Ready() bool { return s.snap.Load() != nil }

// ReadyAt returns when the current generation was loaded.
func (s *InstrumentStore) ReadyAt() time.Time {
	if snap := s.snap.Load(); snap != nil {
		return snap.loadedAt
	}
	return time.Time{}
}

// Count returns the number of instruments in the current generation.
func (s *InstrumentStore) Count() int {
	if snap := s.snap.Load(); snap != nil {
		return len(snap.byKey)
	}
	return 0
}

// Get returns the instrument for an exact instrumentKey.
func (s *InstrumentStore) Get(key string) (types.Instrument, error) {
	snap := s.snap.Load()
	if snap == nil {
		return types.Instrument{}, types.E(types.CodeInstrumentStoreNotReady, "instrument registry not loaded yet")
	}
	inst, ok := snap.byKey[key]
	if !ok {
		return types.Instrument{}, types.E(types.CodeInstrumentNotFound, "unknown instrument %q", key)
	}
	return inst, nil
}

// Resolve accepts either an instrumentKey or a trading symbol.
func (s *InstrumentStore) Resolve(symbolOrKey string) (types.Instrument, error) {
	snap := s.snap.Load()
	if snap == nil {
		return types.Instrument{}, types.E(types.CodeInstrumentStoreNotReady, "instrument registry not loaded yet")
	}
	if inst, ok := snap.byKey[symbolOrKey]; ok {
		return inst, nil
	}
	if key, ok := snap.bySymbol[strings.ToUpper(symbolOrKey)]; ok {
		return snap.byKey[key], nil
	}
	return types.Instrument{}, types.E(types.CodeInstrumentNotFound, "unknown instrument %q", symbolOrKey)
}

// ByISIN maps a wire-record ISIN to its instrument.
func (s *InstrumentStore) ByISIN(isin string) (types.Instrument, bool) {
	snap := s.snap.Load()
	if snap == nil {
		return types.Instrument{}, false
	}
	key, ok := snap.byISIN[isin]
	if !ok {
		return types.Instrument{}, false
	}
	return snap.byKey[key], true
}

// Option resolves one option-chain contract.
func (s *InstrumentStore) Option(underlying string, expiry time.Time, optType types.OptionType, strike float64) (types.Instrument, error) {
	snap := s.snap.Load()
	if snap == nil {
		return types.Instrument{}, types.E(types.CodeInstrumentStoreNotReady, "instrument registry not loaded yet")
	}
	key, ok := snap.byOption[optionKey{
		underlying: strings.ToUpper(underlying),
		expiry:     expiry.In(types.IST).Format("2006-01-02"),
		optType:    optType,
		strike:     strike,
	}]
	if !ok {
		return types.Instrument{}, types.E(types.CodeInstrumentNotFound,
			"no %s %s %v option on %q", expiry.Format("2006-01-02"), optType, strike, underlying)
	}
	return snap.byKey[key], nil
}

// Search returns up to limit instruments whose symbol or name contains the
// query, case-insensitively, ordered by trading symbol.
func (s *InstrumentStore) Search(query string, limit int) []types.Instrument {
	snap := s.snap.Load()
	if snap == nil || query == "" || limit <= 0 {
		return nil
	}
	q := strings.ToUpper(query)
	var out []types.Instrument
	for _, inst := range snap.byKey {
		if strings.Contains(strings.ToUpper(inst.TradingSymbol), q) ||
			strings.Contains(strings.ToUpper(inst.Name), q) {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TradingSymbol < out[j].TradingSymbol })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// All returns every instrument in the current generation, unordered.
// Callers must not mutate the returned values' shared fields.
func (s *InstrumentStore) All() []types.Instrument {
	snap := s.snap.Load()
	if snap == nil {
		return nil
	}
	out := make([]types.Instrument, 0, len(snap.byKey))
	for _, inst := range snap.byKey {
		out = append(out, inst)
	}
	return out
}

// masterRecord is one row of the instrument master file.
type masterRecord struct {
	InstrumentKey string  `json:"instrument_key"`
	TradingSymbol string  `json:"trading_symbol"`
	Name          string  `json:"name"`
	ISIN          string  `json:"isin"`
	Underlying    string  `json:"underlying"`
	Segment       string  `json:"segment"`
	Exchange      string  `json:"exchange"`
	Type          string  `json:"instrument_type"`
	OptionType    string  `json:"option_type"`
	Strike        float64 `json:"strike"`
	Expiry        string  `json:"expiry"` // 2006-01-02, IST
	TickSize      float64 `json:"tick_size"`
	LotSize       int64   `json:"lot_size"`
	PrevClose     float64 `json:"prev_close"`
}

// ParseMaster decodes an instrument master JSON document (an array of
// records) into instruments. Rows with an unparseable expiry are returned
// with a zero expiry rather than dropped; Load applies validity rules.
func ParseMaster(data []byte) ([]types.Instrument, error) {
	var records []masterRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse instrument master: %w", err)
	}
	out := make([]types.Instrument, 0, len(records))
	for _, r := range records {
		inst := types.Instrument{
			InstrumentKey: r.InstrumentKey,
			TradingSymbol: r.TradingSymbol,
			Name:          r.Name,
			ISIN:          r.ISIN,
			Underlying:    r.Underlying,
			Segment:       r.Segment,
			Exchange:      r.Exchange,
			Type:          types.InstrumentType(strings.ToUpper(r.Type)),
			OptionType:    types.OptionType(strings.ToUpper(r.OptionType)),
			Strike:        r.Strike,
			TickSize:      decimal.NewFromFloat(r.TickSize),
			LotSize:       r.LotSize,
			PrevClose:     r.PrevClose,
		}
		if r.Expiry != "" {
			if exp, err := time.ParseInLocation("2006-01-02", r.Expiry, types.IST); err == nil {
				inst.Expiry = exp
			}
		}
		out = append(out, inst)
	}
	return out, nil
}
