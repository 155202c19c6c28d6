// Package registry implements the Instrument Registry (spec §4.2): the
// read-only set of tradable instruments with their per-instrument
// buy-limit percent, and the blacklist of prohibited base currencies.
package registry

import (
	"fmt"
	"os"
	"sync"
	"time"

	"hourbuy/internal/core"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// instrumentFile is the on-disk shape of the instrument-limits source
// (spec §6's "read-only table or file mapping instId → limit_percent").
type instrumentFile struct {
	Instruments []struct {
		Symbol       string  `yaml:"symbol"`
		LimitPercent float64 `yaml:"limit_percent"`
	} `yaml:"instruments"`
}

type blacklistFile struct {
	Blacklist []string `yaml:"blacklist"`
}

// Registry is the in-memory snapshot of tradable instruments, guarded by
// a single RWMutex the way spec §5 describes the rest of the engine's
// shared state.
type Registry struct {
	mu          sync.RWMutex
	instruments map[string]core.Instrument
	blacklist   map[string]struct{}

	addedHooks   []func(core.Instrument)
	removedHooks []func(string)

	limitsPath    string
	blacklistPath string
	logger        core.ILogger
}

// New builds an empty Registry; call Load to populate it.
func New(limitsPath, blacklistPath string, logger core.ILogger) *Registry {
	return &Registry{
		instruments:   make(map[string]core.Instrument),
		blacklist:     make(map[string]struct{}),
		limitsPath:    limitsPath,
		blacklistPath: blacklistPath,
		logger:        logger.WithField("component", "instrument_registry"),
	}
}

// Load reads the instrument-limits file and the blacklist file (if
// configured), diffing against the current snapshot and firing
// OnAdded/OnRemoved hooks for the delta (spec §4.2).
func (r *Registry) Load() error {
	next, err := loadInstrumentFile(r.limitsPath)
	if err != nil {
		return fmt.Errorf("registry: load instruments: %w", err)
	}

	var blacklist map[string]struct{}
	if r.blacklistPath != "" {
		blacklist, err = loadBlacklistFile(r.blacklistPath)
		if err != nil {
			return fmt.Errorf("registry: load blacklist: %w", err)
		}
	} else {
		blacklist = make(map[string]struct{})
	}

	r.mu.Lock()
	prev := r.instruments
	r.instruments = next
	r.blacklist = blacklist
	addedHooks := append([]func(core.Instrument){}, r.addedHooks...)
	removedHooks := append([]func(string){}, r.removedHooks...)
	r.mu.Unlock()

	for symbol, inst := range next {
		if _, existed := prev[symbol]; !existed {
			for _, fn := range addedHooks {
				fn(inst)
			}
		}
	}
	for symbol := range prev {
		if _, stillPresent := next[symbol]; !stillPresent {
			for _, fn := range removedHooks {
				fn(symbol)
			}
		}
	}
	return nil
}

func loadInstrumentFile(path string) (map[string]core.Instrument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var parsed instrumentFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	out := make(map[string]core.Instrument, len(parsed.Instruments))
	for _, e := range parsed.Instruments {
		out[e.Symbol] = core.Instrument{
			Symbol:       e.Symbol,
			LimitPercent: decimal.NewFromFloat(e.LimitPercent),
		}
	}
	return out, nil
}

func loadBlacklistFile(path string) (map[string]struct{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var parsed blacklistFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(parsed.Blacklist))
	for _, b := range parsed.Blacklist {
		out[b] = struct{}{}
	}
	return out, nil
}

// Snapshot returns the current instrument set. The slice is a fresh copy;
// callers may range over it without holding any lock.
func (r *Registry) Snapshot() []core.Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Instrument, 0, len(r.instruments))
	for _, inst := range r.instruments {
		out = append(out, inst)
	}
	return out
}

func (r *Registry) Get(symbol string) (core.Instrument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instruments[symbol]
	return inst, ok
}

func (r *Registry) IsBlacklisted(baseAsset string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.blacklist[baseAsset]
	return ok
}

// SetPrecision caches exchange-reported precision for symbol with an
// expiry (spec §3: "cached per symbol with a long TTL"), called by
// whatever component first fetches it from the gateway.
func (r *Registry) SetPrecision(symbol string, p core.InstrumentPrecision, expiresAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instruments[symbol]
	if !ok {
		return
	}
	inst.TickSize = p.TickSize
	inst.LotSize = p.LotSize
	inst.MinSize = p.MinSize
	inst.PrecisionTTL = expiresAt
	r.instruments[symbol] = inst
}

func (r *Registry) OnAdded(fn func(core.Instrument)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addedHooks = append(r.addedHooks, fn)
}

func (r *Registry) OnRemoved(fn func(string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removedHooks = append(r.removedHooks, fn)
}
