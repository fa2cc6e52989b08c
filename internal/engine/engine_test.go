package engine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/papermarketofficial-creator/paper-market-sub004/internal/config"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

const masterJSON = `[
  {"instrument_key": "NSE_EQ|INE002A01018", "trading_symbol": "RELIANCE", "name": "Reliance Industries", "isin": "INE002A01018", "segment": "NSE_EQ", "exchange": "NSE", "instrument_type": "EQUITY", "tick_size": 0.05, "lot_size": 1, "prev_close": 2950.4},
  {"instrument_key": "NSE_INDEX|Nifty 50", "trading_symbol": "NIFTY 50", "name": "Nifty 50", "segment": "NSE_INDEX", "exchange": "NSE", "instrument_type": "INDEX", "tick_size": 0.05, "lot_size": 1, "prev_close": 24500}
]`

// testEngineConfig runs on library defaults with storage redirected into the
// test's temp dir. Prewarm keys stay empty so New never reaches for the
// network.
func testEngineConfig(t *testing.T, dir, masterFile string) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	cfg.Store.DBPath = filepath.Join(dir, "venue.db")
	cfg.Store.InstrumentsPath = filepath.Join(dir, masterFile)
	return cfg
}

func writeMaster(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write master: %v", err)
	}
}

func TestLoadInstrumentsFromMasterFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeMaster(t, dir, "master.json", masterJSON)

	eng, err := New(testEngineConfig(t, dir, "master.json"), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(eng.Stop)

	eng.loadInstruments()

	if !eng.registry.Ready() {
		t.Fatal("registry.Ready() = false, want true")
	}
	if got := eng.registry.Count(); got != 2 {
		t.Fatalf("registry.Count() = %d, want 2", got)
	}
	inst, err := eng.registry.Resolve("RELIANCE")
	if err != nil {
		t.Fatalf("Resolve(RELIANCE): %v", err)
	}
	if inst.InstrumentKey != "NSE_EQ|INE002A01018" {
		t.Fatalf("resolved key = %q, want NSE_EQ|INE002A01018", inst.InstrumentKey)
	}

	// The refresh mirrors the rows for the next file-less boot.
	mirrored, err := eng.st.LoadInstruments(context.Background())
	if err != nil {
		t.Fatalf("LoadInstruments: %v", err)
	}
	if len(mirrored) != 2 {
		t.Fatalf("mirrored rows = %d, want 2", len(mirrored))
	}
}

func TestBootFallsBackToStoreMirror(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeMaster(t, dir, "master.json", masterJSON)

	first, err := New(testEngineConfig(t, dir, "master.json"), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	first.loadInstruments()
	if !first.registry.Ready() {
		t.Fatal("first boot: registry.Ready() = false, want true")
	}
	first.Stop()

	// Same database, master file gone: the mirror must carry the boot.
	second, err := New(testEngineConfig(t, dir, "gone.json"), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(second.Stop)

	second.loadInstruments()

	if !second.registry.Ready() {
		t.Fatal("second boot: registry.Ready() = false, want true")
	}
	if got := second.registry.Count(); got != 2 {
		t.Fatalf("second boot count = %d, want 2", got)
	}
}

func TestRefreshInstrumentsErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeMaster(t, dir, "master.json", `{"not": "an array"}`)

	eng, err := New(testEngineConfig(t, dir, "master.json"), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(eng.Stop)

	if err := eng.refreshInstruments(context.Background()); err == nil {
		t.Fatal("refreshInstruments with malformed master: err = nil, want error")
	}
	if eng.registry.Ready() {
		t.Fatal("registry.Ready() = true after failed refresh, want false")
	}

	eng.cfg.Store.InstrumentsPath = ""
	if err := eng.refreshInstruments(context.Background()); err == nil {
		t.Fatal("refreshInstruments without a path: err = nil, want error")
	}
}
