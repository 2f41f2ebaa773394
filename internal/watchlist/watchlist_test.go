package watchlist

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestModeIncludes(t *testing.T) {
	if !ModeBoth.Includes(RoleOwn) || !ModeBoth.Includes(RoleCompetitor) {
		t.Fatal("mode both should include every role")
	}
	if !ModeOwn.Includes(RoleOwn) || ModeOwn.Includes(RoleCompetitor) {
		t.Fatal("mode own should include own rows only")
	}
	if ModeCompetitor.Includes(RoleOwn) || !ModeCompetitor.Includes(RoleCompetitor) {
		t.Fatal("mode competitor should include competitor rows only")
	}
}

func TestParseModeRejectsUnknown(t *testing.T) {
	if _, err := ParseMode("all"); err == nil {
		t.Fatal("unknown mode should return error")
	}
	m, err := ParseMode("")
	if err != nil || m != ModeBoth {
		t.Fatalf("empty mode should default to both, got %q err=%v", m, err)
	}
}

func TestEntryValidate(t *testing.T) {
	base := Entry{SKU: "ABC123", Channel: "falabella", Role: RoleOwn, URL: "https://x/p/1", Active: true}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid entry should pass: %v", err)
	}

	comp := base
	comp.Role = RoleCompetitor
	if err := comp.Validate(); err == nil {
		t.Fatal("competitor row without competitor_name should fail")
	}
	comp.CompetitorName = "TiendaX"
	if err := comp.Validate(); err != nil {
		t.Fatalf("competitor row with name should pass: %v", err)
	}
}

func TestFilter(t *testing.T) {
	entries := []Entry{
		{SKU: "A", Channel: "falabella", Role: RoleOwn, URL: "u", Active: true},
		{SKU: "A", Channel: "falabella", Role: RoleCompetitor, CompetitorName: "TiendaX", URL: "u", Active: true},
		{SKU: "A", Channel: "ripley", Role: RoleOwn, URL: "u", Active: true},
		{SKU: "B", Channel: "paris", Role: RoleOwn, URL: "u", Active: false},
	}

	got := Filter(entries, nil, ModeBoth)
	if len(got) != 3 {
		t.Fatalf("inactive rows should be dropped, got %d entries", len(got))
	}

	got = Filter(entries, []string{"falabella"}, ModeBoth)
	if len(got) != 2 {
		t.Fatalf("channel filter should keep falabella rows only, got %d", len(got))
	}

	got = Filter(entries, []string{"Falabella", "ripley"}, ModeCompetitor)
	if len(got) != 1 || got[0].CompetitorName != "TiendaX" {
		t.Fatalf("mode competitor should keep the TiendaX row, got %+v", got)
	}
}

func TestChannels(t *testing.T) {
	entries := []Entry{
		{Channel: "ripley"},
		{Channel: "falabella"},
		{Channel: "ripley"},
	}
	got := Channels(entries)
	if len(got) != 2 || got[0] != "falabella" || got[1] != "ripley" {
		t.Fatalf("expected sorted distinct channels, got %v", got)
	}
}

const sampleCSV = `sku,canal,rol,url,competitor_name,frecuencia_minutos,umbral_gap,activo
ABC123,Falabella,own,https://falabella.cl/p/abc123,,30,0.08,si
ABC123,falabella,competitor,https://tiendax.cl/p/abc123,TiendaX,30,,true
DEF456,paris,own,https://paris.cl/p/def456,,,,
DEF456,paris,competitor,https://otra.cl/p/def456,,60,0.10,si
GHI789,ripley,own,https://ripley.cl/p/ghi789,,15,0.05,no
,,bad row without anything,,,,,
`

func writeSample(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "watchlist.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	return path
}

func TestCSVSourceLoad(t *testing.T) {
	src := NewCSVSource(writeSample(t, sampleCSV), noopLogger())
	entries, err := src.LoadWatchlist(context.Background())
	if err != nil {
		t.Fatalf("load should succeed: %v", err)
	}

	// The DEF456 competitor row lacks competitor_name and the junk row has
	// no valid role; both are skipped.
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d: %+v", len(entries), entries)
	}

	first := entries[0]
	if first.Channel != "falabella" {
		t.Fatalf("channel should be lowercased, got %q", first.Channel)
	}
	if first.FrequencyMinutes != 30 {
		t.Fatalf("expected frequency 30, got %d", first.FrequencyMinutes)
	}
	if !first.GapThreshold.Equal(decimal.RequireFromString("0.08")) {
		t.Fatalf("expected threshold 0.08, got %s", first.GapThreshold)
	}
	if !first.Active {
		t.Fatal("activo=si should parse as active")
	}

	second := entries[1]
	if !second.GapThreshold.IsZero() {
		t.Fatalf("missing threshold should stay zero (channel default applies), got %s", second.GapThreshold)
	}

	third := entries[2]
	if third.FrequencyMinutes != defaultFrequencyMinutes {
		t.Fatalf("missing frequency should default to %d, got %d", defaultFrequencyMinutes, third.FrequencyMinutes)
	}
	if !third.Active {
		t.Fatal("missing activo should default to active")
	}

	// Inactive rows are kept at load time so sync can persist the flag;
	// Filter drops them before scheduling.
	inactive := entries[3]
	if inactive.SKU != "GHI789" || inactive.Active {
		t.Fatalf("expected inactive GHI789 as fourth entry, got %+v", inactive)
	}
}

func TestCSVSourceMissingHeader(t *testing.T) {
	src := NewCSVSource(writeSample(t, "sku,canal,rol\nA,b,own\n"), noopLogger())
	if _, err := src.LoadWatchlist(context.Background()); err == nil || !strings.Contains(err.Error(), "url") {
		t.Fatalf("missing url column should fail the load, got %v", err)
	}
}
