// Command migrate upgrades a legacy CompressedLots JSON blob (one lot per
// array element) to the current struct-of-arrays schema (internal/compress).
// Idiom-ported from the teacher's tools/migrate_state.go: flag-driven
// in/out paths, -inplace with a .bak backup, tolerant decoding of optional
// fields.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/chidi150c/swapengine/internal/compress"
	"github.com/chidi150c/swapengine/internal/domain"
)

// legacyLot is one element of the pre-§4.6 aggregate lot array.
type legacyLot struct {
	ID        string          `json:"id"`
	TradeDate time.Time       `json:"tradeDate"`
	Price     decimal.Decimal `json:"price"`
	Qty       decimal.Decimal `json:"qty"`
}

// legacyCompressedLots is the schema version this tool migrates from: a
// single `Lots` array, mirroring the teacher's pre-SideBooks `Lots []*Position`.
type legacyCompressedLots struct {
	PositionKey string      `json:"positionKey"`
	Lots        []legacyLot `json:"lots"`
}

func main() {
	var in, out string
	var inplace bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate a legacy CompressedLots JSON blob to the current schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if in == "" {
				return fmt.Errorf("missing --in <file>")
			}
			if !inplace && out == "" {
				return fmt.Errorf("either specify --out <file> or use --inplace")
			}
			return run(in, out, inplace)
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "path to legacy CompressedLots JSON")
	cmd.Flags().StringVar(&out, "out", "", "path to write migrated JSON (ignored if --inplace)")
	cmd.Flags().BoolVar(&inplace, "inplace", false, "overwrite input file in place (creates .bak)")

	if err := cmd.Execute(); err != nil {
		exitf("%v", err)
	}
}

func run(in, out string, inplace bool) error {
	raw, err := os.ReadFile(in)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	var legacy legacyCompressedLots
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return fmt.Errorf("parse legacy JSON: %w", err)
	}

	migrated := toCurrent(legacy)

	outBytes, err := json.MarshalIndent(migrated, "", " ")
	if err != nil {
		return fmt.Errorf("marshal new JSON: %w", err)
	}

	if inplace {
		backup := in + ".bak"
		if err := copyFile(in, backup); err != nil {
			return fmt.Errorf("create backup: %w", err)
		}
		if err := os.WriteFile(in, outBytes, 0644); err != nil {
			return fmt.Errorf("write new state: %w", err)
		}
		fmt.Printf("Migrated in-place. Backup: %s\n", backup)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return fmt.Errorf("ensure out dir: %w", err)
	}
	if err := os.WriteFile(out, outBytes, 0644); err != nil {
		return fmt.Errorf("write out: %w", err)
	}
	fmt.Printf("Migrated state written to: %s\n", out)
	return nil
}

// toCurrent splits the legacy aggregate lot array into the parallel arrays
// compress.Marshal expects, skipping malformed entries (nil/zero ID) the
// way the teacher's migration skips lots with an unrecognized side.
func toCurrent(legacy legacyCompressedLots) domain.CompressedLots {
	c := domain.CompressedLots{
		IDs:        make([]string, 0, len(legacy.Lots)),
		TradeDates: make([]time.Time, 0, len(legacy.Lots)),
		Prices:     make([]decimal.Decimal, 0, len(legacy.Lots)),
		Qtys:       make([]decimal.Decimal, 0, len(legacy.Lots)),
	}
	for _, l := range legacy.Lots {
		if l.ID == "" {
			continue
		}
		c.IDs = append(c.IDs, l.ID)
		c.TradeDates = append(c.TradeDates, l.TradeDate)
		c.Prices = append(c.Prices, l.Price)
		c.Qtys = append(c.Qtys, l.Qty)
	}
	// Round-trip through compress.Unmarshal/Marshal so the output matches
	// exactly what the running system would itself produce and read back.
	roundTripped, _ := compress.Unmarshal(mustMarshal(c))
	return roundTripped
}

func mustMarshal(c domain.CompressedLots) []byte {
	b, err := compress.Marshal(c)
	if err != nil {
		exitf("marshal compressed lots: %v", err)
	}
	return b
}

func copyFile(src, dst string) error {
	b, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, b, 0644)
}

func exitf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, "migrate: "+format+"\n", a...)
	os.Exit(1)
}
