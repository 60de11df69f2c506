// Package seed loads gap seeds from collector export files. CSV, XLSX, and
// YAML exports are supported; rows are matched to columns by header name.
package seed

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/sitevault-cli/internal/model"
)

// Options configures seed loading.
type Options struct {
	// RunID, when set, overrides the run_id column for every seed.
	RunID string
	// DefaultMaxAttempts fills seeds whose max_attempts column is absent or
	// zero. Zero leaves the store default in charge.
	DefaultMaxAttempts int
	// SheetName selects the XLSX sheet. Empty means the first sheet.
	SheetName string
}

// Load reads gap seeds from path, dispatching on the file extension.
func Load(path string, opts Options) ([]model.GapSeed, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrap(err, "seed: open csv")
		}
		defer f.Close() //nolint:errcheck
		return loadCSV(f, opts)
	case ".xlsx":
		return loadXLSX(path, opts)
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrap(err, "seed: open yaml")
		}
		defer f.Close() //nolint:errcheck
		return loadYAML(f, opts)
	default:
		return nil, eris.Errorf("seed: unsupported file type %q", filepath.Ext(path))
	}
}

func loadCSV(r io.Reader, opts Options) ([]model.GapSeed, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, eris.Wrap(err, "seed: read csv header")
	}
	cols := headerIndex(header)

	var seeds []model.GapSeed
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "seed: read csv line %d", line+1)
		}
		line++

		s, err := rowToSeed(record, cols, opts)
		if err != nil {
			return nil, eris.Wrapf(err, "seed: csv line %d", line)
		}
		seeds = append(seeds, s)
	}
	return seeds, nil
}

func loadXLSX(path string, opts Options) ([]model.GapSeed, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "seed: open xlsx")
	}

	var sheet *xlsx.Sheet
	if opts.SheetName != "" {
		var ok bool
		sheet, ok = f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("seed: sheet %q not found", opts.SheetName)
		}
	} else {
		if len(f.Sheets) == 0 {
			return nil, eris.New("seed: xlsx file has no sheets")
		}
		sheet = f.Sheets[0]
	}

	if len(sheet.Rows) == 0 {
		return nil, nil
	}

	header := make([]string, len(sheet.Rows[0].Cells))
	for j, cell := range sheet.Rows[0].Cells {
		header[j] = cell.String()
	}
	cols := headerIndex(header)

	var seeds []model.GapSeed
	for i, row := range sheet.Rows[1:] {
		record := make([]string, len(row.Cells))
		empty := true
		for j, cell := range row.Cells {
			record[j] = cell.String()
			if strings.TrimSpace(record[j]) != "" {
				empty = false
			}
		}
		if empty {
			continue
		}

		s, err := rowToSeed(record, cols, opts)
		if err != nil {
			return nil, eris.Wrapf(err, "seed: xlsx row %d", i+2)
		}
		seeds = append(seeds, s)
	}
	return seeds, nil
}

func loadYAML(r io.Reader, opts Options) ([]model.GapSeed, error) {
	var seeds []model.GapSeed
	if err := yaml.NewDecoder(r).Decode(&seeds); err != nil {
		return nil, eris.Wrap(err, "seed: decode yaml")
	}

	for i := range seeds {
		applyOptions(&seeds[i], opts)
		if err := checkSeed(seeds[i]); err != nil {
			return nil, eris.Wrapf(err, "seed: yaml entry %d", i)
		}
	}
	return seeds, nil
}

func headerIndex(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	return cols
}

func rowToSeed(record []string, cols map[string]int, opts Options) (model.GapSeed, error) {
	field := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	s := model.GapSeed{
		RunID:        field("run_id"),
		CompetitorID: field("competitor_id"),
		FieldKey:     field("field_key"),
	}
	if raw := field("max_attempts"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return model.GapSeed{}, eris.Wrapf(err, "bad max_attempts %q", raw)
		}
		s.MaxAttempts = n
	}

	applyOptions(&s, opts)
	if err := checkSeed(s); err != nil {
		return model.GapSeed{}, err
	}
	return s, nil
}

func applyOptions(s *model.GapSeed, opts Options) {
	if opts.RunID != "" {
		s.RunID = opts.RunID
	}
	if s.MaxAttempts == 0 && opts.DefaultMaxAttempts > 0 {
		s.MaxAttempts = opts.DefaultMaxAttempts
	}
}

func checkSeed(s model.GapSeed) error {
	if s.RunID == "" {
		return eris.New("missing run_id")
	}
	if s.CompetitorID == "" {
		return eris.New("missing competitor_id")
	}
	if s.FieldKey == "" {
		return eris.New("missing field_key")
	}
	return nil
}
