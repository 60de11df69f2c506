package seed

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/sitevault-cli/internal/model"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadCSV(t *testing.T) {
	path := writeFile(t, "gaps.csv", `run_id,competitor_id,field_key,max_attempts
run-1,comp-1,rate_10x10,5
run-1,comp-2,gate_hours,
`)

	seeds, err := Load(path, Options{})
	require.NoError(t, err)
	require.Len(t, seeds, 2)

	assert.Equal(t, model.GapSeed{RunID: "run-1", CompetitorID: "comp-1", FieldKey: "rate_10x10", MaxAttempts: 5}, seeds[0])
	assert.Equal(t, model.GapSeed{RunID: "run-1", CompetitorID: "comp-2", FieldKey: "gate_hours"}, seeds[1])
}

func TestLoadCSVColumnOrderIrrelevant(t *testing.T) {
	path := writeFile(t, "gaps.csv", `field_key,run_id,competitor_id
rate_10x10,run-1,comp-1
`)

	seeds, err := Load(path, Options{})
	require.NoError(t, err)
	require.Len(t, seeds, 1)
	assert.Equal(t, "comp-1", seeds[0].CompetitorID)
	assert.Equal(t, "rate_10x10", seeds[0].FieldKey)
}

func TestLoadCSVRunIDOverride(t *testing.T) {
	path := writeFile(t, "gaps.csv", `run_id,competitor_id,field_key
run-old,comp-1,rate_10x10
`)

	seeds, err := Load(path, Options{RunID: "run-new", DefaultMaxAttempts: 4})
	require.NoError(t, err)
	require.Len(t, seeds, 1)
	assert.Equal(t, "run-new", seeds[0].RunID)
	assert.Equal(t, 4, seeds[0].MaxAttempts)
}

func TestLoadCSVMissingColumns(t *testing.T) {
	path := writeFile(t, "gaps.csv", `run_id,competitor_id
run-1,comp-1
`)

	_, err := Load(path, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing field_key")
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "gaps.yaml", `
- run_id: run-1
  competitor_id: comp-1
  field_key: rate_10x10
  max_attempts: 2
- run_id: run-1
  competitor_id: comp-1
  field_key: rate_5x5
`)

	seeds, err := Load(path, Options{})
	require.NoError(t, err)
	require.Len(t, seeds, 2)
	assert.Equal(t, 2, seeds[0].MaxAttempts)
	assert.Zero(t, seeds[1].MaxAttempts)
}

func TestLoadXLSX(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gaps.xlsx")

	f := xlsx.NewFile()
	sheet, err := f.AddSheet("gaps")
	require.NoError(t, err)
	for _, row := range [][]string{
		{"run_id", "competitor_id", "field_key", "max_attempts"},
		{"run-1", "comp-1", "rate_10x10", "3"},
		{"run-1", "comp-2", "gate_hours", ""},
	} {
		r := sheet.AddRow()
		for _, cell := range row {
			r.AddCell().SetString(cell)
		}
	}
	require.NoError(t, f.Save(path))

	seeds, err := Load(path, Options{})
	require.NoError(t, err)
	require.Len(t, seeds, 2)
	assert.Equal(t, "comp-2", seeds[1].CompetitorID)
	assert.Equal(t, 3, seeds[0].MaxAttempts)
}

func TestLoadUnsupportedExtension(t *testing.T) {
	path := writeFile(t, "gaps.txt", "whatever")
	_, err := Load(path, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported file type")
}
