package export

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type speedRow struct {
	Hour      int     `csv:"hour" json:"hour"`
	DayOfWeek int     `csv:"day_of_week" json:"day_of_week"`
	AvgSpeed  float64 `csv:"avg_speed_mph" json:"avg_speed_mph"`
}

func TestWriteCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processed", "velocity_q1_2025.csv")
	rows := []speedRow{{Hour: 8, DayOfWeek: 1, AvgSpeed: 7.5}, {Hour: 9, DayOfWeek: 1, AvgSpeed: 6.25}}
	require.NoError(t, WriteCSV(path, rows))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hour,day_of_week,avg_speed_mph\n8,1,7.5\n9,1,6.25\n", string(data))

	back, err := ReadCSV[speedRow](path)
	require.NoError(t, err)
	assert.Equal(t, rows, back)
}

func TestWriteCSV_EmptyWritesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.csv")
	require.NoError(t, WriteCSV[speedRow](path, nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hour,day_of_week,avg_speed_mph\n", string(data))
}

func TestReadCSV_Missing(t *testing.T) {
	_, err := ReadCSV[speedRow](filepath.Join(t.TempDir(), "nope.csv"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "export: read")
}

func TestWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outputs", "report_data.json")
	in := map[string]any{"compliance_rate": 75.0, "rows": []speedRow{{Hour: 1}}}
	require.NoError(t, WriteJSON(path, in))

	var out struct {
		ComplianceRate float64    `json:"compliance_rate"`
		Rows           []speedRow `json:"rows"`
	}
	require.NoError(t, ReadJSON(path, &out))
	assert.Equal(t, 75.0, out.ComplianceRate)
	assert.Len(t, out.Rows, 1)
}

func TestReadTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "velocity_q1_2025.csv")
	require.NoError(t, WriteCSV(path, []speedRow{{Hour: 8, DayOfWeek: 1, AvgSpeed: 7.5}}))

	rows, err := ReadTable(path)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, map[string]string{"hour": "8", "day_of_week": "1", "avg_speed_mph": "7.5"}, rows[0])
}

func TestReadTable_HeaderOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.csv")
	require.NoError(t, WriteCSV[speedRow](path, nil))

	rows, err := ReadTable(path)
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
}
