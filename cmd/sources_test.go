package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/congestion-audit/internal/schema"
	"github.com/sells-group/congestion-audit/internal/trip"
)

func TestFormatSources(t *testing.T) {
	sources := []schema.Source{
		{Path: "data/raw/green_tripdata_2025-01.parquet", Program: trip.Green, Year: 2025, Month: 1},
		{Path: "data/raw/yellow_tripdata_2025-01.parquet", Program: trip.Yellow, Year: 2025, Month: 1},
	}
	missing := schema.MissingMonths(sources, 2025, []int{1, 2})

	var buf bytes.Buffer
	formatSources(&buf, sources, missing, 2025)

	out := buf.String()
	assert.Contains(t, out, "PROGRAM")
	assert.Contains(t, out, "2025-01")
	assert.Contains(t, out, "green_tripdata_2025-01.parquet")
	assert.Contains(t, out, "missing yellow 2025 months: [2]")
	assert.Contains(t, out, "missing green 2025 months: [2]")
}

func TestFormatSources_Empty(t *testing.T) {
	var buf bytes.Buffer
	formatSources(&buf, nil, nil, 2025)
	assert.Contains(t, buf.String(), "No raw trip files found.")
}
