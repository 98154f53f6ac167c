// Package export writes the chart-ready tables and the report document.
package export

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
)

// WriteCSV writes rows to path with a header taken from T's csv tags. An
// empty slice still produces the header line.
func WriteCSV[T any](path string, rows []T) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrapf(err, "export: create dir for %s", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "export: create %s", path)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = eris.Wrapf(cerr, "export: close %s", path)
		}
	}()

	w := csv.NewWriter(f)
	enc := csvutil.NewEncoder(w)
	if len(rows) == 0 {
		var zero T
		err = enc.EncodeHeader(zero)
	} else {
		err = enc.Encode(rows)
	}
	if err != nil {
		return eris.Wrapf(err, "export: encode %s", path)
	}
	w.Flush()
	return eris.Wrapf(w.Error(), "export: flush %s", path)
}

// ReadCSV decodes a file written by WriteCSV.
func ReadCSV[T any](path string) ([]T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "export: read %s", path)
	}
	var rows []T
	if err := csvutil.Unmarshal(data, &rows); err != nil {
		return nil, eris.Wrapf(err, "export: decode %s", path)
	}
	return rows, nil
}

// WriteJSON writes v as indented JSON.
func WriteJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrapf(err, "export: create dir for %s", path)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrapf(err, "export: marshal %s", path)
	}
	return eris.Wrapf(os.WriteFile(path, append(data, '\n'), 0o644), "export: write %s", path)
}

// ReadJSON decodes a file written by WriteJSON into v.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrapf(err, "export: read %s", path)
	}
	return eris.Wrapf(json.Unmarshal(data, v), "export: decode %s", path)
}

// ReadTable decodes any CSV with a header row into one map per record,
// keyed by column name.
func ReadTable(path string) ([]map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "export: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, eris.Wrapf(err, "export: parse %s", path)
	}
	out := make([]map[string]string, 0, max(len(records)-1, 0))
	if len(records) == 0 {
		return out, nil
	}
	header := records[0]
	for _, rec := range records[1:] {
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		out = append(out, row)
	}
	return out, nil
}
