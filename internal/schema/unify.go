package schema

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/congestion-audit/internal/trip"
	"github.com/sells-group/congestion-audit/internal/warehouse"
)

// Source is one monthly raw trip file.
type Source struct {
	Path    string       `json:"path"`
	Program trip.Program `json:"program"`
	Year    int          `json:"year"`
	Month   int          `json:"month"`
}

// Period returns the YYYY-MM label of the source.
func (s Source) Period() string { return fmt.Sprintf("%04d-%02d", s.Year, s.Month) }

var sourceName = regexp.MustCompile(`^(yellow|green)_tripdata_(\d{4})-(\d{2})\.parquet$`)

// ParseSourceName extracts program and period from a TLC file name.
func ParseSourceName(path string) (Source, error) {
	m := sourceName.FindStringSubmatch(strings.ToLower(filepath.Base(path)))
	if m == nil {
		return Source{}, eris.Errorf("schema: %s does not match <program>_tripdata_YYYY-MM.parquet", filepath.Base(path))
	}
	prog, err := trip.ParseProgram(m[1])
	if err != nil {
		return Source{}, err
	}
	year, _ := strconv.Atoi(m[2])
	month, _ := strconv.Atoi(m[3])
	if month < 1 || month > 12 {
		return Source{}, eris.Errorf("schema: %s has invalid month %02d", filepath.Base(path), month)
	}
	return Source{Path: path, Program: prog, Year: year, Month: month}, nil
}

// Discover lists the Parquet sources under rawDir, ordered by program then
// period. Parquet files with unrecognized names are skipped.
func Discover(rawDir string) ([]Source, error) {
	entries, err := os.ReadDir(rawDir)
	if err != nil {
		return nil, eris.Wrapf(err, "schema: read raw dir %s", rawDir)
	}
	log := zap.L().With(zap.String("component", "schema"))

	var out []Source
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".parquet") {
			continue
		}
		src, err := ParseSourceName(filepath.Join(rawDir, e.Name()))
		if err != nil {
			log.Warn("skipping unrecognized parquet file", zap.String("file", e.Name()))
			continue
		}
		out = append(out, src)
	}
	slices.SortFunc(out, func(a, b Source) int {
		if c := strings.Compare(string(a.Program), string(b.Program)); c != 0 {
			return c
		}
		if a.Year != b.Year {
			return a.Year - b.Year
		}
		return a.Month - b.Month
	})
	return out, nil
}

// Validate probes a source's columns and resolves them against its program's
// field map. Column names match case-insensitively.
func Validate(ctx context.Context, q warehouse.Querier, src Source) (Plan, error) {
	fm, ok := FieldMapFor(src.Program)
	if !ok {
		return Plan{}, eris.Errorf("schema: no field map for program %q", src.Program)
	}
	cols, err := warehouse.Describe(ctx, q, warehouse.ReadParquet(src.Path))
	if err != nil {
		return Plan{}, eris.Wrapf(err, "schema: probe %s", src.Path)
	}
	present := make(map[string]string, len(cols))
	for _, c := range cols {
		present[strings.ToLower(c.Name)] = c.Name
	}

	plan := Plan{Source: src, Columns: make(map[string]string, len(fm))}
	var missing []string
	for _, f := range fm {
		raw, ok := present[strings.ToLower(f.Raw)]
		switch {
		case ok:
			plan.Columns[f.Canonical] = raw
		case f.Required:
			missing = append(missing, f.Raw)
		}
	}
	if len(missing) > 0 {
		return Plan{}, &MismatchError{Path: src.Path, Program: src.Program, Missing: missing}
	}
	return plan, nil
}

// ValidateAll probes every source concurrently with at most workers probes in
// flight. Plans are returned in input order; the first failure aborts the rest.
func ValidateAll(ctx context.Context, q warehouse.Querier, sources []Source, workers int) ([]Plan, error) {
	if workers < 1 {
		workers = 1
	}
	plans := make([]Plan, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, src := range sources {
		g.Go(func() error {
			p, err := Validate(gctx, q, src)
			if err != nil {
				return err
			}
			plans[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return plans, nil
}

// Unify publishes the unified_trips view as a UNION ALL of every plan.
// Duplicates across sources are preserved.
func Unify(ctx context.Context, wh *warehouse.Warehouse, plans []Plan) error {
	if len(plans) == 0 {
		return eris.New("schema: no sources to unify")
	}
	selects := make([]string, len(plans))
	for i, p := range plans {
		selects[i] = SelectSQL(p)
	}
	if err := wh.CreateView(ctx, UnifiedView, strings.Join(selects, "\nUNION ALL\n")); err != nil {
		return eris.Wrap(err, "schema: unify")
	}
	zap.L().With(zap.String("component", "schema")).Info("unified view created",
		zap.Int("sources", len(plans)))
	return nil
}

// MissingMonths returns, per program, the expected months of year that have
// no source file. Programs with nothing missing are omitted.
func MissingMonths(sources []Source, year int, expected []int) map[trip.Program][]int {
	have := make(map[trip.Program]map[int]bool)
	for _, s := range sources {
		if s.Year != year {
			continue
		}
		if have[s.Program] == nil {
			have[s.Program] = make(map[int]bool)
		}
		have[s.Program][s.Month] = true
	}
	out := make(map[trip.Program][]int)
	for _, p := range trip.Programs {
		for _, m := range expected {
			if !have[p][m] {
				out[p] = append(out[p], m)
			}
		}
	}
	return out
}
