package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"tao-dividends/internal/domain"
	"tao-dividends/internal/storage"
)

// maxChartSeries bounds the number of pairs drawn on one PNG.
const maxChartSeries = 8

// ExportOptions hold parameters for exporting the dividend query history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	Netuid    *uint16
	Hotkey    string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// Export renders the audited dividend reads as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-7 * 24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	rows, err := store.ListDividendQueries(ctx, from, to, 0)
	if err != nil {
		return err
	}
	rows = filterQueries(rows, opts.Netuid, opts.Hotkey)
	if len(rows) == 0 {
		a.Logger.Info().Msg("no dividend queries found for export window")
		return nil
	}

	downsampled := downsampleQueries(rows, opts.MaxPoints)
	a.Logger.Info().Int("total", len(rows)).Int("exported", len(downsampled)).Msg("exporting dividend queries")

	if opts.CSVPath != "" {
		if err := writeQueriesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeQueriesPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func filterQueries(rows []storage.DividendQueryLog, netuid *uint16, hotkey string) []storage.DividendQueryLog {
	if netuid == nil && hotkey == "" {
		return rows
	}
	out := rows[:0:0]
	for _, row := range rows {
		if netuid != nil && row.SubnetID != *netuid {
			continue
		}
		if hotkey != "" && row.AccountKey != hotkey {
			continue
		}
		out = append(out, row)
	}
	return out
}

func downsampleQueries(rows []storage.DividendQueryLog, max int) []storage.DividendQueryLog {
	if max <= 0 || len(rows) <= max {
		return rows
	}
	if max == 1 {
		return rows[len(rows)-1:]
	}

	result := make([]storage.DividendQueryLog, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func writeQueriesCSV(path string, rows []storage.DividendQueryLog) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"query_time", "netuid", "hotkey", "dividend_rao", "dividend_tao", "cached", "caller"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range rows {
		record := []string{
			row.QueriedAt.UTC().Format(time.RFC3339),
			strconv.FormatUint(uint64(row.SubnetID), 10),
			row.AccountKey,
			strconv.FormatUint(row.Dividend, 10),
			domain.RaoToTao(row.Dividend).String(),
			strconv.FormatBool(row.Cached),
			row.Caller,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// querySeries groups rows per pair, keeping the pairs with the most observations.
func querySeries(rows []storage.DividendQueryLog) []chart.Series {
	byKey := make(map[domain.Key]*chart.TimeSeries)
	for _, row := range rows {
		key := domain.Key{SubnetID: row.SubnetID, AccountKey: row.AccountKey}
		ts, ok := byKey[key]
		if !ok {
			ts = &chart.TimeSeries{Name: key.String()}
			byKey[key] = ts
		}
		ts.XValues = append(ts.XValues, row.QueriedAt)
		ts.YValues = append(ts.YValues, domain.RaoToTao(row.Dividend).InexactFloat64())
	}

	all := make([]*chart.TimeSeries, 0, len(byKey))
	for _, ts := range byKey {
		all = append(all, ts)
	}
	sort.Slice(all, func(i, j int) bool {
		if len(all[i].XValues) != len(all[j].XValues) {
			return len(all[i].XValues) > len(all[j].XValues)
		}
		return all[i].Name < all[j].Name
	})
	if len(all) > maxChartSeries {
		all = all[:maxChartSeries]
	}

	series := make([]chart.Series, 0, len(all))
	for _, ts := range all {
		// go-chart needs two points to draw a line
		if len(ts.XValues) == 1 {
			ts.XValues = append(ts.XValues, ts.XValues[0].Add(time.Second))
			ts.YValues = append(ts.YValues, ts.YValues[0])
		}
		series = append(series, *ts)
	}
	return series
}

func writeQueriesPNG(path string, rows []storage.DividendQueryLog) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	taoFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Dividend (TAO)",
			ValueFormatter: taoFormatter,
		},
		Series: querySeries(rows),
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
