package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"splatsync/internal/domain"
)

// Exporter writes raw record dumps to disk and replays them back through the
// upload engine. The on-disk format is the vendor's own JSON, untouched, so
// dumps stay useful to other tooling.
type Exporter struct {
	fetcher *Fetcher
	syncer  *Syncer
	logger  zerolog.Logger

	out io.Writer
}

func NewExporter(fetcher *Fetcher, syncer *Syncer, logger zerolog.Logger) *Exporter {
	return &Exporter{fetcher: fetcher, syncer: syncer, logger: logger, out: os.Stdout}
}

// SetOutput redirects operator-facing messages. Used by tests.
func (e *Exporter) SetOutput(out io.Writer) { e.out = out }

// Export dumps the overview screens and full record details into a fresh
// export-<unix> directory and returns its path.
func (e *Exporter) Export(ctx context.Context, which domain.Selection) (string, error) {
	dir := fmt.Sprintf("export-%d", time.Now().Unix())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	fmt.Fprintf(e.out, "Fetching your %s and writing %s/...\n", domain.Noun(which), dir)

	overview, err := e.fetcher.Overviews(ctx, which, ScopeSpecific)
	if err != nil {
		return "", err
	}
	if err := writeJSONFile(filepath.Join(dir, "overview.json"), overview); err != nil {
		return "", err
	}

	battles, jobs, err := e.fetcher.ListIDs(ctx, which, ScopeSpecific)
	if err != nil {
		return "", err
	}

	if which != domain.SelectJobs {
		records, err := e.fetcher.FetchBattles(ctx, battles)
		if err != nil {
			return "", err
		}
		raws := make([]json.RawMessage, 0, len(records))
		for _, rec := range records {
			raws = append(raws, rec.Raw)
		}
		if err := writeJSONFile(filepath.Join(dir, "results.json"), raws); err != nil {
			return "", err
		}
	}
	if which != domain.SelectBattles {
		records, err := e.fetcher.FetchJobs(ctx, jobs)
		if err != nil {
			return "", err
		}
		raws := make([]json.RawMessage, 0, len(records))
		for _, rec := range records {
			raws = append(raws, rec.Raw)
		}
		if err := writeJSONFile(filepath.Join(dir, "coop_results.json"), raws); err != nil {
			return "", err
		}
	}

	fmt.Fprintf(e.out, "Created %s/ with your %s.\n", dir, domain.Noun(which))
	return dir, nil
}

// Import replays a results dump through the usual dedup-gated upload path,
// using the dumped overview screens for ranked-series reconciliation.
func (e *Exporter) Import(ctx context.Context, resultsPath, overviewPath string, opts TranscodeOptions) error {
	records, err := readResults(resultsPath)
	if err != nil {
		return err
	}
	overview, err := readScreens(overviewPath)
	if err != nil {
		return err
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Detail.PlayedTime < records[j].Detail.PlayedTime
	})

	fmt.Fprintf(e.out, "Checking %d battles from %s...\n", len(records), resultsPath)
	uploaded, err := e.syncer.Uploaded(ctx)
	if err != nil {
		return err
	}
	return e.syncer.SyncBattles(ctx, records, overview, opts, uploaded)
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// readResults loads a results dump, accepting either bare details or the
// query-response envelopes older dumps carry.
func readResults(path string) ([]domain.BattleRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("malformed results file %s: %w", path, err)
	}

	records := make([]domain.BattleRecord, 0, len(raws))
	for _, raw := range raws {
		var envelope struct {
			Data struct {
				VsHistoryDetail json.RawMessage `json:"vsHistoryDetail"`
			} `json:"data"`
		}
		detail := raw
		if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Data.VsHistoryDetail) > 0 {
			detail = envelope.Data.VsHistoryDetail
		}

		var parsed domain.VsHistoryDetail
		if err := json.Unmarshal(detail, &parsed); err != nil {
			return nil, fmt.Errorf("malformed battle in %s: %w", path, err)
		}
		records = append(records, domain.BattleRecord{Detail: parsed, Raw: detail})
	}
	return records, nil
}

func readScreens(path string) ([]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var screens []json.RawMessage
	if err := json.Unmarshal(data, &screens); err != nil {
		return nil, fmt.Errorf("malformed overview file %s: %w", path, err)
	}
	return screens, nil
}
