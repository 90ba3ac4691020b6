package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"splatsync/internal/api"
	"splatsync/internal/config"
	"splatsync/internal/constants"
	"splatsync/internal/domain"
)

// Scope selects history breadth: Latest is the single merged recent-50
// list; Specific issues one query per sub-category (up to 50 each) and
// needs a client-side merge afterwards.
type Scope int

const (
	ScopeLatest Scope = iota
	ScopeSpecific
)

// battleHistoryKeys are the response keys a history-list query may answer
// under, mapped from the query that produces them.
var battleHistoryKeys = map[string]string{
	"LatestBattleHistoriesQuery":  "latestBattleHistories",
	"RegularBattleHistoriesQuery": "regularBattleHistories",
	"BankaraBattleHistoriesQuery": "bankaraBattleHistories",
	"XBattleHistoriesQuery":       "xBattleHistories",
	"PrivateBattleHistoriesQuery": "privateBattleHistories",
	"CoopHistoryQuery":            "coopResult",
}

type historyScreen struct {
	HistoryGroups struct {
		Nodes []domain.HistoryGroup `json:"nodes"`
	} `json:"historyGroups"`
}

// Fetcher lists record identifiers and fans out detail fetches through a
// bounded worker pool. It never refreshes tokens itself: refresh happens as
// a pre-step before a batch, never concurrently with one.
type Fetcher struct {
	splatnet *api.SplatNetClient
	store    *config.Store
	logger   zerolog.Logger
}

func NewFetcher(splatnet *api.SplatNetClient, store *config.Store, logger zerolog.Logger) *Fetcher {
	return &Fetcher{splatnet: splatnet, store: store, logger: logger}
}

func (f *Fetcher) battleQueries(scope Scope) []string {
	if scope == ScopeLatest {
		return []string{"LatestBattleHistoriesQuery"}
	}
	queries := []string{
		"RegularBattleHistoriesQuery",
		"BankaraBattleHistoriesQuery",
		"XBattleHistoriesQuery",
	}
	if !f.store.FlagEnabled("ignore_private") {
		queries = append(queries, "PrivateBattleHistoriesQuery")
	}
	return queries
}

// ListIDs returns battle and job identifiers in the vendor's newest-first
// order, merged across sub-categories when scope is Specific.
func (f *Fetcher) ListIDs(ctx context.Context, which domain.Selection, scope Scope) (battles, jobs []string, err error) {
	if which != domain.SelectJobs {
		for _, query := range f.battleQueries(scope) {
			ids, err := f.listOne(ctx, query)
			if err != nil {
				return nil, nil, err
			}
			battles = append(battles, ids...)
		}
	}
	if which != domain.SelectBattles {
		ids, err := f.listOne(ctx, "CoopHistoryQuery")
		if err != nil {
			return nil, nil, err
		}
		jobs = append(jobs, ids...)
	}
	return battles, jobs, nil
}

// Overviews returns the raw history-list responses (the "overview" screens)
// for export and for ranked-series reconciliation.
func (f *Fetcher) Overviews(ctx context.Context, which domain.Selection, scope Scope) ([]json.RawMessage, error) {
	var queries []string
	if which != domain.SelectJobs {
		queries = f.battleQueries(scope)
	}
	if which != domain.SelectBattles {
		queries = append(queries, "CoopHistoryQuery")
	}

	screens := make([]json.RawMessage, 0, len(queries))
	for _, query := range queries {
		raw, status, err := f.splatnet.Query(ctx, query, "", nil)
		if err != nil {
			return nil, err
		}
		if status != 200 {
			return nil, fmt.Errorf("query %s returned %d: %s", query, status, raw)
		}
		screens = append(screens, raw)
	}
	return screens, nil
}

// RankedOverview fetches the ranked history screen on demand. The merged
// latest screen carries no udemae or series progress, so uploads of ranked
// battles found there need this extra query.
func (f *Fetcher) RankedOverview(ctx context.Context) (json.RawMessage, error) {
	raw, status, err := f.splatnet.Query(ctx, "BankaraBattleHistoriesQuery", "", nil)
	if err != nil {
		return nil, err
	}
	if status != 200 {
		return nil, fmt.Errorf("query BankaraBattleHistoriesQuery returned %d: %s", status, raw)
	}
	return raw, nil
}

func (f *Fetcher) listOne(ctx context.Context, query string) ([]string, error) {
	raw, status, err := f.splatnet.Query(ctx, query, "", nil)
	if err != nil {
		return nil, err
	}
	if status != 200 {
		return nil, fmt.Errorf("query %s returned %d: %s", query, status, raw)
	}
	return extractIDs(raw, battleHistoryKeys[query])
}

func extractIDs(raw []byte, key string) ([]string, error) {
	var envelope struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("malformed history response: %w", err)
	}
	screenRaw, ok := envelope.Data[key]
	if !ok {
		return nil, fmt.Errorf("history response missing %q", key)
	}
	var screen historyScreen
	if err := json.Unmarshal(screenRaw, &screen); err != nil {
		return nil, fmt.Errorf("malformed history screen: %w", err)
	}

	var ids []string
	for _, group := range screen.HistoryGroups.Nodes {
		for _, entry := range group.HistoryDetails.Nodes {
			ids = append(ids, entry.ID)
		}
	}
	return ids, nil
}

// FetchBattles resolves identifiers to full battle records through a pool
// of DetailFetchWorkers. Null payloads (records aged out of the vendor's
// retention window) are filtered silently; results are re-sorted oldest
// first so completion order never leaks downstream.
func (f *Fetcher) FetchBattles(ctx context.Context, ids []string) ([]domain.BattleRecord, error) {
	var mu sync.Mutex
	records := make([]domain.BattleRecord, 0, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(constants.DetailFetchWorkers)
	for _, id := range ids {
		g.Go(func() error {
			rec, ok, err := f.FetchBattle(gctx, id)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			mu.Lock()
			records = append(records, rec)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sortBattles(records)
	return records, nil
}

// FetchBattle resolves a single battle identifier. ok is false when the
// vendor returned a null detail.
func (f *Fetcher) FetchBattle(ctx context.Context, id string) (domain.BattleRecord, bool, error) {
	raw, status, err := f.splatnet.Query(ctx, "VsHistoryDetailQuery", "vsResultId", id)
	if err != nil {
		return domain.BattleRecord{}, false, err
	}
	if status != 200 {
		return domain.BattleRecord{}, false, fmt.Errorf("detail query returned %d: %s", status, raw)
	}

	var envelope struct {
		Data struct {
			VsHistoryDetail json.RawMessage `json:"vsHistoryDetail"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return domain.BattleRecord{}, false, fmt.Errorf("malformed detail response: %w", err)
	}
	if len(envelope.Data.VsHistoryDetail) == 0 || string(envelope.Data.VsHistoryDetail) == "null" {
		return domain.BattleRecord{}, false, nil
	}

	var detail domain.VsHistoryDetail
	if err := json.Unmarshal(envelope.Data.VsHistoryDetail, &detail); err != nil {
		return domain.BattleRecord{}, false, fmt.Errorf("malformed battle detail: %w", err)
	}
	return domain.BattleRecord{Detail: detail, Raw: envelope.Data.VsHistoryDetail}, true, nil
}

// FetchJobs resolves job identifiers the same way FetchBattles does.
func (f *Fetcher) FetchJobs(ctx context.Context, ids []string) ([]domain.JobRecord, error) {
	var mu sync.Mutex
	records := make([]domain.JobRecord, 0, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(constants.DetailFetchWorkers)
	for _, id := range ids {
		g.Go(func() error {
			rec, ok, err := f.FetchJob(gctx, id)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			mu.Lock()
			records = append(records, rec)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Detail.PlayedTime < records[j].Detail.PlayedTime
	})
	return records, nil
}

// FetchJob resolves a single job identifier.
func (f *Fetcher) FetchJob(ctx context.Context, id string) (domain.JobRecord, bool, error) {
	raw, status, err := f.splatnet.Query(ctx, "CoopHistoryDetailQuery", "coopHistoryDetailId", id)
	if err != nil {
		return domain.JobRecord{}, false, err
	}
	if status != 200 {
		return domain.JobRecord{}, false, fmt.Errorf("detail query returned %d: %s", status, raw)
	}

	var envelope struct {
		Data struct {
			CoopHistoryDetail json.RawMessage `json:"coopHistoryDetail"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return domain.JobRecord{}, false, fmt.Errorf("malformed detail response: %w", err)
	}
	if len(envelope.Data.CoopHistoryDetail) == 0 || string(envelope.Data.CoopHistoryDetail) == "null" {
		return domain.JobRecord{}, false, nil
	}

	var detail domain.CoopHistoryDetail
	if err := json.Unmarshal(envelope.Data.CoopHistoryDetail, &detail); err != nil {
		return domain.JobRecord{}, false, fmt.Errorf("malformed job detail: %w", err)
	}
	return domain.JobRecord{Detail: detail, Raw: envelope.Data.CoopHistoryDetail}, true, nil
}

// hasRanked reports whether any record in the batch needs the ranked
// overview screen for transcoding.
func hasRanked(records []domain.BattleRecord) bool {
	for _, rec := range records {
		switch rec.Detail.Kind() {
		case domain.KindRankedOpen, domain.KindRankedSeries:
			return true
		}
	}
	return false
}

func sortBattles(records []domain.BattleRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Detail.PlayedTime < records[j].Detail.PlayedTime
	})
}
