package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"splatsync/internal/api"
	"splatsync/internal/config"
	"splatsync/internal/constants"
	"splatsync/internal/domain"
)

// UploadOutcome classifies one accepted upload.
type UploadOutcome int

const (
	// OutcomeCreated means the service stored a new record.
	OutcomeCreated UploadOutcome = iota
	// OutcomeDuplicate means the service answered with an existing record:
	// status 201 but a created_at older than the upload leeway.
	OutcomeDuplicate
)

// Syncer is the upload engine: it decides what needs uploading against the
// service's dedup-key list and pushes records oldest first.
type Syncer struct {
	statink    *api.StatInkClient
	fetcher    *Fetcher
	transcoder *Transcoder
	store      *config.Store
	logger     zerolog.Logger

	out io.Writer
	now func() time.Time
}

func NewSyncer(statink *api.StatInkClient, fetcher *Fetcher, transcoder *Transcoder, store *config.Store, logger zerolog.Logger) *Syncer {
	return &Syncer{
		statink:    statink,
		fetcher:    fetcher,
		transcoder: transcoder,
		store:      store,
		logger:     logger,
		out:        os.Stdout,
		now:        time.Now,
	}
}

// SetOutput redirects operator-facing messages. Used by tests.
func (s *Syncer) SetOutput(out io.Writer) { s.out = out }

// SetClock overrides the duplicate-detection clock. Used by tests.
func (s *Syncer) SetClock(now func() time.Time) { s.now = now }

// Uploaded fetches the service-side dedup-key list once; callers hold the
// returned set for the whole sync session.
func (s *Syncer) Uploaded(ctx context.Context) (map[string]bool, error) {
	list, err := s.statink.UUIDList(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(list))
	for _, key := range list {
		set[key] = true
	}
	return set, nil
}

// ShouldSkip reports whether a record's dedup keys mark it as already
// uploaded. A hit on the current key scheme always skips; a hit on the
// legacy scheme alone skips unless force_uploads overrides it.
func (s *Syncer) ShouldSkip(id string, cat domain.Category, uploaded map[string]bool) (bool, error) {
	decoded, err := domain.DecodeID(id)
	if err != nil {
		return false, err
	}
	for _, key := range domain.DedupKeys(decoded, cat) {
		if !uploaded[key.Value] {
			continue
		}
		if key.Scheme == "old" && s.store.FlagEnabled("force_uploads") {
			continue
		}
		return true, nil
	}
	return false, nil
}

// SyncBattles transcodes and uploads the given records, oldest first,
// skipping anything the dedup list already covers. Per-record upload
// failures are reported and do not abort the batch.
func (s *Syncer) SyncBattles(ctx context.Context, records []domain.BattleRecord, overview []json.RawMessage, opts TranscodeOptions, uploaded map[string]bool) error {
	pending := make([]domain.BattleRecord, 0, len(records))
	for _, rec := range records {
		skip, err := s.ShouldSkip(rec.Detail.ID, domain.CategoryBattle, uploaded)
		if err != nil {
			return err
		}
		if !skip {
			pending = append(pending, rec)
		}
	}
	if len(pending) == 0 {
		fmt.Fprintln(s.out, "Nothing new to upload.")
		return nil
	}

	noun := "battles"
	if len(pending) == 1 {
		noun = "battle"
	}
	fmt.Fprintf(s.out, "Uploading %d %s...\n", len(pending), noun)

	for _, rec := range pending {
		if err := s.UploadBattle(ctx, rec, overview, opts); err != nil {
			s.logger.Error().Err(err).Str("id", rec.Detail.ID).Msg("upload failed")
			fmt.Fprintf(s.out, "Error uploading battle: %v\n", err)
		}
	}
	return nil
}

// UploadBattle transcodes and uploads one record, printing the outcome.
func (s *Syncer) UploadBattle(ctx context.Context, rec domain.BattleRecord, overview []json.RawMessage, opts TranscodeOptions) error {
	payload, err := s.transcoder.Battle(rec, overview, opts)
	if err != nil {
		return err
	}
	if payload == nil {
		return nil
	}

	outcome, location, err := s.postOne(ctx, payload)
	if err != nil {
		return err
	}
	switch outcome {
	case OutcomeDuplicate:
		fmt.Fprintf(s.out, "Battle already uploaded - %s\n", location)
	default:
		fmt.Fprintf(s.out, "Battle uploaded to %s\n", location)
	}
	return nil
}

// postOne interprets the service's answer: anything but 201 is a rejection
// carrying the raw body, and an accepted record whose created_at predates
// the leeway window was uploaded previously.
func (s *Syncer) postOne(ctx context.Context, payload domain.Payload) (UploadOutcome, string, error) {
	result, err := s.statink.PostBattle(ctx, payload)
	if err != nil {
		return OutcomeCreated, "", err
	}
	if result.StatusCode != fasthttp.StatusCreated {
		return OutcomeCreated, "", fmt.Errorf("upload rejected (status %d): %s", result.StatusCode, result.Body)
	}
	if result.CreatedAt > 0 && time.Unix(result.CreatedAt, 0).Before(s.now().Add(-constants.UploadLeeway)) {
		return OutcomeDuplicate, result.Location, nil
	}
	return OutcomeCreated, result.Location, nil
}

// CheckMissing sweeps the full per-category history lists for records the
// service has never seen and uploads them. This catches battles that slipped
// past a previous run, at the cost of one query per sub-category.
func (s *Syncer) CheckMissing(ctx context.Context, which domain.Selection, opts TranscodeOptions) error {
	fmt.Fprintf(s.out, "Checking if there are previously-unuploaded %s...\n", domain.Noun(which))

	uploaded, err := s.Uploaded(ctx)
	if err != nil {
		return err
	}
	battles, _, err := s.fetcher.ListIDs(ctx, which, ScopeSpecific)
	if err != nil {
		return err
	}

	var missing []string
	for _, id := range battles {
		skip, err := s.ShouldSkip(id, domain.CategoryBattle, uploaded)
		if err != nil {
			return err
		}
		if !skip {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		fmt.Fprintln(s.out, "No previously-unuploaded battles found.")
		return nil
	}

	fmt.Fprintf(s.out, "Found %d previously-unuploaded battles.\n", len(missing))
	records, err := s.fetcher.FetchBattles(ctx, missing)
	if err != nil {
		return err
	}
	overview, err := s.fetcher.Overviews(ctx, domain.SelectBattles, ScopeSpecific)
	if err != nil {
		return err
	}
	return s.SyncBattles(ctx, records, overview, opts, uploaded)
}

// SyncLatest is the one-shot sync path: list recent records, fetch details,
// upload what the dedup list does not cover.
func (s *Syncer) SyncLatest(ctx context.Context, which domain.Selection, scope Scope, opts TranscodeOptions) error {
	fmt.Fprintf(s.out, "Checking if %s have been uploaded before...\n", domain.Noun(which))

	uploaded, err := s.Uploaded(ctx)
	if err != nil {
		return err
	}
	battles, jobs, err := s.fetcher.ListIDs(ctx, which, scope)
	if err != nil {
		return err
	}

	var pending []string
	for _, id := range battles {
		skip, err := s.ShouldSkip(id, domain.CategoryBattle, uploaded)
		if err != nil {
			return err
		}
		if !skip {
			pending = append(pending, id)
		}
	}
	if len(jobs) > 0 {
		// Job records are tracked for completeness; the service does not
		// accept them yet, so they never enter the upload queue.
		s.logger.Debug().Int("jobs", len(jobs)).Msg("job uploads not supported, skipping")
	}

	if len(pending) == 0 {
		fmt.Fprintln(s.out, "Nothing new to upload.")
		return nil
	}

	records, err := s.fetcher.FetchBattles(ctx, pending)
	if err != nil {
		return err
	}
	var overview []json.RawMessage
	if which != domain.SelectJobs {
		overview, err = s.fetcher.Overviews(ctx, domain.SelectBattles, scope)
		if err != nil {
			return err
		}
		// The specific scope already queried the ranked screen above.
		if scope == ScopeLatest && hasRanked(records) {
			ranked, err := s.fetcher.RankedOverview(ctx)
			if err != nil {
				return err
			}
			overview = append(overview, ranked)
		}
	}
	return s.SyncBattles(ctx, records, overview, opts, uploaded)
}
