package service

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"splatsync/internal/domain"
)

// Tally accumulates one monitoring session's outcomes for the exit summary.
type Tally struct {
	Wins   int
	Losses int
	Draws  int

	FestWins   int
	FestLosses int
	FestDraws  int
	Mirrors    int

	JobClears int
	JobFails  int
}

// Monitor polls for new records at a fixed interval and uploads them as they
// appear. An interrupt does not abort mid-stream: the loop drains with one
// final poll-and-upload pass before printing the session summary.
type Monitor struct {
	pipeline *TokenPipeline
	fetcher  *Fetcher
	syncer   *Syncer
	logger   zerolog.Logger

	out io.Writer
}

func NewMonitor(pipeline *TokenPipeline, fetcher *Fetcher, syncer *Syncer, logger zerolog.Logger) *Monitor {
	return &Monitor{pipeline: pipeline, fetcher: fetcher, syncer: syncer, logger: logger, out: os.Stdout}
}

// SetOutput redirects operator-facing messages. Used by tests.
func (m *Monitor) SetOutput(out io.Writer) { m.out = out }

// Run monitors until ctx is cancelled. Baseline identifiers are captured up
// front so only records that appear after start are reported.
func (m *Monitor) Run(ctx context.Context, which domain.Selection, interval time.Duration, opts TranscodeOptions) error {
	fmt.Fprintf(m.out, "Monitoring for new %s... (checking every %d seconds)\n", domain.Noun(which), int(interval.Seconds()))

	uploaded, err := m.syncer.Uploaded(ctx)
	if err != nil {
		return err
	}
	battles, jobs, err := m.fetcher.ListIDs(ctx, which, ScopeLatest)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(battles)+len(jobs))
	for _, id := range battles {
		seen[id] = true
	}
	for _, id := range jobs {
		seen[id] = true
	}

	tally := &Tally{}
	for m.wait(ctx, interval) {
		if err := m.poll(ctx, which, seen, uploaded, tally, opts); err != nil {
			m.logger.Error().Err(err).Msg("poll failed, will retry next interval")
		}
	}

	// One last pass so a battle finished moments before the interrupt is
	// not lost. The parent context is already cancelled, so the drain runs
	// on its own deadline.
	fmt.Fprintf(m.out, "\nChecking for unuploaded %s before exiting...\n", domain.Noun(which))
	drainCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := m.poll(drainCtx, which, seen, uploaded, tally, opts); err != nil {
		m.logger.Error().Err(err).Msg("final drain pass failed")
	}

	m.printSummary(which, tally)
	return nil
}

// wait counts down one interval, redrawing in place every second. Returns
// false when ctx is cancelled.
func (m *Monitor) wait(ctx context.Context, interval time.Duration) bool {
	remaining := int(interval.Seconds())
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for remaining > 0 {
		fmt.Fprintf(m.out, "\rPress Ctrl+C to exit. Checking again in %3d seconds. ", remaining)
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			remaining--
		}
	}
	fmt.Fprint(m.out, "\r")
	return true
}

func (m *Monitor) poll(ctx context.Context, which domain.Selection, seen, uploaded map[string]bool, tally *Tally, opts TranscodeOptions) error {
	if err := m.pipeline.EnsureFresh(ctx, false); err != nil {
		return err
	}

	battles, jobs, err := m.fetcher.ListIDs(ctx, which, ScopeLatest)
	if err != nil {
		return err
	}

	var newBattles, newJobs []string
	for _, id := range battles {
		if !seen[id] {
			newBattles = append(newBattles, id)
		}
	}
	for _, id := range jobs {
		if !seen[id] {
			newJobs = append(newJobs, id)
		}
	}
	if len(newBattles) == 0 && len(newJobs) == 0 {
		return nil
	}

	if len(newBattles) > 0 {
		if err := m.handleBattles(ctx, newBattles, seen, uploaded, tally, opts); err != nil {
			return err
		}
	}
	if len(newJobs) > 0 {
		if err := m.handleJobs(ctx, newJobs, seen, tally); err != nil {
			return err
		}
	}
	return nil
}

func (m *Monitor) handleBattles(ctx context.Context, ids []string, seen, uploaded map[string]bool, tally *Tally, opts TranscodeOptions) error {
	records, err := m.fetcher.FetchBattles(ctx, ids)
	if err != nil {
		return err
	}
	overview, err := m.fetcher.Overviews(ctx, domain.SelectBattles, ScopeLatest)
	if err != nil {
		return err
	}
	if hasRanked(records) {
		ranked, err := m.fetcher.RankedOverview(ctx)
		if err != nil {
			return err
		}
		overview = append(overview, ranked)
	}

	for _, rec := range records {
		seen[rec.Detail.ID] = true
		m.recordBattle(&rec.Detail, tally)
		fmt.Fprintf(m.out, "New battle result detected at %s! (%s, %s)\n",
			time.Now().Format("15:04:05"), rec.Detail.VsStage.Name, battleOutcome(rec.Detail.Judgement))

		skip, err := m.syncer.ShouldSkip(rec.Detail.ID, domain.CategoryBattle, uploaded)
		if err != nil {
			return err
		}
		if skip {
			continue
		}
		if err := m.syncer.UploadBattle(ctx, rec, overview, opts); err != nil {
			m.logger.Error().Err(err).Str("id", rec.Detail.ID).Msg("upload failed")
			fmt.Fprintf(m.out, "Error uploading battle: %v\n", err)
			continue
		}
		decoded, err := domain.DecodeID(rec.Detail.ID)
		if err != nil {
			return err
		}
		for _, key := range domain.DedupKeys(decoded, domain.CategoryBattle) {
			uploaded[key.Value] = true
		}
	}
	return nil
}

func (m *Monitor) handleJobs(ctx context.Context, ids []string, seen map[string]bool, tally *Tally) error {
	records, err := m.fetcher.FetchJobs(ctx, ids)
	if err != nil {
		return err
	}
	for _, rec := range records {
		seen[rec.Detail.ID] = true
		outcome := "failed"
		if rec.Detail.Cleared() {
			outcome = "cleared"
			tally.JobClears++
		} else {
			tally.JobFails++
		}
		fmt.Fprintf(m.out, "New job result detected at %s! (%s, %s)\n",
			time.Now().Format("15:04:05"), rec.Detail.CoopStage.Name, outcome)
	}
	return nil
}

func (m *Monitor) recordBattle(battle *domain.VsHistoryDetail, tally *Tally) {
	fest := battle.Kind() == domain.KindSplatfest
	switch battleOutcome(battle.Judgement) {
	case "Victory":
		tally.Wins++
		if fest {
			tally.FestWins++
		}
	case "Defeat":
		tally.Losses++
		if fest {
			tally.FestLosses++
		}
	default:
		tally.Draws++
		if fest {
			tally.FestDraws++
		}
	}
	if fest && len(battle.OtherTeams) > 0 &&
		battle.MyTeam.FestTeamName != "" &&
		battle.MyTeam.FestTeamName == battle.OtherTeams[0].FestTeamName {
		tally.Mirrors++
	}
}

func battleOutcome(judgement string) string {
	switch judgement {
	case "WIN":
		return "Victory"
	case "LOSE", "DEEMED_LOSE", "EXEMPTED_LOSE":
		return "Defeat"
	default:
		return "Draw"
	}
}

func (m *Monitor) printSummary(which domain.Selection, tally *Tally) {
	fmt.Fprintln(m.out, "\nSession summary:")
	if which != domain.SelectJobs {
		fmt.Fprintf(m.out, "  Battles: %d wins, %d losses, %d draws\n", tally.Wins, tally.Losses, tally.Draws)
		if tally.FestWins+tally.FestLosses+tally.FestDraws > 0 {
			fmt.Fprintf(m.out, "  Splatfest: %d wins, %d losses, %d draws (%d mirror matches)\n",
				tally.FestWins, tally.FestLosses, tally.FestDraws, tally.Mirrors)
		}
	}
	if which != domain.SelectBattles {
		fmt.Fprintf(m.out, "  Jobs: %d cleared, %d failed\n", tally.JobClears, tally.JobFails)
	}
	fmt.Fprintln(m.out, "Bye!")
}
