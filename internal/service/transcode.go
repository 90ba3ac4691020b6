package service

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"splatsync/internal/config"
	"splatsync/internal/constants"
	"splatsync/internal/domain"
)

// ruleNames maps the vendor rule enumeration to the statistics service
// vocabulary. Unknown rules are omitted, never guessed.
var ruleNames = map[string]string{
	"TURF_WAR": "nawabari",
	"AREA":     "area",
	"LOFT":     "yagura",
	"GOAL":     "hoko",
	"CLAM":     "asari",
}

// stageNames, hardcoded for the launch stage roster.
var stageNames = map[int]string{
	1:  "gorge",
	2:  "alley",
	3:  "market",
	4:  "spillway",
	6:  "metalworks",
	10: "bridge",
	11: "museum",
	12: "resort",
	13: "academy",
	14: "shipyard",
	15: "mart",
	16: "world",
}

var rankPattern = regexp.MustCompile(`^([a-z+-]+)([0-9]+)?$`)

// TranscodeOptions tune one transcoding pass.
type TranscodeOptions struct {
	// Anonymize nulls opponent-identifying fields in both the structured
	// scoreboard and the embedded raw copy.
	Anonymize bool
	// Monitoring tags the upload mode reported to the service.
	Monitoring bool
	// TestRun marks the payload as a dry run.
	TestRun bool
}

// Transcoder maps vendor records into the statistics service schema. A nil
// payload with a nil error means "unsupported record kind, skip".
type Transcoder struct {
	store  *config.Store
	logger zerolog.Logger
}

func NewTranscoder(store *config.Store, logger zerolog.Logger) *Transcoder {
	return &Transcoder{store: store, logger: logger}
}

// Battle converts one battle record. overview may carry the raw
// history-list screens for ranked-series reconciliation; nil skips it.
func (t *Transcoder) Battle(rec domain.BattleRecord, overview []json.RawMessage, opts TranscodeOptions) (domain.Payload, error) {
	battle := &rec.Detail
	kind := battle.Kind()

	switch kind {
	case domain.KindSplatfest:
		t.logger.Info().Msg("splatfest battles are not yet supported - skipping")
		return nil, nil
	case domain.KindUnknown:
		t.logger.Warn().Str("mode", battle.VsMode.Mode).Msg("unsupported record kind - skipping")
		return nil, nil
	case domain.KindPrivate:
		if t.store.FlagEnabled("ignore_private") {
			return nil, nil
		}
	}

	decoded, err := domain.DecodeID(battle.ID)
	if err != nil {
		return nil, fmt.Errorf("battle id: %w", err)
	}
	keys := domain.DedupKeys(decoded, domain.CategoryBattle)
	if len(keys) == 0 {
		return nil, fmt.Errorf("battle id %q too short for dedup key", decoded)
	}

	payload := domain.Payload{
		"uuid": keys[0].Value,
	}

	switch kind {
	case domain.KindTurfWar:
		payload["lobby"] = "regular"
	case domain.KindRankedOpen:
		payload["lobby"] = "bankara_open"
	case domain.KindRankedSeries:
		payload["lobby"] = "bankara_challenge"
	case domain.KindXMatch:
		payload["lobby"] = "xmatch"
	case domain.KindPrivate:
		payload["lobby"] = "private"
	}

	if rule, ok := ruleNames[battle.VsRule.Rule]; ok {
		payload["rule"] = rule
	}

	if stageID, err := domain.DecodeNumericID(battle.VsStage.ID); err == nil {
		if stage, ok := stageNames[stageID]; ok {
			payload["stage"] = stage
		}
	}

	t.setOwnStats(payload, battle)
	t.setResult(payload, battle)

	start, err := domain.EpochTime(battle.PlayedTime)
	if err != nil {
		return nil, err
	}
	payload["start_at"] = start
	payload["end_at"] = start + int64(battle.Duration)

	t.setScoreboard(payload, battle, opts.Anonymize)

	if kind == domain.KindTurfWar {
		t.setTurfTotals(payload, battle)
	}
	if kind == domain.KindRankedOpen || kind == domain.KindRankedSeries {
		t.setRankedExtras(payload, battle, overview)
	}

	medals := make([]string, 0, len(battle.Awards))
	for _, award := range battle.Awards {
		medals = append(medals, award.Name)
	}
	payload["medals"] = medals

	raw := rec.Raw
	if opts.Anonymize {
		raw, err = scrubRaw(raw)
		if err != nil {
			return nil, fmt.Errorf("anonymize raw copy: %w", err)
		}
	}
	payload["splatnet_json"] = string(raw)
	payload["automated"] = "yes"

	payload["agent"] = constants.AgentName
	payload["agent_version"] = "v" + constants.AgentVersion
	mode := "Manual"
	if opts.Monitoring {
		mode = "Monitoring"
	}
	payload["agent_variables"] = map[string]string{"Upload Mode": mode}
	if opts.TestRun {
		payload["test"] = "yes"
	}

	return payload, nil
}

// Job exists for symmetry; the statistics service does not accept job
// records yet, so every job is an unsupported kind.
func (t *Transcoder) Job(rec domain.JobRecord, opts TranscodeOptions) (domain.Payload, error) {
	return nil, nil
}

// setOwnStats locates our own player entry and fills weapon, turf and
// combat stats. Kills are derived from kill_or_assist minus assists; the
// vendor never reports raw kills. A null result (disconnect) omits the
// combat fields entirely.
func (t *Transcoder) setOwnStats(payload domain.Payload, battle *domain.VsHistoryDetail) {
	for i, player := range battle.MyTeam.Players {
		if !player.IsMyself {
			continue
		}
		if weapon, err := domain.DecodeNumericID(player.Weapon.ID); err == nil {
			payload["weapon"] = weapon
		}
		payload["inked"] = player.Paint
		payload["species"] = strings.ToLower(player.Species)
		payload["rank_in_team"] = i + 1
		if player.Result != nil {
			payload["kill_or_assist"] = player.Result.Kill
			payload["assist"] = player.Result.Assist
			payload["kill"] = player.Result.Kill - player.Result.Assist
			payload["death"] = player.Result.Death
			payload["special"] = player.Result.Special
		}
		break
	}
}

func (t *Transcoder) setResult(payload domain.Payload, battle *domain.VsHistoryDetail) {
	switch battle.Judgement {
	case "WIN":
		payload["result"] = "win"
	case "LOSE", "DEEMED_LOSE":
		payload["result"] = "lose"
	case "EXEMPTED_LOSE":
		payload["result"] = "exempted_lose"
	case "DRAW":
		payload["result"] = "draw"
	}
}

// setScoreboard builds the per-player lists. Two teams always; a tricolor
// battle contributes a bounded third list.
func (t *Transcoder) setScoreboard(payload domain.Payload, battle *domain.VsHistoryDetail, anonymize bool) {
	payload["our_team_players"] = scoreboardPlayers(battle.MyTeam.Players, false)
	if len(battle.OtherTeams) > 0 {
		payload["their_team_players"] = scoreboardPlayers(battle.OtherTeams[0].Players, anonymize)
	}
	if len(battle.OtherTeams) > 1 {
		payload["third_team_players"] = scoreboardPlayers(battle.OtherTeams[1].Players, anonymize)
	}
}

func scoreboardPlayers(players []domain.Player, anonymize bool) []map[string]any {
	out := make([]map[string]any, 0, len(players))
	for i, player := range players {
		entry := map[string]any{
			"me":           "no",
			"inked":        player.Paint,
			"rank_in_team": i + 1,
		}
		if player.IsMyself {
			entry["me"] = "yes"
		}
		if anonymize && !player.IsMyself {
			entry["name"] = nil
			entry["number"] = nil
			entry["splashtag_title"] = nil
		} else {
			entry["name"] = player.Name
			if player.NameID != nil {
				entry["number"] = *player.NameID
			}
			entry["splashtag_title"] = player.Byname
		}
		if weapon, err := domain.DecodeNumericID(player.Weapon.ID); err == nil {
			entry["weapon"] = weapon
		}
		if player.Result != nil {
			entry["kill_or_assist"] = player.Result.Kill
			entry["assist"] = player.Result.Assist
			entry["kill"] = player.Result.Kill - player.Result.Assist
			entry["death"] = player.Result.Death
			entry["special"] = player.Result.Special
			entry["disconnected"] = "no"
		} else {
			entry["disconnected"] = "yes"
		}
		out = append(out, entry)
	}
	return out
}

// setTurfTotals fills turf-war percentages and ink totals. A draw leaves
// the team result null, so the percentages are simply absent.
func (t *Transcoder) setTurfTotals(payload domain.Payload, battle *domain.VsHistoryDetail) {
	if len(battle.OtherTeams) == 0 {
		return
	}
	their := battle.OtherTeams[0]

	if battle.MyTeam.Result != nil && battle.MyTeam.Result.PaintRatio != nil &&
		their.Result != nil && their.Result.PaintRatio != nil {
		payload["our_team_percent"] = *battle.MyTeam.Result.PaintRatio * 100
		payload["their_team_percent"] = *their.Result.PaintRatio * 100
	}

	ourInked, theirInked := 0, 0
	for _, player := range battle.MyTeam.Players {
		ourInked += player.Paint
	}
	for _, player := range their.Players {
		theirInked += player.Paint
	}
	payload["our_team_inked"] = ourInked
	payload["their_team_inked"] = theirInked
}

// setRankedExtras fills scores, knockout, rank points, and reconciles rank
// before/after and series progress from the overview screens.
func (t *Transcoder) setRankedExtras(payload domain.Payload, battle *domain.VsHistoryDetail, overview []json.RawMessage) {
	if len(battle.OtherTeams) > 0 {
		their := battle.OtherTeams[0]
		if battle.MyTeam.Result != nil && battle.MyTeam.Result.Score != nil &&
			their.Result != nil && their.Result.Score != nil {
			payload["our_team_count"] = *battle.MyTeam.Result.Score
			payload["their_team_count"] = *their.Result.Score
		}
	}

	if battle.Knockout == nil || *battle.Knockout == "NEITHER" {
		payload["knockout"] = "no"
	} else {
		payload["knockout"] = "yes"
	}
	if battle.BankaraMatch != nil && battle.BankaraMatch.EarnedUdemaePoint != nil {
		payload["rank_exp_change"] = *battle.BankaraMatch.EarnedUdemaePoint
	}

	group, idx, ok := findRankedGroup(overview, battle.ID)
	if !ok {
		return
	}

	entry := group.HistoryDetails.Nodes[idx]
	if entry.Udemae != nil {
		before, beforeSPlus := splitRank(*entry.Udemae)
		payload["rank_before"] = before
		if beforeSPlus != nil {
			payload["rank_before_s_plus"] = *beforeSPlus
		}

		if series := group.BankaraMatchChallenge; series != nil {
			if series.IsPromo {
				payload["rank_up_battle"] = "yes"
			} else {
				payload["rank_up_battle"] = "no"
			}

			// Only the newest battle of a finished series carries the
			// rank change; earlier entries keep their pre-series rank.
			if series.UdemaeAfter == nil || idx != 0 {
				payload["rank_after"] = before
				if beforeSPlus != nil {
					payload["rank_after_s_plus"] = *beforeSPlus
				}
			} else {
				after, afterSPlus := splitRank(*series.UdemaeAfter)
				payload["rank_after"] = after
				if afterSPlus != nil {
					payload["rank_after_s_plus"] = *afterSPlus
				}
			}

			if idx == 0 {
				payload["challenge_win"] = series.WinCount
				payload["challenge_lose"] = series.LoseCount
				if _, set := payload["rank_exp_change"]; !set && series.EarnedUdemaePoint != nil {
					payload["rank_exp_change"] = *series.EarnedUdemaePoint
				}
			}
		}
	}
}

// findRankedGroup locates the battle inside the overview screens. Ranked
// screens win over the merged latest screen wherever they sit in the set:
// the latest screen lists the same battles but without udemae or series
// progress (early exports carry only that screen).
func findRankedGroup(overview []json.RawMessage, battleID string) (domain.HistoryGroup, int, bool) {
	for _, key := range []string{"bankaraBattleHistories", "latestBattleHistories"} {
		for _, screenRaw := range overview {
			var envelope struct {
				Data map[string]json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal(screenRaw, &envelope); err != nil {
				continue
			}
			raw, ok := envelope.Data[key]
			if !ok {
				continue
			}
			var screen historyScreen
			if err := json.Unmarshal(raw, &screen); err != nil {
				continue
			}
			for _, group := range screen.HistoryGroups.Nodes {
				for idx, entry := range group.HistoryDetails.Nodes {
					if entry.ID == battleID {
						return group, idx, true
					}
				}
			}
		}
	}
	return domain.HistoryGroup{}, 0, false
}

// splitRank separates "s+2" into its letter and number parts.
func splitRank(udemae string) (string, *int) {
	m := rankPattern.FindStringSubmatch(strings.ToLower(udemae))
	if m == nil {
		return strings.ToLower(udemae), nil
	}
	if m[2] == "" {
		return m[1], nil
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return m[1], nil
	}
	return m[1], &n
}

// scrubRaw nulls opponent-identifying fields inside the embedded raw copy
// so privacy mode covers both representations.
func scrubRaw(raw json.RawMessage) (json.RawMessage, error) {
	var battle map[string]any
	if err := json.Unmarshal(raw, &battle); err != nil {
		return nil, err
	}
	teams, _ := battle["otherTeams"].([]any)
	for _, teamAny := range teams {
		team, ok := teamAny.(map[string]any)
		if !ok {
			continue
		}
		players, _ := team["players"].([]any)
		for _, playerAny := range players {
			player, ok := playerAny.(map[string]any)
			if !ok {
				continue
			}
			player["name"] = nil
			player["nameId"] = nil
			player["byname"] = nil
		}
	}
	return json.Marshal(battle)
}
