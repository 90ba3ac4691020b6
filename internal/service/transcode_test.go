package service_test

import (
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"splatsync/internal/config"
	"splatsync/internal/domain"
	"splatsync/internal/service"
)

const decodedBattleID = "VsHistoryDetail-u-qoyjxfnf2kmwhrvhvhhy:RECENT:20230226T043201_a5ba60e2-b5d3-46a4-a77a-4f4dbac0ec9f"

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func strp(s string) *string   { return &s }
func intp(i int) *int         { return &i }
func f64p(f float64) *float64 { return &f }

func newTranscoder(t *testing.T) (*service.Transcoder, *config.Store) {
	t.Helper()
	store, err := config.NewAt(filepath.Join(t.TempDir(), "config.txt"), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAt: %v", err)
	}
	return service.NewTranscoder(store, zerolog.Nop()), store
}

func player(name string, myself bool, paint, killOrAssist, assist int) domain.Player {
	p := domain.Player{
		IsMyself: myself,
		Name:     name,
		NameID:   strp("1234"),
		Byname:   "Splatlandian Youth",
		Species:  "INKLING",
		Paint:    paint,
	}
	p.Weapon.ID = b64("Weapon-40")
	p.Result = &domain.PlayerResult{Kill: killOrAssist, Assist: assist, Death: 3, Special: 1}
	return p
}

func turfBattle() domain.VsHistoryDetail {
	var b domain.VsHistoryDetail
	b.ID = b64(decodedBattleID)
	b.VsMode.Mode = "REGULAR"
	b.VsRule.Rule = "TURF_WAR"
	b.VsStage.ID = b64("VsStage-16")
	b.Judgement = "WIN"
	b.Duration = 180
	b.PlayedTime = "2023-02-26T04:32:01Z"
	b.MyTeam = domain.Team{
		Players: []domain.Player{player("Me", true, 1000, 7, 2), player("Ally", false, 800, 4, 1)},
		Result:  &domain.TeamResult{PaintRatio: f64p(0.75)},
	}
	b.OtherTeams = []domain.Team{{
		Players: []domain.Player{player("Opp1", false, 700, 5, 0), player("Opp2", false, 600, 2, 2)},
		Result:  &domain.TeamResult{PaintRatio: f64p(0.25)},
	}}
	b.Awards = []domain.Award{{Name: "#1 Overall Splatter"}}
	return b
}

func record(b domain.VsHistoryDetail) domain.BattleRecord {
	raw, err := json.Marshal(b)
	if err != nil {
		panic(err)
	}
	return domain.BattleRecord{Detail: b, Raw: raw}
}

func TestBattle_TurfWarPayload(t *testing.T) {
	t.Parallel()

	tr, _ := newTranscoder(t)
	payload, err := tr.Battle(record(turfBattle()), nil, service.TranscodeOptions{})
	if err != nil {
		t.Fatalf("Battle: %v", err)
	}
	if payload == nil {
		t.Fatal("expected a payload")
	}

	wantUUID := uuid.NewSHA1(domain.BattleNamespace, []byte(decodedBattleID[len(decodedBattleID)-52:])).String()
	checks := map[string]any{
		"uuid":               wantUUID,
		"lobby":              "regular",
		"rule":               "nawabari",
		"stage":              "world",
		"result":             "win",
		"weapon":             40,
		"inked":              1000,
		"species":            "inkling",
		"rank_in_team":       1,
		"kill_or_assist":     7,
		"assist":             2,
		"kill":               5,
		"death":              3,
		"special":            1,
		"start_at":           int64(1677385921),
		"end_at":             int64(1677385921 + 180),
		"our_team_percent":   75.0,
		"their_team_percent": 25.0,
		"our_team_inked":     1800,
		"their_team_inked":   1300,
		"automated":          "yes",
	}
	for key, want := range checks {
		if got := payload[key]; got != want {
			t.Errorf("%s: expected %v (%T) got %v (%T)", key, want, want, got, got)
		}
	}

	medals, ok := payload["medals"].([]string)
	if !ok || len(medals) != 1 || medals[0] != "#1 Overall Splatter" {
		t.Fatalf("unexpected medals %v", payload["medals"])
	}
	if _, ok := payload["test"]; ok {
		t.Fatal("test marker must be absent outside dry runs")
	}

	vars, ok := payload["agent_variables"].(map[string]string)
	if !ok || vars["Upload Mode"] != "Manual" {
		t.Fatalf("unexpected agent variables %v", payload["agent_variables"])
	}

	our, ok := payload["our_team_players"].([]map[string]any)
	if !ok || len(our) != 2 {
		t.Fatalf("unexpected our_team_players %v", payload["our_team_players"])
	}
	if our[0]["me"] != "yes" || our[1]["me"] != "no" {
		t.Fatalf("me markers wrong: %v %v", our[0]["me"], our[1]["me"])
	}
	if our[1]["rank_in_team"] != 2 {
		t.Fatalf("expected rank_in_team 2 got %v", our[1]["rank_in_team"])
	}
	if our[0]["weapon"] != 40 {
		t.Fatalf("expected numeric weapon id got %v (%T)", our[0]["weapon"], our[0]["weapon"])
	}
}

func TestBattle_MonitoringAndTestMarkers(t *testing.T) {
	t.Parallel()

	tr, _ := newTranscoder(t)
	payload, err := tr.Battle(record(turfBattle()), nil, service.TranscodeOptions{Monitoring: true, TestRun: true})
	if err != nil {
		t.Fatalf("Battle: %v", err)
	}
	if payload["test"] != "yes" {
		t.Fatalf("expected dry-run marker got %v", payload["test"])
	}
	vars := payload["agent_variables"].(map[string]string)
	if vars["Upload Mode"] != "Monitoring" {
		t.Fatalf("expected Monitoring mode got %q", vars["Upload Mode"])
	}
}

func TestBattle_DisconnectedPlayerOmitsStats(t *testing.T) {
	t.Parallel()

	b := turfBattle()
	b.MyTeam.Players[0].Result = nil
	b.OtherTeams[0].Players[0].Result = nil

	tr, _ := newTranscoder(t)
	payload, err := tr.Battle(record(b), nil, service.TranscodeOptions{})
	if err != nil {
		t.Fatalf("Battle: %v", err)
	}

	for _, key := range []string{"kill", "kill_or_assist", "assist", "death", "special"} {
		if _, ok := payload[key]; ok {
			t.Errorf("%s must be absent for a disconnected self", key)
		}
	}

	their := payload["their_team_players"].([]map[string]any)
	if their[0]["disconnected"] != "yes" {
		t.Fatalf("expected disconnected yes got %v", their[0]["disconnected"])
	}
	if _, ok := their[0]["kill"]; ok {
		t.Fatal("disconnected opponent must omit combat stats")
	}
	if their[1]["disconnected"] != "no" {
		t.Fatalf("expected disconnected no got %v", their[1]["disconnected"])
	}
}

func TestBattle_DrawLeavesTotalsAbsent(t *testing.T) {
	t.Parallel()

	b := turfBattle()
	b.Judgement = "DRAW"
	b.MyTeam.Result = nil
	b.OtherTeams[0].Result = nil

	tr, _ := newTranscoder(t)
	payload, err := tr.Battle(record(b), nil, service.TranscodeOptions{})
	if err != nil {
		t.Fatalf("Battle: %v", err)
	}
	if payload["result"] != "draw" {
		t.Fatalf("expected draw got %v", payload["result"])
	}
	if _, ok := payload["our_team_percent"]; ok {
		t.Fatal("percentages must be absent on a draw")
	}
	// Ink totals are player sums and survive a draw.
	if payload["our_team_inked"] != 1800 {
		t.Fatalf("expected inked sum got %v", payload["our_team_inked"])
	}
}

func TestBattle_DeemedLose(t *testing.T) {
	t.Parallel()

	b := turfBattle()
	b.Judgement = "DEEMED_LOSE"

	tr, _ := newTranscoder(t)
	payload, err := tr.Battle(record(b), nil, service.TranscodeOptions{})
	if err != nil {
		t.Fatalf("Battle: %v", err)
	}
	if payload["result"] != "lose" {
		t.Fatalf("expected lose got %v", payload["result"])
	}
}

func TestBattle_BlackoutScrubsOpponents(t *testing.T) {
	t.Parallel()

	tr, _ := newTranscoder(t)
	payload, err := tr.Battle(record(turfBattle()), nil, service.TranscodeOptions{Anonymize: true})
	if err != nil {
		t.Fatalf("Battle: %v", err)
	}

	their := payload["their_team_players"].([]map[string]any)
	if their[0]["name"] != nil || their[0]["number"] != nil || their[0]["splashtag_title"] != nil {
		t.Fatalf("opponent identity must be nulled: %v", their[0])
	}
	if their[0]["inked"] != 700 {
		t.Fatal("non-identifying opponent fields must survive")
	}

	our := payload["our_team_players"].([]map[string]any)
	if our[0]["name"] != "Me" || our[1]["name"] != "Ally" {
		t.Fatal("own team must not be anonymized")
	}

	raw := payload["splatnet_json"].(string)
	if strings.Contains(raw, "Opp1") || strings.Contains(raw, "Opp2") {
		t.Fatal("raw copy still contains opponent names")
	}
	if !strings.Contains(raw, "Me") {
		t.Fatal("raw copy lost own data")
	}
}

func TestBattle_SplatfestSkipped(t *testing.T) {
	t.Parallel()

	b := turfBattle()
	b.VsMode.Mode = "FEST"

	tr, _ := newTranscoder(t)
	payload, err := tr.Battle(record(b), nil, service.TranscodeOptions{})
	if err != nil {
		t.Fatalf("Battle: %v", err)
	}
	if payload != nil {
		t.Fatalf("expected skip for splatfest got %v", payload)
	}
}

func TestBattle_PrivateHonorsIgnoreFlag(t *testing.T) {
	t.Parallel()

	b := turfBattle()
	b.VsMode.Mode = "PRIVATE"

	tr, store := newTranscoder(t)
	payload, err := tr.Battle(record(b), nil, service.TranscodeOptions{})
	if err != nil {
		t.Fatalf("Battle: %v", err)
	}
	if payload == nil {
		t.Fatal("private battles upload by default")
	}
	if payload["lobby"] != "private" {
		t.Fatalf("expected private lobby got %v", payload["lobby"])
	}

	if err := store.Set("ignore_private", "true"); err != nil {
		t.Fatal(err)
	}
	payload, err = tr.Battle(record(b), nil, service.TranscodeOptions{})
	if err != nil {
		t.Fatalf("Battle: %v", err)
	}
	if payload != nil {
		t.Fatal("expected skip with ignore_private set")
	}
}

func rankedOverview(battleID string) []json.RawMessage {
	screen := map[string]any{
		"data": map[string]any{
			"bankaraBattleHistories": map[string]any{
				"historyGroups": map[string]any{
					"nodes": []any{
						map[string]any{
							"bankaraMatchChallenge": map[string]any{
								"isPromo":           false,
								"udemaeAfter":       "S+3",
								"winCount":          3,
								"loseCount":         1,
								"earnedUdemaePoint": 250,
							},
							"historyDetails": map[string]any{
								"nodes": []any{
									map[string]any{"id": battleID, "udemae": "S+2"},
								},
							},
						},
					},
				},
			},
		},
	}
	raw, err := json.Marshal(screen)
	if err != nil {
		panic(err)
	}
	return []json.RawMessage{raw}
}

func TestBattle_RankedSeriesReconciliation(t *testing.T) {
	t.Parallel()

	b := turfBattle()
	b.VsMode.Mode = "BANKARA"
	b.VsRule.Rule = "AREA"
	b.BankaraMatch = &domain.BankaraMatch{Mode: "CHALLENGE"}
	b.Knockout = strp("WIN")
	b.MyTeam.Result = &domain.TeamResult{Score: intp(100)}
	b.OtherTeams[0].Result = &domain.TeamResult{Score: intp(42)}

	tr, _ := newTranscoder(t)
	payload, err := tr.Battle(record(b), rankedOverview(b.ID), service.TranscodeOptions{})
	if err != nil {
		t.Fatalf("Battle: %v", err)
	}

	checks := map[string]any{
		"lobby":              "bankara_challenge",
		"rule":               "area",
		"our_team_count":     100,
		"their_team_count":   42,
		"knockout":           "yes",
		"rank_before":        "s+",
		"rank_before_s_plus": 2,
		"rank_after":         "s+",
		"rank_after_s_plus":  3,
		"rank_up_battle":     "no",
		"challenge_win":      3,
		"challenge_lose":     1,
		"rank_exp_change":    250,
	}
	for key, want := range checks {
		if got := payload[key]; got != want {
			t.Errorf("%s: expected %v got %v", key, want, got)
		}
	}
}

func TestBattle_RankedOpenWithoutOverview(t *testing.T) {
	t.Parallel()

	b := turfBattle()
	b.VsMode.Mode = "BANKARA"
	b.VsRule.Rule = "LOFT"
	b.BankaraMatch = &domain.BankaraMatch{Mode: "OPEN", EarnedUdemaePoint: intp(8)}
	b.MyTeam.Result = &domain.TeamResult{Score: intp(55)}
	b.OtherTeams[0].Result = &domain.TeamResult{Score: intp(60)}

	tr, _ := newTranscoder(t)
	payload, err := tr.Battle(record(b), nil, service.TranscodeOptions{})
	if err != nil {
		t.Fatalf("Battle: %v", err)
	}

	if payload["lobby"] != "bankara_open" {
		t.Fatalf("expected bankara_open got %v", payload["lobby"])
	}
	if payload["rule"] != "yagura" {
		t.Fatalf("expected yagura got %v", payload["rule"])
	}
	if payload["knockout"] != "no" {
		t.Fatalf("expected knockout no got %v", payload["knockout"])
	}
	if payload["rank_exp_change"] != 8 {
		t.Fatalf("expected rank_exp_change 8 got %v", payload["rank_exp_change"])
	}
	if _, ok := payload["rank_before"]; ok {
		t.Fatal("rank_before must be absent without overview data")
	}
}

func TestBattle_TricolorThirdTeam(t *testing.T) {
	t.Parallel()

	b := turfBattle()
	b.OtherTeams = append(b.OtherTeams, domain.Team{
		Players: []domain.Player{player("Opp3", false, 500, 1, 0)},
	})

	tr, _ := newTranscoder(t)
	payload, err := tr.Battle(record(b), nil, service.TranscodeOptions{})
	if err != nil {
		t.Fatalf("Battle: %v", err)
	}
	third, ok := payload["third_team_players"].([]map[string]any)
	if !ok || len(third) != 1 {
		t.Fatalf("expected third team scoreboard got %v", payload["third_team_players"])
	}
	if third[0]["name"] != "Opp3" {
		t.Fatalf("unexpected third team player %v", third[0])
	}
}

func TestJob_NotUploadable(t *testing.T) {
	t.Parallel()

	tr, _ := newTranscoder(t)
	payload, err := tr.Job(domain.JobRecord{}, service.TranscodeOptions{})
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if payload != nil {
		t.Fatal("job records have no upload mapping yet")
	}
}
