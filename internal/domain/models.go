package domain

import "encoding/json"

// BattleKind is the classification of one vendor record, decided once at the
// fetcher/transcoder boundary so downstream code can switch exhaustively
// instead of probing JSON keys.
type BattleKind int

const (
	KindUnknown BattleKind = iota
	KindTurfWar
	KindRankedOpen
	KindRankedSeries
	KindXMatch
	KindSplatfest
	KindPrivate
	KindSalmonRun
)

func (k BattleKind) String() string {
	switch k {
	case KindTurfWar:
		return "turf_war"
	case KindRankedOpen:
		return "ranked_open"
	case KindRankedSeries:
		return "ranked_series"
	case KindXMatch:
		return "x_match"
	case KindSplatfest:
		return "splatfest"
	case KindPrivate:
		return "private"
	case KindSalmonRun:
		return "salmon_run"
	default:
		return "unknown"
	}
}

type PlayerResult struct {
	Kill    int `json:"kill"`
	Assist  int `json:"assist"`
	Death   int `json:"death"`
	Special int `json:"special"`
}

type Player struct {
	IsMyself bool    `json:"isMyself"`
	Name     string  `json:"name"`
	NameID   *string `json:"nameId"`
	Byname   string  `json:"byname"`
	Species  string  `json:"species"`
	Paint    int     `json:"paint"`
	Weapon   struct {
		ID string `json:"id"`
	} `json:"weapon"`
	// Result is null when the player disconnected; stats must then be
	// omitted entirely, not zeroed.
	Result *PlayerResult `json:"result"`
}

type TeamResult struct {
	PaintRatio *float64 `json:"paintRatio"`
	Score      *int     `json:"score"`
}

type Team struct {
	Players      []Player    `json:"players"`
	Result       *TeamResult `json:"result"` // null on a draw
	Judgement    string      `json:"judgement"`
	FestTeamName string      `json:"festTeamName"`
}

type BankaraMatch struct {
	Mode              string `json:"mode"` // OPEN or CHALLENGE
	EarnedUdemaePoint *int   `json:"earnedUdemaePoint"`
}

type Award struct {
	Name string `json:"name"`
}

// VsHistoryDetail is one battle record in the vendor schema. Only the fields
// the transcoder and monitor consume are modeled; the raw JSON travels
// alongside for the audit copy.
type VsHistoryDetail struct {
	ID     string `json:"id"`
	VsMode struct {
		Mode string `json:"mode"`
		ID   string `json:"id"`
	} `json:"vsMode"`
	VsRule struct {
		Rule string `json:"rule"`
		ID   string `json:"id"`
	} `json:"vsRule"`
	VsStage struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"vsStage"`
	Judgement    string        `json:"judgement"`
	Knockout     *string       `json:"knockout"`
	Duration     int           `json:"duration"`
	PlayedTime   string        `json:"playedTime"`
	MyTeam       Team          `json:"myTeam"`
	OtherTeams   []Team        `json:"otherTeams"`
	BankaraMatch *BankaraMatch `json:"bankaraMatch"`
	Awards       []Award       `json:"awards"`
}

// Kind classifies the battle record once; everything downstream matches on
// the result.
func (b *VsHistoryDetail) Kind() BattleKind {
	switch b.VsMode.Mode {
	case "REGULAR":
		return KindTurfWar
	case "BANKARA":
		if b.BankaraMatch == nil {
			return KindUnknown
		}
		switch b.BankaraMatch.Mode {
		case "OPEN":
			return KindRankedOpen
		case "CHALLENGE":
			return KindRankedSeries
		}
		return KindUnknown
	case "X_MATCH":
		return KindXMatch
	case "FEST":
		return KindSplatfest
	case "PRIVATE":
		return KindPrivate
	}
	return KindUnknown
}

// CoopHistoryDetail is one job record. The statistics service does not
// accept jobs yet, so only what the monitor tallies is modeled.
type CoopHistoryDetail struct {
	ID        string `json:"id"`
	CoopStage struct {
		Name string `json:"name"`
	} `json:"coopStage"`
	ResultWave int    `json:"resultWave"` // 0 means cleared
	PlayedTime string `json:"playedTime"`
	Duration   int    `json:"duration"`
}

func (c *CoopHistoryDetail) Cleared() bool { return c.ResultWave == 0 }

// BattleRecord pairs a decoded battle with its raw JSON source.
type BattleRecord struct {
	Detail VsHistoryDetail
	Raw    json.RawMessage
}

// JobRecord pairs a decoded job with its raw JSON source.
type JobRecord struct {
	Detail CoopHistoryDetail
	Raw    json.RawMessage
}

// Payload is the transcoded record in the statistics service schema. Absent
// optional fields are omitted from the map, never defaulted.
type Payload map[string]any

// HistoryEntry is one identifier row from a history-list query.
type HistoryEntry struct {
	ID     string  `json:"id"`
	Udemae *string `json:"udemae"`
}

// SeriesProgress mirrors the vendor's per-group ranked-series metadata
// (bankaraMatchChallenge) from the overview screen.
type SeriesProgress struct {
	IsPromo           bool    `json:"isPromo"`
	IsUdemaeUp        bool    `json:"isUdemaeUp"`
	UdemaeAfter       *string `json:"udemaeAfter"`
	WinCount          int     `json:"winCount"`
	LoseCount         int     `json:"loseCount"`
	EarnedUdemaePoint *int    `json:"earnedUdemaePoint"`
}

// HistoryGroup is one group node from a history-list query.
type HistoryGroup struct {
	BankaraMatchChallenge *SeriesProgress `json:"bankaraMatchChallenge"`
	HistoryDetails        struct {
		Nodes []HistoryEntry `json:"nodes"`
	} `json:"historyDetails"`
}
