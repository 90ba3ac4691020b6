package domain

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Namespaces for deterministic dedup-key derivation, one per record category.
var (
	BattleNamespace = uuid.MustParse("b3a2dbf5-2c09-4792-b78c-00b548b70aeb")
	JobNamespace    = uuid.MustParse("f1c8ee2d-d9ad-4d42-b337-2a0b432b1a7a")
)

// Category distinguishes the two record families the vendor exposes.
type Category int

const (
	CategoryBattle Category = iota
	CategoryJob
)

func (c Category) String() string {
	if c == CategoryJob {
		return "job"
	}
	return "battle"
}

func (c Category) Namespace() uuid.UUID {
	if c == CategoryJob {
		return JobNamespace
	}
	return BattleNamespace
}

// Noun returns the operator-facing plural for the category selection.
func Noun(which Selection) string {
	switch which {
	case SelectJobs:
		return "jobs"
	case SelectBoth:
		return "battles/jobs"
	default:
		return "battles"
	}
}

// Selection narrows which record categories an operation covers.
type Selection int

const (
	SelectBoth Selection = iota
	SelectBattles
	SelectJobs
)

// DecodeID base64-decodes an opaque record identifier and strips the known
// schema prefixes. The empty string is returned for the hacked grizzco
// weapon shape (5 digits, leading "2", trailing "900"), which must not be
// forwarded downstream. Decoding is pure: same input, same output.
func DecodeID(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode record id: %w", err)
	}
	id := string(raw)
	for _, prefix := range []string{"VsStage-", "VsMode-", "CoopStage-", "CoopGrade-"} {
		id = strings.ReplaceAll(id, prefix, "")
	}
	if strings.Contains(id, "Weapon-") {
		id = strings.ReplaceAll(id, "Weapon-", "")
		if len(id) == 5 && id[:1] == "2" && id[len(id)-3:] == "900" {
			return "", nil
		}
	}
	return id, nil
}

// DecodeNumericID decodes an identifier expected to carry a small integer
// (stages, modes, weapons).
func DecodeNumericID(encoded string) (int, error) {
	id, err := DecodeID(encoded)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(id)
	if err != nil {
		return 0, fmt.Errorf("non-numeric record id %q: %w", id, err)
	}
	return n, nil
}

// DedupKey is one derivation of a record's content-derived unique id.
type DedupKey struct {
	Scheme string // "new" or "old"
	Value  string
}

// DedupKeys returns the versioned derivation list for a decoded detail
// identifier, new scheme first. The new scheme hashes the trailing 52 bytes
// (<YYYYMMDD>T<HHMMSS>_<uuid>) against the category namespace; the old
// scheme is the trailing 36 bytes verbatim, which is not unique across
// schema versions and is kept only for reconciling legacy uploads.
func DedupKeys(decoded string, cat Category) []DedupKey {
	keys := make([]DedupKey, 0, 2)
	if n := len(decoded); n >= 52 {
		keys = append(keys, DedupKey{
			Scheme: "new",
			Value:  uuid.NewSHA1(cat.Namespace(), []byte(decoded[n-52:])).String(),
		})
	}
	if n := len(decoded); n >= 36 {
		keys = append(keys, DedupKey{Scheme: "old", Value: decoded[n-36:]})
	}
	return keys
}

// EpochTime converts the vendor's playedTime string to unix seconds.
func EpochTime(playedTime string) (int64, error) {
	t, err := time.Parse("2006-01-02T15:04:05Z", playedTime)
	if err != nil {
		return 0, fmt.Errorf("parse played time %q: %w", playedTime, err)
	}
	return t.Unix(), nil
}
