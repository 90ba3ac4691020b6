package service_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"splatsync/internal/api"
	"splatsync/internal/config"
	"splatsync/internal/domain"
	"splatsync/internal/service"
)

func newSyncer(t *testing.T, srvURL string) (*service.Syncer, *config.Store, *bytes.Buffer) {
	t.Helper()
	store, err := config.NewAt(filepath.Join(t.TempDir(), "config.txt"), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAt: %v", err)
	}
	if err := store.Set("api_key", "test-key"); err != nil {
		t.Fatal(err)
	}

	logger := zerolog.Nop()
	statink := api.NewStatInkClient(api.Endpoints{StatInk: srvURL}, store, logger)
	transcoder := service.NewTranscoder(store, logger)
	syncer := service.NewSyncer(statink, nil, transcoder, store, logger)

	var out bytes.Buffer
	syncer.SetOutput(&out)
	return syncer, store, &out
}

func dedupKeys(t *testing.T) (newKey, oldKey string) {
	t.Helper()
	keys := domain.DedupKeys(decodedBattleID, domain.CategoryBattle)
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys got %d", len(keys))
	}
	return keys[0].Value, keys[1].Value
}

func TestShouldSkip_NewKeyAlwaysSkips(t *testing.T) {
	t.Parallel()

	syncer, store, _ := newSyncer(t, "http://unused.test")
	newKey, _ := dedupKeys(t)

	// force_uploads must not override the current key scheme.
	if err := store.Set("force_uploads", "true"); err != nil {
		t.Fatal(err)
	}
	skip, err := syncer.ShouldSkip(b64(decodedBattleID), domain.CategoryBattle, map[string]bool{newKey: true})
	if err != nil {
		t.Fatalf("ShouldSkip: %v", err)
	}
	if !skip {
		t.Fatal("expected skip on new-scheme hit")
	}
}

func TestShouldSkip_OldKeyHonorsForceUploads(t *testing.T) {
	t.Parallel()

	syncer, store, _ := newSyncer(t, "http://unused.test")
	_, oldKey := dedupKeys(t)
	uploaded := map[string]bool{oldKey: true}

	skip, err := syncer.ShouldSkip(b64(decodedBattleID), domain.CategoryBattle, uploaded)
	if err != nil {
		t.Fatalf("ShouldSkip: %v", err)
	}
	if !skip {
		t.Fatal("expected skip on legacy-scheme hit by default")
	}

	if err := store.Set("force_uploads", "true"); err != nil {
		t.Fatal(err)
	}
	skip, err = syncer.ShouldSkip(b64(decodedBattleID), domain.CategoryBattle, uploaded)
	if err != nil {
		t.Fatalf("ShouldSkip: %v", err)
	}
	if skip {
		t.Fatal("force_uploads must override a legacy-only hit")
	}
}

func TestShouldSkip_UnseenRecord(t *testing.T) {
	t.Parallel()

	syncer, _, _ := newSyncer(t, "http://unused.test")
	skip, err := syncer.ShouldSkip(b64(decodedBattleID), domain.CategoryBattle, map[string]bool{"other": true})
	if err != nil {
		t.Fatalf("ShouldSkip: %v", err)
	}
	if skip {
		t.Fatal("unseen record must not be skipped")
	}
}

func TestSyncBattles_AllUploadedMeansNoPost(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	syncer, _, out := newSyncer(t, srv.URL)
	newKey, _ := dedupKeys(t)
	uploaded := map[string]bool{newKey: true}

	err := syncer.SyncBattles(t.Context(), []domain.BattleRecord{record(turfBattle())}, nil, service.TranscodeOptions{}, uploaded)
	if err != nil {
		t.Fatalf("SyncBattles: %v", err)
	}
	if got := hits.Load(); got != 0 {
		t.Fatalf("expected no requests got %d", got)
	}
	if !strings.Contains(out.String(), "Nothing new to upload.") {
		t.Fatalf("expected nothing-to-upload message, got %q", out.String())
	}
}

func TestSyncBattles_UploadsAndReportsLocation(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "https://example.test/@me/spl3/xyz")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"created_at": map[string]any{"time": time.Now().Unix()},
		})
	}))
	defer srv.Close()

	syncer, _, out := newSyncer(t, srv.URL)
	err := syncer.SyncBattles(t.Context(), []domain.BattleRecord{record(turfBattle())}, nil, service.TranscodeOptions{}, map[string]bool{})
	if err != nil {
		t.Fatalf("SyncBattles: %v", err)
	}
	if !strings.Contains(out.String(), "Uploading 1 battle...") {
		t.Fatalf("expected upload banner, got %q", out.String())
	}
	if !strings.Contains(out.String(), "Battle uploaded to https://example.test/@me/spl3/xyz") {
		t.Fatalf("expected upload confirmation, got %q", out.String())
	}
}

func TestUploadBattle_OldCreatedAtMeansDuplicate(t *testing.T) {
	t.Parallel()

	now := time.Unix(1677385921, 0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "https://example.test/@me/spl3/dup")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"created_at": map[string]any{"time": now.Add(-30 * time.Second).Unix()},
		})
	}))
	defer srv.Close()

	syncer, _, out := newSyncer(t, srv.URL)
	syncer.SetClock(func() time.Time { return now })

	err := syncer.UploadBattle(t.Context(), record(turfBattle()), nil, service.TranscodeOptions{})
	if err != nil {
		t.Fatalf("UploadBattle: %v", err)
	}
	if !strings.Contains(out.String(), "Battle already uploaded - https://example.test/@me/spl3/dup") {
		t.Fatalf("expected duplicate message, got %q", out.String())
	}
}

func TestUploadBattle_FreshCreatedAtMeansCreated(t *testing.T) {
	t.Parallel()

	now := time.Unix(1677385921, 0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "https://example.test/@me/spl3/new")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"created_at": map[string]any{"time": now.Add(-2 * time.Second).Unix()},
		})
	}))
	defer srv.Close()

	syncer, _, out := newSyncer(t, srv.URL)
	syncer.SetClock(func() time.Time { return now })

	err := syncer.UploadBattle(t.Context(), record(turfBattle()), nil, service.TranscodeOptions{})
	if err != nil {
		t.Fatalf("UploadBattle: %v", err)
	}
	if !strings.Contains(out.String(), "Battle uploaded to https://example.test/@me/spl3/new") {
		t.Fatalf("expected created message, got %q", out.String())
	}
}

func TestUploadBattle_RejectionSurfacesBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"errors":["rule is invalid"]}`))
	}))
	defer srv.Close()

	syncer, _, _ := newSyncer(t, srv.URL)
	err := syncer.UploadBattle(t.Context(), record(turfBattle()), nil, service.TranscodeOptions{})
	if err == nil {
		t.Fatal("expected rejection error")
	}
	if !strings.Contains(err.Error(), "rule is invalid") {
		t.Fatalf("expected raw body in error, got %v", err)
	}
}

func TestUploadBattle_SkippedKindDoesNotPost(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	b := turfBattle()
	b.VsMode.Mode = "FEST"
	syncer, _, _ := newSyncer(t, srv.URL)
	if err := syncer.UploadBattle(t.Context(), record(b), nil, service.TranscodeOptions{}); err != nil {
		t.Fatalf("UploadBattle: %v", err)
	}
	if got := hits.Load(); got != 0 {
		t.Fatalf("unsupported kind must not reach the server, got %d requests", got)
	}
}

func TestUploaded_BuildsSet(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`["k1","k2","k1"]`))
	}))
	defer srv.Close()

	syncer, _, _ := newSyncer(t, srv.URL)
	set, err := syncer.Uploaded(t.Context())
	if err != nil {
		t.Fatalf("Uploaded: %v", err)
	}
	if len(set) != 2 || !set["k1"] || !set["k2"] {
		t.Fatalf("unexpected set %v", set)
	}
}
