package workers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"game-rating-ledger/models"
	"game-rating-ledger/services"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newIdentityService(t *testing.T) *services.IdentityService {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := models.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return services.NewIdentityService(db, 1000, 0)
}

func TestModerationSyncAppliesChanges(t *testing.T) {
	identities := newIdentityService(t)
	ctx := context.Background()
	if _, err := identities.EnsureIdentity(ctx, nil, models.IdentityRef{PlatformID: "alice"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	acct := "poly-bob"
	t1 := time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	var sinceSeen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Service-Token") != "svc-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/api/v1/public/identities" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		sinceSeen = append(sinceSeen, r.URL.Query().Get("since"))
		resp := GetIdentityChangesResponse{}
		if len(sinceSeen) == 1 {
			resp.Identities = []RemoteIdentity{
				{PlatformID: "alice", IsBanned: true, UpdatedAt: t1},
				{PlatformID: "bob", GameAccountID: &acct, DisplayName: "Bob", UpdatedAt: t2},
			}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	w := NewModerationSyncWorker(identities, srv.URL, "/api/v1/public/identities", "svc-token", time.Minute)
	n, err := w.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 applied, got %d", n)
	}

	alice, err := identities.GetIdentity(ctx, "alice")
	if err != nil || !alice.IsBanned || alice.Rating != 1000 {
		t.Fatalf("alice should be banned with her rating intact: %+v (%v)", alice, err)
	}
	bob, err := identities.GetIdentity(ctx, "poly-bob")
	if err != nil || bob.PlatformID != "bob" || bob.DisplayName != "Bob" {
		t.Fatalf("bob should be created with his game account: %+v (%v)", bob, err)
	}

	if _, err := w.SyncOnce(ctx); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if len(sinceSeen) != 2 || sinceSeen[1] != t2.Format(time.RFC3339) {
		t.Fatalf("expected the second poll to resume from %s, got %v", t2.Format(time.RFC3339), sinceSeen)
	}
}

func TestModerationSyncRejectsBadStatus(t *testing.T) {
	identities := newIdentityService(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	w := NewModerationSyncWorker(identities, srv.URL, "/api/v1/public/identities", "svc-token", 0)
	if _, err := w.SyncOnce(context.Background()); err == nil {
		t.Fatal("expected an error for a non-200 response")
	}
}
