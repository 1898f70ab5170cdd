// workers/moderation_sync_worker.go
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"game-rating-ledger/models"
	"game-rating-ledger/services"
	"game-rating-ledger/utils"
)

// RemoteIdentity matches one entry of the moderation service's change feed.
type RemoteIdentity struct {
	PlatformID    string    `json:"platform_id"`
	GameAccountID *string   `json:"game_account_id,omitempty"`
	DisplayName   string    `json:"display_name"`
	IsBanned      bool      `json:"is_banned"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// GetIdentityChangesResponse is the top-level structure of the feed response.
type GetIdentityChangesResponse struct {
	Identities []RemoteIdentity `json:"identities"`
}

// ModerationSyncWorker pulls first sightings and ban changes from the moderation service.
// Ban changes only flip the flag; standings move at the next recalculation.
type ModerationSyncWorker struct {
	identities   *services.IdentityService
	interval     time.Duration
	baseURL      string // e.g., "http://localhost:8500"
	endpointPath string // e.g., "/api/v1/public/identities"
	serviceToken string
	httpClient   *http.Client

	since time.Time // newest updated_at applied so far
}

func NewModerationSyncWorker(identities *services.IdentityService, baseURL, endpointPath, serviceToken string, interval time.Duration) *ModerationSyncWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ModerationSyncWorker{
		identities:   identities,
		interval:     interval,
		baseURL:      baseURL,
		endpointPath: endpointPath,
		serviceToken: serviceToken,
		httpClient:   utils.HTTPClient,
	}
}

func (w *ModerationSyncWorker) Start(ctx context.Context) {
	log.Println("🔁 Starting Moderation Sync Worker (moderation service → identities)…")
	go w.run(ctx)
}

func (w *ModerationSyncWorker) run(ctx context.Context) {
	// Initial sync from the beginning of time
	if _, err := w.SyncOnce(ctx); err != nil {
		log.Printf("⚠️ Initial moderation sync failed: %v", err)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := w.SyncOnce(ctx); err != nil {
				log.Printf("❌ Moderation sync batch failed: %v", err)
			}
		case <-ctx.Done():
			log.Println("⏹️ Moderation Sync Worker stopped")
			return
		}
	}
}

// SyncOnce fetches changes since the last applied update and applies them. It returns the
// number of identities applied.
func (w *ModerationSyncWorker) SyncOnce(ctx context.Context) (int, error) {
	sinceStr := w.since.UTC().Format(time.RFC3339)

	base, err := url.Parse(w.baseURL)
	if err != nil {
		return 0, fmt.Errorf("invalid moderation service URL '%s': %w", w.baseURL, err)
	}
	endpointURL := base.JoinPath(w.endpointPath)
	q := endpointURL.Query()
	q.Set("since", sinceStr)
	endpointURL.RawQuery = q.Encode()
	finalURL := endpointURL.String()

	log.Printf("[SYNC] ➡️  GET %s", finalURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, finalURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request to %s: %w", finalURL, err)
	}
	req.Header.Set("X-Service-Token", w.serviceToken)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HTTP request to moderation service failed: %w", err)
	}
	defer func() {
		// Always drain & close to prevent connection leaks
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		log.Printf("[SYNC] ❌ Moderation service returned %d for %s: %s", resp.StatusCode, finalURL, string(body))
		return 0, fmt.Errorf("moderation service non-200 response: %d: %s", resp.StatusCode, string(body))
	}

	var response GetIdentityChangesResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return 0, fmt.Errorf("failed to decode moderation service response: %w", err)
	}
	if len(response.Identities) == 0 {
		log.Printf("[SYNC] ✅ No identity changes since %s", sinceStr)
		return 0, nil
	}

	var applied, errorCount int
	latest := w.since
	for _, remote := range response.Identities {
		if err := w.apply(ctx, remote); err != nil {
			errorCount++
			log.Printf("[SYNC] ⚠️ Failed to apply identity %q: %v", remote.PlatformID, err)
			continue
		}
		applied++
		if remote.UpdatedAt.After(latest) {
			latest = remote.UpdatedAt
		}
	}
	// a failed entry is retried on the next poll
	if errorCount == 0 {
		w.since = latest
	}

	log.Printf("[SYNC] ✅ Synced %d identities (%d applied, %d errors). Latest: %s",
		len(response.Identities), applied, errorCount, latest.UTC().Format(time.RFC3339))
	return applied, nil
}

func (w *ModerationSyncWorker) apply(ctx context.Context, remote RemoteIdentity) error {
	ident, err := w.identities.EnsureIdentity(ctx, nil, models.IdentityRef{
		PlatformID:    remote.PlatformID,
		GameAccountID: remote.GameAccountID,
		DisplayName:   remote.DisplayName,
	})
	if err != nil {
		return err
	}
	if ident.IsBanned == remote.IsBanned {
		return nil
	}
	_, err = w.identities.SetBanned(ctx, ident.PlatformID, remote.IsBanned)
	return err
}
