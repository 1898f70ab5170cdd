package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"time"

	"game-rating-ledger/models"
	"game-rating-ledger/rating"

	"github.com/gosimple/slug"
	"gorm.io/gorm"
)

const exportFormatVersion = 1

type ExportedIdentity struct {
	ID            uint       `json:"id"`
	PlatformID    string     `json:"platform_id"`
	GameAccountID *string    `json:"game_account_id,omitempty"`
	DisplayName   string     `json:"display_name,omitempty"`
	IsBanned      bool       `json:"is_banned"`
	Rating        int        `json:"rating"`
	LastActiveAt  *time.Time `json:"last_active_at,omitempty"`
}

type ExportedTeam struct {
	Slot int    `json:"slot"`
	Name string `json:"name,omitempty"`
	Rank int    `json:"rank"`
}

type ExportedParticipant struct {
	IdentityID    uint   `json:"identity_id"`
	PlatformID    string `json:"platform_id"`
	TeamSlot      int    `json:"team_slot"`
	PreGameRating int    `json:"pre_game_rating"`
	RatingDelta   int    `json:"rating_delta"`
	IsEligible    bool   `json:"is_eligible"`
}

type ExportedGame struct {
	Sequence          uint                  `json:"sequence"`
	ID                string                `json:"id"`
	GuildID           string                `json:"guild_id,omitempty"`
	Name              string                `json:"name,omitempty"`
	Outcome           rating.Outcome        `json:"outcome"`
	IsRanked          bool                  `json:"is_ranked"`
	IsVoided          bool                  `json:"is_voided"`
	VoidReason        string                `json:"void_reason,omitempty"`
	IsExcludedFromElo bool                  `json:"is_excluded_from_elo"`
	IsSettled         bool                  `json:"is_settled"`
	SettledAt         *time.Time            `json:"settled_at,omitempty"`
	CompletedAt       time.Time             `json:"completed_at"`
	Teams             []ExportedTeam        `json:"teams"`
	Participants      []ExportedParticipant `json:"participants"`
}

// LedgerExport is a full snapshot of identities and the game ledger in replay order.
type LedgerExport struct {
	FormatVersion int                `json:"format_version"`
	ExportedAt    time.Time          `json:"exported_at"`
	Elo           rating.Config      `json:"elo"`
	Identities    []ExportedIdentity `json:"identities"`
	Games         []ExportedGame     `json:"games"`
}

// Uploader stores a finished export somewhere durable.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

type ExportService struct {
	DB       *gorm.DB
	Engine   *rating.Engine
	Uploader Uploader // nil disables Publish
	Now      func() time.Time
}

func NewExportService(db *gorm.DB, engine *rating.Engine, uploader Uploader) *ExportService {
	return &ExportService{DB: db, Engine: engine, Uploader: uploader, Now: time.Now}
}

// Snapshot reads the whole ledger inside one transaction.
func (s *ExportService) Snapshot(ctx context.Context) (*LedgerExport, error) {
	out := &LedgerExport{
		FormatVersion: exportFormatVersion,
		ExportedAt:    s.Now().UTC(),
		Elo:           s.Engine.Config(),
		Identities:    []ExportedIdentity{},
		Games:         []ExportedGame{},
	}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var idents []models.Identity
		if err := tx.Order("id ASC").Find(&idents).Error; err != nil {
			return storageErr("export identities", err)
		}
		platform := make(map[uint]string, len(idents))
		for _, ident := range idents {
			platform[ident.ID] = ident.PlatformID
			out.Identities = append(out.Identities, ExportedIdentity{
				ID:            ident.ID,
				PlatformID:    ident.PlatformID,
				GameAccountID: ident.GameAccountID,
				DisplayName:   ident.DisplayName,
				IsBanned:      ident.IsBanned,
				Rating:        ident.Rating,
				LastActiveAt:  ident.LastActiveAt,
			})
		}

		var games []models.Game
		if err := tx.
			Preload("Teams", func(db *gorm.DB) *gorm.DB { return db.Order("slot ASC") }).
			Preload("Participants", func(db *gorm.DB) *gorm.DB { return db.Order("team_slot ASC, id ASC") }).
			Order("completed_at ASC").Order("id ASC").
			Find(&games).Error; err != nil {
			return storageErr("export games", err)
		}
		for i := range games {
			g := &games[i]
			outcome, err := g.Outcome()
			if err != nil {
				return inconsistent("game %s: %v", g.UUID, err)
			}
			eg := ExportedGame{
				Sequence:          g.ID,
				ID:                g.UUID,
				GuildID:           g.GuildID,
				Name:              g.Name,
				Outcome:           outcome,
				IsRanked:          g.IsRanked,
				IsVoided:          g.IsVoided,
				VoidReason:        g.VoidReason,
				IsExcludedFromElo: g.IsExcludedFromElo,
				IsSettled:         g.IsSettled,
				SettledAt:         g.SettledAt,
				CompletedAt:       g.CompletedAt,
			}
			for _, t := range g.Teams {
				eg.Teams = append(eg.Teams, ExportedTeam{Slot: t.Slot, Name: t.Name, Rank: t.Rank})
			}
			for _, p := range g.Participants {
				eg.Participants = append(eg.Participants, ExportedParticipant{
					IdentityID:    p.IdentityID,
					PlatformID:    platform[p.IdentityID],
					TeamSlot:      p.TeamSlot,
					PreGameRating: p.PreGameRating,
					RatingDelta:   p.RatingDelta,
					IsEligible:    p.IsEligible,
				})
			}
			out.Games = append(out.Games, eg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExportLedger writes the snapshot as JSON.
func (s *ExportService) ExportLedger(ctx context.Context, w io.Writer) error {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	return nil
}

// DecodeLedgerExport reads an export back and checks every game's outcome against its
// teams.
func DecodeLedgerExport(r io.Reader) (*LedgerExport, error) {
	var out LedgerExport
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode export: %w", err)
	}
	if out.FormatVersion != exportFormatVersion {
		return nil, fmt.Errorf("unsupported export format version %d", out.FormatVersion)
	}
	for _, g := range out.Games {
		if err := g.Outcome.Validate(len(g.Teams)); err != nil {
			return nil, fmt.Errorf("game %s: %w", g.ID, err)
		}
		for _, t := range g.Teams {
			if t.Rank != g.Outcome.Rank(t.Slot) {
				return nil, fmt.Errorf("game %s: team %d rank %d disagrees with outcome", g.ID, t.Slot, t.Rank)
			}
		}
	}
	return &out, nil
}

// Publish uploads a fresh export under exports/<label>/<timestamp>.json and returns the
// object key and URL.
func (s *ExportService) Publish(ctx context.Context, label string) (string, string, error) {
	if s.Uploader == nil {
		return "", "", fmt.Errorf("export publishing is not configured")
	}
	var buf bytes.Buffer
	if err := s.ExportLedger(ctx, &buf); err != nil {
		return "", "", err
	}
	name := slug.Make(label)
	if name == "" {
		name = "ledger"
	}
	key := fmt.Sprintf("exports/%s/%s.json", name, s.Now().UTC().Format("20060102T150405Z"))
	url, err := s.Uploader.Upload(ctx, key, buf.Bytes(), "application/json")
	if err != nil {
		return "", "", err
	}
	log.Printf("[EXPORT] ☁️ Published ledger export %s (%d bytes)", key, buf.Len())
	return key, url, nil
}
