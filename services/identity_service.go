package services

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"game-rating-ledger/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type IdentityService struct {
	DB       *gorm.DB
	Baseline int
	Cutoff   time.Duration // leaderboard activity window
}

func NewIdentityService(db *gorm.DB, baseline int, cutoff time.Duration) *IdentityService {
	return &IdentityService{DB: db, Baseline: baseline, Cutoff: cutoff}
}

func (s *IdentityService) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.DB.WithContext(ctx)
}

func byKey(db *gorm.DB, key string) *gorm.DB {
	return db.Where("platform_id = ? OR game_account_id = ?", key, key)
}

// EnsureIdentity returns the identity for ref, creating it on first sighting.
// A known identity gets its display name and game account back-filled.
// Pass tx to run inside an open transaction, or nil to use the service's DB.
func (s *IdentityService) EnsureIdentity(ctx context.Context, tx *gorm.DB, ref models.IdentityRef) (*models.Identity, error) {
	db := s.conn(ctx, tx)
	ref.PlatformID = strings.TrimSpace(ref.PlatformID)
	if ref.PlatformID == "" {
		return nil, invalid("platform_id", "must not be empty")
	}
	if ref.GameAccountID != nil {
		acct := strings.TrimSpace(*ref.GameAccountID)
		if acct == "" {
			ref.GameAccountID = nil
		} else {
			ref.GameAccountID = &acct
		}
	}

	if ref.GameAccountID != nil {
		var owner models.Identity
		err := db.Where("game_account_id = ?", *ref.GameAccountID).First(&owner).Error
		switch {
		case err == nil && owner.PlatformID != ref.PlatformID:
			return nil, invalid("game_account_id", "%q is already linked to another player", *ref.GameAccountID)
		case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
			return nil, storageErr("lookup game account", err)
		}
	}

	ident := models.Identity{
		PlatformID:    ref.PlatformID,
		GameAccountID: ref.GameAccountID,
		DisplayName:   ref.DisplayName,
		Rating:        s.Baseline,
	}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "platform_id"}},
		DoNothing: true,
	}).Create(&ident).Error; err != nil {
		return nil, storageErr("create identity", err)
	}

	var stored models.Identity
	if err := db.Where("platform_id = ?", ref.PlatformID).First(&stored).Error; err != nil {
		return nil, storageErr("load identity", err)
	}

	updates := map[string]any{}
	if ref.DisplayName != "" && ref.DisplayName != stored.DisplayName {
		updates["display_name"] = ref.DisplayName
	}
	if ref.GameAccountID != nil && (stored.GameAccountID == nil || *stored.GameAccountID != *ref.GameAccountID) {
		updates["game_account_id"] = *ref.GameAccountID
	}
	if len(updates) > 0 {
		if err := db.Model(&stored).Updates(updates).Error; err != nil {
			return nil, storageErr("back-fill identity", err)
		}
		if err := db.First(&stored, stored.ID).Error; err != nil {
			return nil, storageErr("reload identity", err)
		}
	}
	return &stored, nil
}

// GetIdentity looks up by platform id or game account id.
func (s *IdentityService) GetIdentity(ctx context.Context, key string) (*models.Identity, error) {
	var ident models.Identity
	err := byKey(s.DB.WithContext(ctx), key).First(&ident).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		return nil, storageErr("get identity", err)
	}
	return &ident, nil
}

// GetRating returns the cached rating, or the baseline for an identity never seen.
func (s *IdentityService) GetRating(ctx context.Context, key string) (int, error) {
	ident, err := s.GetIdentity(ctx, key)
	if errors.Is(err, ErrIdentityNotFound) {
		return s.Baseline, nil
	}
	if err != nil {
		return 0, err
	}
	return ident.Rating, nil
}

// SetBanned changes ban state only. Ratings and history are untouched until the next
// full recalculation.
func (s *IdentityService) SetBanned(ctx context.Context, key string, banned bool) (*models.Identity, error) {
	var out *models.Identity
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ident models.Identity
		err := byKey(tx, key).First(&ident).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			created, cerr := s.EnsureIdentity(ctx, tx, models.IdentityRef{PlatformID: key})
			if cerr != nil {
				return cerr
			}
			ident = *created
		} else if err != nil {
			return storageErr("get identity", err)
		}

		if err := tx.Model(&ident).Update("is_banned", banned).Error; err != nil {
			return storageErr("set banned", err)
		}
		ident.IsBanned = banned
		out = &ident
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[IDENTITY] 🔨 %s banned=%t", out.PlatformID, banned)
	return out, nil
}

// ApplyBanList makes the configured lists the complete set of bans: every flag is
// cleared, then the listed identities are banned. Listed platform ids that were never
// seen are created; unknown game accounts are skipped.
func (s *IdentityService) ApplyBanList(ctx context.Context, platformIDs, gameAccountIDs []string) (int, error) {
	banned := 0
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Identity{}).Where("is_banned = ?", true).Update("is_banned", false).Error; err != nil {
			return storageErr("clear bans", err)
		}
		for _, pid := range platformIDs {
			pid = strings.TrimSpace(pid)
			if pid == "" {
				continue
			}
			ident, err := s.EnsureIdentity(ctx, tx, models.IdentityRef{PlatformID: pid})
			if err != nil {
				return err
			}
			if err := tx.Model(ident).Update("is_banned", true).Error; err != nil {
				return storageErr("ban identity", err)
			}
			banned++
		}
		var accounts []string
		for _, a := range gameAccountIDs {
			if a = strings.TrimSpace(a); a != "" {
				accounts = append(accounts, a)
			}
		}
		if len(accounts) > 0 {
			res := tx.Model(&models.Identity{}).Where("game_account_id IN ?", accounts).Update("is_banned", true)
			if res.Error != nil {
				return storageErr("ban game accounts", res.Error)
			}
			banned += int(res.RowsAffected)
			if int(res.RowsAffected) < len(accounts) {
				log.Printf("[IDENTITY] ⚠️ %d banned game account(s) not linked to any player", len(accounts)-int(res.RowsAffected))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	log.Printf("[IDENTITY] ✅ Ban list applied: %d identities banned", banned)
	return banned, nil
}

// Leaderboard returns the top rated, non-banned identities active within the cutoff.
func (s *IdentityService) Leaderboard(ctx context.Context, limit int) ([]models.Identity, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	db := s.DB.WithContext(ctx).Where("is_banned = ?", false)
	if s.Cutoff > 0 {
		db = db.Where("last_active_at >= ?", time.Now().UTC().Add(-s.Cutoff))
	}
	var rows []models.Identity
	if err := db.Order("rating DESC").Order("id ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, storageErr("leaderboard", err)
	}
	return rows, nil
}
