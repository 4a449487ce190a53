// Package syncer runs the per-store sync jobs: fetching stat snapshots
// from the platform, rotating token bundles, and recording every run in
// the audit trail. The orchestrator fans work out over connected stores;
// StoreSyncer does the work for a single store.
package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"shopmetrics-backend/logging"
	"shopmetrics-backend/models"
	"shopmetrics-backend/provider"
	"shopmetrics-backend/utils"
	"shopmetrics-backend/vault"
)

// Kinds of sync work a job can request.
const (
	KindUserStats    = "user-stats"
	KindVideoStats   = "video-stats"
	KindTokenRefresh = "token-refresh"
	KindAll          = "all"
)

// RefreshWindow is how far ahead the token-refresh kind rotates bundles:
// tokens expiring within this window get refreshed proactively.
const RefreshWindow = 24 * time.Hour

// accessSkew keeps a margin between "token still valid" and "token used",
// so a token does not expire mid-request.
const accessSkew = 5 * time.Minute

// SyncStore is the slice of persistence the per-store sync funcs need.
type SyncStore interface {
	GetCredential(ctx context.Context, storeID string) (*models.StoreCredential, error)
	UpdateTokens(ctx context.Context, storeID string, access, refresh []byte, accessExp, refreshExp time.Time) error
	TouchLastSynced(ctx context.Context, storeID string, at time.Time) error
	InsertUserStats(ctx context.Context, row *models.StoreUserStats) error
	InsertVideoStats(ctx context.Context, rows []models.StoreVideoStats) error
}

// Platform is the slice of the provider client the syncer needs.
type Platform interface {
	RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	UserStats(ctx context.Context, accessToken, shopID string) (*provider.UserStats, error)
	VideoStats(ctx context.Context, accessToken, shopID string, limit int) ([]provider.VideoStats, error)
}

// StoreSyncerConfig wires a StoreSyncer.
type StoreSyncerConfig struct {
	Store      SyncStore
	Platform   Platform
	Vault      *vault.Vault
	VideoLimit int
	Logger     *zap.Logger
	Clock      clockwork.Clock
}

// StoreSyncer executes one kind of sync work for one store at a time.
type StoreSyncer struct {
	store      SyncStore
	platform   Platform
	vault      *vault.Vault
	videoLimit int
	log        *zap.Logger
	clock      clockwork.Clock
}

func NewStoreSyncer(cfg StoreSyncerConfig) *StoreSyncer {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSyncer{
		store:      cfg.Store,
		platform:   cfg.Platform,
		vault:      cfg.Vault,
		videoLimit: cfg.VideoLimit,
		log:        logger.With(logging.Component("store-syncer")),
		clock:      clock,
	}
}

// Sync runs one kind of sync work for store. Errors keep the provider
// error chain intact so the orchestrator can classify revocations.
func (s *StoreSyncer) Sync(ctx context.Context, store models.Store, kind string) error {
	switch kind {
	case KindUserStats:
		return s.syncUserStats(ctx, store)
	case KindVideoStats:
		return s.syncVideoStats(ctx, store)
	case KindTokenRefresh:
		return s.refreshIfExpiring(ctx, store.ID, RefreshWindow)
	case KindAll:
		if err := s.syncUserStats(ctx, store); err != nil {
			return err
		}
		return s.syncVideoStats(ctx, store)
	default:
		return fmt.Errorf("unknown sync kind %q", kind)
	}
}

func (s *StoreSyncer) syncUserStats(ctx context.Context, store models.Store) error {
	accessToken, err := s.accessToken(ctx, store.ID)
	if err != nil {
		return err
	}

	stats, err := s.platform.UserStats(ctx, accessToken, store.ProviderShopID)
	if err != nil {
		return fmt.Errorf("fetch user stats: %w", err)
	}

	now := s.clock.Now()
	row := &models.StoreUserStats{
		StoreID:        store.ID,
		FollowerCount:  stats.FollowerCount,
		FollowingCount: stats.FollowingCount,
		LikesCount:     stats.LikesCount,
		VideoCount:     stats.VideoCount,
		CapturedAt:     now,
	}
	if err := s.store.InsertUserStats(ctx, row); err != nil {
		return fmt.Errorf("persist user stats: %w", err)
	}
	if err := s.store.TouchLastSynced(ctx, store.ID, now); err != nil {
		return fmt.Errorf("update last_synced_at: %w", err)
	}

	s.log.Debug("user stats captured",
		logging.StoreID(store.ID),
		zap.Int64("followers", stats.FollowerCount))
	return nil
}

func (s *StoreSyncer) syncVideoStats(ctx context.Context, store models.Store) error {
	accessToken, err := s.accessToken(ctx, store.ID)
	if err != nil {
		return err
	}

	videos, err := s.platform.VideoStats(ctx, accessToken, store.ProviderShopID, s.videoLimit)
	if err != nil {
		return fmt.Errorf("fetch video stats: %w", err)
	}

	now := s.clock.Now()
	rows := make([]models.StoreVideoStats, 0, len(videos))
	for _, v := range videos {
		rows = append(rows, models.StoreVideoStats{
			StoreID:        store.ID,
			VideoID:        v.VideoID,
			Title:          v.Title,
			ViewCount:      v.ViewCount,
			LikeCount:      v.LikeCount,
			CommentCount:   v.CommentCount,
			ShareCount:     v.ShareCount,
			EngagementRate: engagementRate(v),
			CapturedAt:     now,
		})
	}
	if err := s.store.InsertVideoStats(ctx, rows); err != nil {
		return fmt.Errorf("persist video stats: %w", err)
	}
	if err := s.store.TouchLastSynced(ctx, store.ID, now); err != nil {
		return fmt.Errorf("update last_synced_at: %w", err)
	}

	s.log.Debug("video stats captured",
		logging.StoreID(store.ID),
		zap.Int("videos", len(rows)))
	return nil
}

// refreshIfExpiring rotates the token bundle when the access token expires
// within window. Bundles with plenty of life left are not touched.
func (s *StoreSyncer) refreshIfExpiring(ctx context.Context, storeID string, window time.Duration) error {
	cred, err := s.store.GetCredential(ctx, storeID)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	if cred.AccessExpiresAt.After(s.clock.Now().Add(window)) {
		return nil
	}
	_, err = s.refresh(ctx, cred)
	return err
}

// accessToken returns a usable plaintext access token for storeID,
// refreshing the bundle first when the stored one is expired or about to
// expire.
func (s *StoreSyncer) accessToken(ctx context.Context, storeID string) (string, error) {
	cred, err := s.store.GetCredential(ctx, storeID)
	if err != nil {
		return "", fmt.Errorf("load credential: %w", err)
	}
	if cred.AccessExpiresAt.After(s.clock.Now().Add(accessSkew)) {
		plaintext, err := s.vault.DecryptString(cred.AccessToken)
		if err != nil {
			return "", fmt.Errorf("decrypt access token: %w", err)
		}
		return plaintext, nil
	}
	return s.refresh(ctx, cred)
}

// refresh rotates the bundle via the platform, re-encrypts the new tokens
// and persists them. Returns the new plaintext access token.
func (s *StoreSyncer) refresh(ctx context.Context, cred *models.StoreCredential) (string, error) {
	refreshPlain, err := s.vault.DecryptString(cred.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("decrypt refresh token: %w", err)
	}

	token, err := s.platform.RefreshToken(ctx, refreshPlain)
	if err != nil {
		return "", fmt.Errorf("refresh token bundle: %w", err)
	}

	accessBlob, err := s.vault.EncryptString(token.AccessToken)
	if err != nil {
		return "", fmt.Errorf("encrypt access token: %w", err)
	}
	var refreshBlob []byte
	if token.RefreshToken != "" {
		if refreshBlob, err = s.vault.EncryptString(token.RefreshToken); err != nil {
			return "", fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	if err := s.store.UpdateTokens(ctx, cred.StoreID, accessBlob, refreshBlob,
		token.Expiry, provider.RefreshExpiry(token)); err != nil {
		return "", fmt.Errorf("persist rotated tokens: %w", err)
	}

	s.log.Info("token bundle rotated", logging.StoreID(cred.StoreID))
	return token.AccessToken, nil
}

// engagementRate is interactions per view as a percentage, 4 decimals.
func engagementRate(v provider.VideoStats) float64 {
	if v.ViewCount == 0 {
		return 0
	}
	interactions := float64(v.LikeCount + v.CommentCount + v.ShareCount)
	return utils.Round4(interactions / float64(v.ViewCount) * 100)
}
