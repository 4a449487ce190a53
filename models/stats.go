package models

import "time"

// StoreUserStats is one snapshot of a store's audience counters. Rows are
// append-only; the newest row per store is the current state.
type StoreUserStats struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	StoreID        string    `json:"store_id" gorm:"index:idx_user_stats_store_captured,priority:1;not null"`
	FollowerCount  int64     `json:"follower_count"`
	FollowingCount int64     `json:"following_count"`
	LikesCount     int64     `json:"likes_count"`
	VideoCount     int64     `json:"video_count"`
	CapturedAt     time.Time `json:"captured_at" gorm:"index:idx_user_stats_store_captured,priority:2"`
}

// StoreVideoStats is one snapshot of a single video's counters.
type StoreVideoStats struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	StoreID        string    `json:"store_id" gorm:"index:idx_video_stats_store_captured,priority:1;not null"`
	VideoID        string    `json:"video_id" gorm:"index;not null"`
	Title          string    `json:"title"`
	ViewCount      int64     `json:"view_count"`
	LikeCount      int64     `json:"like_count"`
	CommentCount   int64     `json:"comment_count"`
	ShareCount     int64     `json:"share_count"`
	EngagementRate float64   `json:"engagement_rate" gorm:"type:numeric(8,4)"`
	CapturedAt     time.Time `json:"captured_at" gorm:"index:idx_video_stats_store_captured,priority:2"`
}
