package audit

import "time"

type AuditRun struct {
	ID         string    `gorm:"primaryKey;size:36"`
	StartedAt  time.Time `gorm:"index"`
	EndedAt    *time.Time
	SourcePath string `gorm:"index;size:1024"`
	Status     string `gorm:"index;size:16"` // running, ok, error
	Read       int
	Compared   int
	Skipped    int
	Failed     int
	Chunks     int
	Archived   string `gorm:"size:1024"`
	LastError  string `gorm:"type:text"`
}

type AssetAttempt struct {
	ID        uint      `gorm:"primaryKey"`
	RunID     string    `gorm:"index;size:36"`
	AssetID   string    `gorm:"index;size:256"`
	CreatedAt time.Time `gorm:"index"`
	Outcome   string    `gorm:"index;size:16"` // compared, skipped, failed
	ErrorType string    `gorm:"index;size:32"`
	Stage     string    `gorm:"size:32"`
	Leg       string    `gorm:"size:16"`
	URL       string    `gorm:"type:text"`
	Error     string    `gorm:"type:text"`

	SSIM              float64
	MSE               float64
	PHashDifference   int
	OpenseaExtension  string `gorm:"size:64"`
	OriginalExtension string `gorm:"size:64"`

	// Digests are the sha256 of the fetched bytes, so a changed image can be told
	// apart from a rescored one.
	MarketplaceDigest string `gorm:"size:64"`
	OriginalDigest    string `gorm:"size:64"`
	DurationMs        int64
}
