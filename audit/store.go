package audit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ErrLedgerClosed = errors.New("ledger closed")

func OpenDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&AuditRun{}, &AssetAttempt{}); err != nil {
		return nil, err
	}
	return db, nil
}

// OpenQueryDB opens an existing ledger for reading without touching its schema.
func OpenQueryDB(path string) (*gorm.DB, error) {
	return gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
}

// Ledger is an audit trail of runs and per-asset attempts. It is not the
// source of truth for resumption; the output CSVs are.
type Ledger struct {
	mu     sync.Mutex
	db     *gorm.DB
	logger *zap.Logger
	runID  string
}

func NewLedger(db *gorm.DB, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{db: db, logger: logger}
}

// OpenLedger opens (and migrates) the sqlite ledger at path.
func OpenLedger(path string, logger *zap.Logger) (*Ledger, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	return NewLedger(db, logger), nil
}

// BeginRun starts a new run row; later attempts are attached to it.
func (l *Ledger) BeginRun(sourcePath string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return "", ErrLedgerClosed
	}
	run := AuditRun{
		ID:         uuid.NewString(),
		StartedAt:  time.Now().UTC(),
		SourcePath: sourcePath,
		Status:     "running",
	}
	if err := l.db.Create(&run).Error; err != nil {
		return "", err
	}
	l.runID = run.ID
	l.logger.Debug("ledger run started", zap.String("run_id", run.ID))
	return run.ID, nil
}

func (l *Ledger) RecordAttempt(a AssetAttempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return ErrLedgerClosed
	}
	a.RunID = l.runID
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return l.db.Create(&a).Error
}

// FinishRun closes the current run row with the final counts.
func (l *Ledger) FinishRun(stats RunStats, runErr error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return ErrLedgerClosed
	}
	if l.runID == "" {
		return nil
	}
	now := time.Now().UTC()
	status := "ok"
	lastErr := ""
	if runErr != nil {
		status = "error"
		lastErr = runErr.Error()
	}
	return l.db.Model(&AuditRun{}).Where("id = ?", l.runID).Updates(map[string]any{
		"ended_at":   &now,
		"status":     status,
		"read":       stats.Read,
		"compared":   stats.Compared,
		"skipped":    stats.Skipped,
		"failed":     stats.Failed,
		"chunks":     stats.Chunks,
		"archived":   stats.ArchivedTo,
		"last_error": lastErr,
	}).Error
}

// Attempts lists the recorded attempts for an asset, oldest first.
func (l *Ledger) Attempts(assetID string) ([]AssetAttempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil, ErrLedgerClosed
	}
	var out []AssetAttempt
	err := l.db.Where("asset_id = ?", assetID).Order("id asc").Find(&out).Error
	return out, err
}

func (l *Ledger) Run(id string) (*AuditRun, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil, ErrLedgerClosed
	}
	var run AuditRun
	if err := l.db.First(&run, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

func (l *Ledger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil
	}
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	err = sqlDB.Close()
	l.db = nil
	return err
}
