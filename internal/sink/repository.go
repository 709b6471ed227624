package sink

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// VerificationLog is one persisted verdict.
type VerificationLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	SessionID string    `gorm:"column:session_id;index;size:64" json:"session_id"`
	UserID    string    `gorm:"column:user_id;size:64" json:"user_id"`
	Source    string    `gorm:"column:source;size:16" json:"source"`
	Seq       uint64    `gorm:"column:seq" json:"seq"`
	Verified  bool      `gorm:"column:verified" json:"verified"`
	Distance  *float64  `gorm:"column:distance" json:"distance,omitempty"`
	Error     string    `gorm:"column:error;type:text" json:"error,omitempty"`
	Detector  string    `gorm:"column:detector;size:32" json:"detector"`
	Model     string    `gorm:"column:model;size:32" json:"model"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName overrides the default table name.
func (VerificationLog) TableName() string {
	return "face_matches"
}

// VerificationRepository stores verdicts in Postgres.
type VerificationRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// OpenDatabase connects to Postgres with a small pool.
func OpenDatabase(ctx context.Context, dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

// NewVerificationRepository creates a new repository instance.
func NewVerificationRepository(db *gorm.DB, logger *zap.Logger) *VerificationRepository {
	return &VerificationRepository{
		db:             db,
		logger:         logger.Named("verification_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *VerificationRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&VerificationLog{})
}

func (r *VerificationRepository) Name() string { return "postgres" }

func (r *VerificationRepository) Record(ctx context.Context, rec VerdictRecord) error {
	return r.SaveLog(ctx, &VerificationLog{
		SessionID: rec.SessionID,
		UserID:    rec.UserID,
		Source:    rec.Source,
		Seq:       rec.Seq,
		Verified:  rec.Verified,
		Distance:  rec.Distance,
		Error:     rec.Error,
		Detector:  rec.Detector,
		Model:     rec.Model,
		CreatedAt: rec.RecordedAt.UTC(),
	})
}

// SaveLog persists a verification log entry.
func (r *VerificationRepository) SaveLog(ctx context.Context, log *VerificationLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.SessionID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// RecentBySession lists the newest entries of a session first.
func (r *VerificationRepository) RecentBySession(ctx context.Context, sessionID string, limit int) ([]*VerificationLog, error) {
	var logs []*VerificationLog
	err := r.executeWithRetry(ctx, "repository.recent_by_session", sessionID, func() error {
		return r.db.WithContext(ctx).
			Where("session_id = ?", sessionID).
			Order("created_at DESC").
			Limit(limit).
			Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

func (r *VerificationRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	return retrier{
		logger:         r.logger,
		retryAttempts:  r.retryAttempts,
		initialBackoff: r.initialBackoff,
		maxBackoff:     r.maxBackoff,
	}.do(ctx, operation, requestID, fn)
}
