// Package store persists liquidation attempts to MySQL for offline
// analysis. The store is optional; without a DSN the pipeline runs with
// history disabled.
package store

import (
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"liquidation-bot/executor"
)

// AttemptRow is the persisted form of one execution attempt.
type AttemptRow struct {
	ID                 uint64 `gorm:"primaryKey;autoIncrement"`
	Borrower           string `gorm:"size:42;index"`
	Pool               string `gorm:"size:42"`
	Strategy           string `gorm:"size:40"`
	State              string `gorm:"size:20;index"`
	Block              uint64
	TxHash             string `gorm:"size:66"`
	DebtToCover        string `gorm:"size:80"`
	ExpectedCollateral string `gorm:"size:80"`
	ProfitUSD          string `gorm:"size:40"`
	GasPriceWei        string `gorm:"size:40"`
	GasUsed            uint64
	Error              string    `gorm:"size:500"`
	StartedAt          time.Time `gorm:"index"`
	FinishedAt         time.Time
	CreatedAt          time.Time `gorm:"autoCreateTime"`
}

// TableName pins the table name across gorm naming strategies.
func (AttemptRow) TableName() string { return "liquidation_attempts" }

// Store wraps the history database.
type Store struct {
	logger *zap.Logger
	db     *gorm.DB
}

// Open connects to MySQL and migrates the schema.
func Open(dsn string, logger *zap.Logger) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&AttemptRow{}); err != nil {
		return nil, err
	}
	return &Store{logger: logger.Named("store"), db: db}, nil
}

// RecordAttempt writes one finished attempt. Failures are logged, not
// returned; history never blocks execution.
func (s *Store) RecordAttempt(a *executor.Attempt) {
	if s == nil {
		return
	}
	row := AttemptRow{
		Borrower:   a.Borrower.Hex(),
		Pool:       a.Pool.Hex(),
		Strategy:   string(a.Strategy),
		State:      string(a.State),
		Block:      a.Block,
		TxHash:     a.TxHash.Hex(),
		ProfitUSD:  a.ProfitUSD.String(),
		GasUsed:    a.GasUsed,
		Error:      a.Error,
		StartedAt:  a.StartedAt,
		FinishedAt: a.FinishedAt,
	}
	if a.DebtToCover != nil {
		row.DebtToCover = a.DebtToCover.String()
	}
	if a.ExpectedCollateral != nil {
		row.ExpectedCollateral = a.ExpectedCollateral.String()
	}
	if a.GasPriceWei != nil {
		row.GasPriceWei = a.GasPriceWei.String()
	}
	if err := s.db.Create(&row).Error; err != nil {
		s.logger.Warn("attempt history write failed", zap.Error(err))
	}
}

// Recent returns the newest attempts, capped at limit.
func (s *Store) Recent(limit int) ([]AttemptRow, error) {
	if s == nil {
		return nil, nil
	}
	var rows []AttemptRow
	err := s.db.Order("id desc").Limit(limit).Find(&rows).Error
	return rows, err
}

// Summary aggregates attempt counts per state since a point in time.
func (s *Store) Summary(since time.Time) (map[string]int64, error) {
	if s == nil {
		return nil, nil
	}
	type bucket struct {
		State string
		N     int64
	}
	var buckets []bucket
	err := s.db.Model(&AttemptRow{}).
		Select("state, count(*) as n").
		Where("started_at >= ?", since).
		Group("state").
		Scan(&buckets).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(buckets))
	for _, b := range buckets {
		out[b.State] = b.N
	}
	return out, nil
}
