package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/refined-element/lightning-enable-mcp/internal/logger"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// DB wraps the sqlite store for payment history, pending confirmations and
// control-API challenges.
type DB struct {
	gorm *gorm.DB
}

// InitDB opens (creating if needed) the sqlite database at dbPath and runs
// migrations.
func InitDB(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %v", err)
		}
	}

	// Configure GORM to be less verbose
	config := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Error),
	}

	g, err := gorm.Open(sqlite.Open(dbPath), config)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	err = g.AutoMigrate(
		&PaymentRecord{},
		&PendingConfirmation{},
		&AuthChallenge{},
		&Metadata{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate database: %v", err)
	}

	logger.Info("SQLite database initialized at", dbPath)
	return &DB{gorm: g}, nil
}

// SavePayment records a completed or failed payment.
func (d *DB) SavePayment(rec *PaymentRecord) error {
	if rec.PaidAt.IsZero() {
		rec.PaidAt = time.Now().UTC()
	}
	return d.gorm.Create(rec).Error
}

// RecentPayments returns up to limit payments made since the given time,
// newest first. A zero since returns everything.
func (d *DB) RecentPayments(limit int, since time.Time) ([]PaymentRecord, error) {
	var recs []PaymentRecord
	q := d.gorm.Order("paid_at desc")
	if !since.IsZero() {
		q = q.Where("paid_at >= ?", since)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// SessionTotals sums recorded spend since the given time.
func (d *DB) SessionTotals(since time.Time) (count int64, sats int64, err error) {
	type row struct {
		N int64
		S int64
	}
	var r row
	err = d.gorm.Model(&PaymentRecord{}).
		Select("count(*) as n, coalesce(sum(amount_sats),0) as s").
		Where("status = ? AND paid_at >= ?", PaymentStatusSuccess, since).
		Scan(&r).Error
	return r.N, r.S, err
}

// SavePendingConfirmation stores a payment awaiting out-of-band approval.
func (d *DB) SavePendingConfirmation(p *PendingConfirmation) error {
	if p.Status == "" {
		p.Status = ConfirmationStatusPending
	}
	return d.gorm.Create(p).Error
}

// GetPendingConfirmation looks a confirmation up by token.
func (d *DB) GetPendingConfirmation(token string) (*PendingConfirmation, error) {
	var p PendingConfirmation
	err := d.gorm.Where("token = ?", token).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ApproveConfirmation marks a pending confirmation approved.
func (d *DB) ApproveConfirmation(token string) error {
	now := time.Now().UTC()
	res := d.gorm.Model(&PendingConfirmation{}).
		Where("token = ? AND status = ?", token, ConfirmationStatusPending).
		Updates(map[string]interface{}{"status": ConfirmationStatusApproved, "approved_at": &now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ConsumeConfirmation marks an approved confirmation used, so the token
// cannot authorize a second payment.
func (d *DB) ConsumeConfirmation(token string) error {
	now := time.Now().UTC()
	res := d.gorm.Model(&PendingConfirmation{}).
		Where("token = ? AND status = ?", token, ConfirmationStatusApproved).
		Updates(map[string]interface{}{"status": ConfirmationStatusUsed, "used_at": &now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpireOldConfirmations expires pending confirmations older than maxAge.
func (d *DB) ExpireOldConfirmations(maxAge time.Duration) error {
	cutoff := time.Now().UTC().Add(-maxAge)
	return d.gorm.Model(&PendingConfirmation{}).
		Where("status = ? AND created_at < ?", ConfirmationStatusPending, cutoff).
		Update("status", ConfirmationStatusExpired).Error
}

// SaveAuthChallenge stores a freshly issued login challenge.
func (d *DB) SaveAuthChallenge(c *AuthChallenge) error {
	if c.Status == "" {
		c.Status = ChallengeStatusUnused
	}
	if c.IssuedAt.IsZero() {
		c.IssuedAt = time.Now().UTC()
	}
	return d.gorm.Create(c).Error
}

// GetAuthChallenge looks a challenge up by its hash.
func (d *DB) GetAuthChallenge(hash string) (*AuthChallenge, error) {
	var c AuthChallenge
	err := d.gorm.Where("hash = ?", hash).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// MarkChallengeUsed invalidates a challenge after a login attempt.
func (d *DB) MarkChallengeUsed(hash string) error {
	now := time.Now().UTC()
	return d.gorm.Model(&AuthChallenge{}).
		Where("hash = ?", hash).
		Updates(map[string]interface{}{"status": ChallengeStatusUsed, "used_at": &now}).Error
}

// SetMetadata upserts a key/value pair.
func (d *DB) SetMetadata(key, value string) error {
	var m Metadata
	err := d.gorm.Where("key = ?", key).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return d.gorm.Create(&Metadata{Key: key, Value: value}).Error
	}
	if err != nil {
		return err
	}
	return d.gorm.Model(&m).Update("value", value).Error
}

// GetMetadata reads a key, returning "" when absent.
func (d *DB) GetMetadata(key string) (string, error) {
	var m Metadata
	err := d.gorm.Where("key = ?", key).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return m.Value, nil
}
