package data

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"CreditLane/internal/conf"
	"CreditLane/internal/model"
	"CreditLane/pkg/crypto"
	dberrors "CreditLane/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// searchScanCap bounds how many rows one fallback search will pull
// before in-memory token matching. Substring matching happens after
// decryption, so it cannot be pushed into SQL.
const searchScanCap = 500

// MemoryRecord is the GORM model for the memory_records table. The
// sync marker is encoded in the sign of the confidence column instead
// of a dedicated boolean: a record awaiting reconciliation stores
// -(confidence+1), a synced record stores the plain confidence. No
// schema migration is needed when the fallback path is introduced.
type MemoryRecord struct {
	ID         int64     `gorm:"primaryKey;column:id"`
	UserID     string    `gorm:"column:user_id;type:varchar(64);not null;index"`
	Content    string    `gorm:"column:content;type:text;not null"`
	Sector     string    `gorm:"column:sector;type:varchar(20);not null"`
	Confidence float64   `gorm:"column:confidence;not null"`
	Source     string    `gorm:"column:source;type:varchar(50)"`
	Tags       string    `gorm:"column:tags;type:json"` // JSON string
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime;index"`
}

// TableName specifies the table name for GORM
func (MemoryRecord) TableName() string {
	return "memory_records"
}

// encodePending maps a confidence in [0, 1] to its pending-marker form.
func encodePending(confidence float64) float64 {
	return -(confidence + 1)
}

// decodeConfidence recovers the logical confidence and sync flag from
// the stored column value.
func decodeConfidence(stored float64) (confidence float64, synced bool) {
	if stored < 0 {
		return -stored - 1, false
	}
	return stored, true
}

// FallbackRepo implements biz.FallbackRepo on MySQL.
// Following Kratos v2 DDD architecture, interface is defined in biz layer.
type FallbackRepo struct {
	data   *Data
	db     *gorm.DB
	crypto *crypto.AESCrypto // nil when at-rest encryption is disabled
	logger *log.Helper
}

// NewFallbackRepo creates a new fallback repository. When the sync
// configuration carries an encryption key, record content is AES-GCM
// encrypted at rest.
func NewFallbackRepo(data *Data, db *gorm.DB, c *conf.Sync, logger log.Logger) (*FallbackRepo, error) {
	helper := log.NewHelper(logger)

	var aes *crypto.AESCrypto
	if c != nil && c.EncryptionKey != "" {
		var err error
		aes, err = crypto.NewAESCrypto([]byte(c.EncryptionKey))
		if err != nil {
			return nil, fmt.Errorf("invalid fallback encryption key: %w", err)
		}
		helper.Info("fallback content encryption enabled")
	}

	return &FallbackRepo{
		data:   data,
		db:     db,
		crypto: aes,
		logger: helper,
	}, nil
}

// SaveFallbackRecord persists one pending record and returns its id.
func (r *FallbackRepo) SaveFallbackRecord(ctx context.Context, rec *model.FallbackRecord) (int64, error) {
	content := rec.Content
	if r.crypto != nil {
		encrypted, err := r.crypto.Encrypt(content)
		if err != nil {
			return 0, fmt.Errorf("failed to encrypt fallback content: %w", err)
		}
		content = encrypted
	}

	tagsJSON := ""
	if len(rec.Tags) > 0 {
		data, err := json.Marshal(rec.Tags)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal tags: %w", err)
		}
		tagsJSON = string(data)
	}

	row := &MemoryRecord{
		UserID:     rec.UserID,
		Content:    content,
		Sector:     rec.Sector,
		Confidence: encodePending(rec.Confidence),
		Source:     rec.Source,
		Tags:       tagsJSON,
	}

	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		dbErr := dberrors.ClassifyDBError(err)
		r.logger.Errorw("failed to save fallback record",
			"user_id", rec.UserID,
			"error_type", dbErr.Type,
			"error", err)
		return 0, dbErr
	}

	return row.ID, nil
}

// SearchFallbackRecords returns records matching any token as a
// case-insensitive substring, newest first. With no tokens the most
// recent records are returned. Matching happens after decryption, so a
// bounded window of recent rows is scanned rather than the whole table.
func (r *FallbackRepo) SearchFallbackRecords(ctx context.Context, userID string, tokens []string, limit int) ([]*model.FallbackRecord, error) {
	var rows []*MemoryRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(searchScanCap).
		Find(&rows).Error
	if err != nil {
		return nil, dberrors.ClassifyDBError(err)
	}

	out := make([]*model.FallbackRecord, 0, limit)
	for _, row := range rows {
		rec, err := r.toModel(row)
		if err != nil {
			// 解密失败的记录跳过，不中断整个搜索
			r.logger.Warnw("skipping undecryptable fallback record",
				"record_id", row.ID,
				"error", err)
			continue
		}
		if len(tokens) > 0 && !matchesAnyToken(rec.Content, tokens) {
			continue
		}
		out = append(out, rec)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// matchesAnyToken reports whether content contains any token,
// case-insensitively.
func matchesAnyToken(content string, tokens []string) bool {
	lower := strings.ToLower(content)
	for _, token := range tokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// ListUnsynced returns up to limit pending records, oldest first, so
// reconciliation preserves creation order.
func (r *FallbackRepo) ListUnsynced(ctx context.Context, limit int) ([]*model.FallbackRecord, error) {
	var rows []*MemoryRecord
	err := r.db.WithContext(ctx).
		Where("confidence < 0").
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, dberrors.ClassifyDBError(err)
	}

	out := make([]*model.FallbackRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := r.toModel(row)
		if err != nil {
			r.logger.Warnw("skipping undecryptable fallback record",
				"record_id", row.ID,
				"error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// MarkSynced flips one record's marker from pending to synced with a
// single UPDATE; the guard on the sign makes the flip idempotent.
func (r *FallbackRepo) MarkSynced(ctx context.Context, id int64) error {
	result := r.db.WithContext(ctx).
		Model(&MemoryRecord{}).
		Where("id = ? AND confidence < 0", id).
		Update("confidence", gorm.Expr("-confidence - 1"))

	if result.Error != nil {
		return dberrors.ClassifyDBError(result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("fallback record not found or already synced: %d", id)
	}
	return nil
}

// CountUnsynced reports how many records await reconciliation.
func (r *FallbackRepo) CountUnsynced(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&MemoryRecord{}).
		Where("confidence < 0").
		Count(&count).Error
	if err != nil {
		return 0, dberrors.ClassifyDBError(err)
	}
	return count, nil
}

// toModel converts a row to the domain record, decrypting content and
// decoding the sync marker.
func (r *FallbackRepo) toModel(row *MemoryRecord) (*model.FallbackRecord, error) {
	content := row.Content
	if r.crypto != nil {
		decrypted, err := r.crypto.Decrypt(content)
		if err != nil {
			return nil, err
		}
		content = decrypted
	}

	var tags []string
	if row.Tags != "" {
		if err := json.Unmarshal([]byte(row.Tags), &tags); err != nil {
			return nil, fmt.Errorf("malformed tags on record %d: %w", row.ID, err)
		}
	}

	confidence, synced := decodeConfidence(row.Confidence)
	return &model.FallbackRecord{
		ID:         row.ID,
		UserID:     row.UserID,
		Content:    content,
		Sector:     row.Sector,
		Confidence: confidence,
		Source:     row.Source,
		Tags:       tags,
		Synced:     synced,
		CreatedAt:  row.CreatedAt,
	}, nil
}
