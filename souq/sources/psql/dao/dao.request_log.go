package dao

import (
	"context"
	"time"

	"souq/souq/sources/psql/models"

	"gorm.io/gorm"
)

type RequestLogDAO struct {
	DB *gorm.DB
}

func NewRequestLogDAO(db *gorm.DB) *RequestLogDAO {
	return &RequestLogDAO{DB: db}
}

func (dao *RequestLogDAO) Save(ctx context.Context, entry *models.ChatRequestLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	return dao.DB.WithContext(ctx).Create(entry).Error
}

// Recent returns the newest entries first.
func (dao *RequestLogDAO) Recent(ctx context.Context, limit int) ([]models.ChatRequestLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var logs []models.ChatRequestLog
	err := dao.DB.WithContext(ctx).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}

// CountByErrorCode groups entries since the given time by error code; the
// empty code counts successful requests.
func (dao *RequestLogDAO) CountByErrorCode(ctx context.Context, since time.Time) (map[string]int64, error) {
	var rows []struct {
		ErrorCode string
		Total     int64
	}
	err := dao.DB.WithContext(ctx).
		Model(&models.ChatRequestLog{}).
		Select("error_code, COUNT(*) AS total").
		Where("created_at >= ?", since).
		Group("error_code").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.ErrorCode] = r.Total
	}
	return counts, nil
}
