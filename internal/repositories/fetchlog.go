package repositories

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/rookery-io/rookery/internal/db"
)

// gormFetchLogRepository appends to the fetch journal. Journaling is
// best-effort: a failed insert is logged and swallowed so that an ingest
// never fails because its audit row could not be written.
type gormFetchLogRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewFetchLogRepository returns a FetchLogRepository backed by the provided *gorm.DB.
func NewFetchLogRepository(db *gorm.DB, logger *zap.Logger) FetchLogRepository {
	return &gormFetchLogRepository{db: db, logger: logger.Named("fetchlog")}
}

func (r *gormFetchLogRepository) LogFetch(ctx context.Context, url string, statusCode int, etag, lastModified, errMsg *string) {
	row := db.FetchLog{
		URL:          url,
		ETag:         etag,
		LastModified: lastModified,
		StatusCode:   statusCode,
		FetchedAt:    nowSeconds(),
		Error:        errMsg,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		r.logger.Warn("journal insert failed", zap.String("url", url), zap.Error(err))
	}
}
