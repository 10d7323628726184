package core

import (
	"sync"
	"time"

	"relay-gateway/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AsyncRequestLogger 异步请求审计日志
// 批量写入 sqlite，并只保留最新 maxRows 条；只是历史记录，从不回读到凭证池
type AsyncRequestLogger struct {
	db        *gorm.DB
	logChan   chan *models.RequestLog
	logger    *logrus.Logger
	batchSize int
	flushTime time.Duration
	maxRows   int
	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once
}

// NewAsyncRequestLogger 创建并启动后台写入
func NewAsyncRequestLogger(db *gorm.DB, maxRows int, logger *logrus.Logger) *AsyncRequestLogger {
	if maxRows <= 0 {
		maxRows = 1000
	}
	l := &AsyncRequestLogger{
		db:        db,
		logChan:   make(chan *models.RequestLog, 1000),
		logger:    logger,
		batchSize: 100,
		flushTime: 5 * time.Second,
		maxRows:   maxRows,
		quit:      make(chan struct{}),
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.workerLoop()
	}()
	return l
}

// Log 提交日志到队列；队列满时丢弃，不阻塞请求
func (l *AsyncRequestLogger) Log(entry *models.RequestLog) {
	select {
	case l.logChan <- entry:
	default:
		l.logger.Warn("Request log queue full, dropping entry")
	}
}

func (l *AsyncRequestLogger) workerLoop() {
	var batch []*models.RequestLog
	ticker := time.NewTicker(l.flushTime)
	defer ticker.Stop()

	for {
		select {
		case entry := <-l.logChan:
			batch = append(batch, entry)
			if len(batch) >= l.batchSize {
				l.flush(batch)
				batch = nil
			}
		case <-ticker.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = nil
			}
		case <-l.quit:
			// 退出前写完队列中剩余的记录
			for {
				select {
				case entry := <-l.logChan:
					batch = append(batch, entry)
				default:
					l.flush(batch)
					return
				}
			}
		}
	}
}

func (l *AsyncRequestLogger) flush(batch []*models.RequestLog) {
	if len(batch) == 0 {
		return
	}
	if err := l.db.CreateInBatches(batch, len(batch)).Error; err != nil {
		l.logger.Errorf("[RequestLog] Failed to flush %d entries: %v", len(batch), err)
		return
	}
	l.logger.Debugf("[RequestLog] Flushed %d entries", len(batch))
	l.prune()
}

// prune 删除第 maxRows 条之前的旧记录
func (l *AsyncRequestLogger) prune() {
	var pivotID uint
	err := l.db.Model(&models.RequestLog{}).
		Select("id").
		Order("id desc").
		Offset(l.maxRows).
		Limit(1).
		Scan(&pivotID).Error
	if err != nil || pivotID == 0 {
		return
	}
	if err := l.db.Where("id <= ?", pivotID).Delete(&models.RequestLog{}).Error; err != nil {
		l.logger.Errorf("[RequestLog] Failed to prune: %v", err)
	}
}

// Recent 最新的 limit 条记录，按时间倒序
func (l *AsyncRequestLogger) Recent(limit int) ([]models.RequestLog, error) {
	if limit <= 0 || limit > l.maxRows {
		limit = l.maxRows
	}
	var logs []models.RequestLog
	err := l.db.Order("id desc").Limit(limit).Find(&logs).Error
	return logs, err
}

// Close 停止后台写入并刷新剩余记录
func (l *AsyncRequestLogger) Close() {
	l.closeOnce.Do(func() {
		close(l.quit)
		l.wg.Wait()
	})
}
