package core

import (
	"fmt"
	"os"
	"sync"
)

// LogRotator 按大小轮转的日志文件写入器
// 轮转时 gateway.log -> gateway.log.1 -> gateway.log.2 ...，最多保留 backups 个
type LogRotator struct {
	filename    string
	maxSize     int64
	backups     int
	file        *os.File
	currentSize int64
	mu          sync.Mutex
}

// NewLogRotator 创建轮转写入器 (maxSizeMB 单位 MB)
func NewLogRotator(filename string, maxSizeMB, backups int) (*LogRotator, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	if backups < 1 {
		backups = 1
	}
	r := &LogRotator{
		filename: filename,
		maxSize:  int64(maxSizeMB) * 1024 * 1024,
		backups:  backups,
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *LogRotator) open() error {
	file, err := os.OpenFile(r.filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	r.file = file
	r.currentSize = stat.Size()
	return nil
}

func (r *LogRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.currentSize > 0 && r.currentSize+int64(len(p)) > r.maxSize {
		if err := r.rotate(); err != nil {
			// 轮转失败时继续写当前文件
			fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
		}
	}
	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}

	n, err := r.file.Write(p)
	r.currentSize += int64(n)
	return n, err
}

func (r *LogRotator) backupName(i int) string {
	return fmt.Sprintf("%s.%d", r.filename, i)
}

func (r *LogRotator) rotate() error {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}

	os.Remove(r.backupName(r.backups))
	for i := r.backups - 1; i >= 1; i-- {
		if _, err := os.Stat(r.backupName(i)); err == nil {
			if err := os.Rename(r.backupName(i), r.backupName(i+1)); err != nil {
				return err
			}
		}
	}
	if err := os.Rename(r.filename, r.backupName(1)); err != nil {
		return err
	}
	return r.open()
}

// Close 关闭文件
func (r *LogRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
