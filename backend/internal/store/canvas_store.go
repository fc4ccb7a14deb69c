package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("store: not found")

// CanvasOperation 是一条画布操作历史（整份快照或旧版文本标注）。
type CanvasOperation struct {
	ID            uint64          `json:"id"`
	SessionID     string          `json:"session_id"`
	UserID        string          `json:"user_id"`
	OperationType string          `json:"operation_type"`
	RequestID     string          `json:"request_id,omitempty"`
	Data          json.RawMessage `json:"data"`
	CreatedAt     time.Time       `json:"created_at"`
}

type CanvasStore interface {
	// Append 写入一条操作并回填 ID/CreatedAt。相同 (SessionID, RequestID) 重复提交时返回已有记录。
	Append(ctx context.Context, op *CanvasOperation) error
	// List 按时间正序返回；limit > 0 时只返回最新的 limit 条。
	List(ctx context.Context, sessionID string, limit int) ([]CanvasOperation, error)
	// Latest 返回指定类型的最新一条，没有时返回 ErrNotFound。
	Latest(ctx context.Context, sessionID, operationType string) (*CanvasOperation, error)
}

type canvasOperationRow struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement"`
	SessionID     string    `gorm:"size:128;not null;index:idx_canvas_session;uniqueIndex:uk_canvas_request,priority:1"`
	UserID        string    `gorm:"size:64;not null"`
	OperationType string    `gorm:"size:32;not null"`
	RequestID     *string   `gorm:"size:64;uniqueIndex:uk_canvas_request,priority:2"`
	Data          string    `gorm:"type:json;not null"`
	CreatedAt     time.Time `gorm:"not null"`
}

func (canvasOperationRow) TableName() string { return "canvas_operations" }

func (r canvasOperationRow) toOperation() CanvasOperation {
	op := CanvasOperation{
		ID:            r.ID,
		SessionID:     r.SessionID,
		UserID:        r.UserID,
		OperationType: r.OperationType,
		Data:          json.RawMessage(r.Data),
		CreatedAt:     r.CreatedAt,
	}
	if r.RequestID != nil {
		op.RequestID = *r.RequestID
	}
	return op
}

type GormCanvasStore struct{ db *gorm.DB }

func NewGormCanvasStore(db *gorm.DB) *GormCanvasStore {
	return &GormCanvasStore{db: db}
}

// Migrate 建表（canvas_operations）。
func (s *GormCanvasStore) Migrate() error {
	return s.db.AutoMigrate(&canvasOperationRow{})
}

func (s *GormCanvasStore) Append(ctx context.Context, op *CanvasOperation) error {
	row := canvasOperationRow{
		SessionID:     op.SessionID,
		UserID:        op.UserID,
		OperationType: op.OperationType,
		Data:          string(op.Data),
		CreatedAt:     op.CreatedAt,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if op.RequestID != "" {
		reqID := op.RequestID
		row.RequestID = &reqID
	}
	err := s.db.WithContext(ctx).Create(&row).Error
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if op.RequestID != "" && errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			// 重复提交：返回已存在的那条
			var existing canvasOperationRow
			if err := s.db.WithContext(ctx).
				Where("session_id = ? AND request_id = ?", op.SessionID, op.RequestID).
				First(&existing).Error; err != nil {
				return err
			}
			*op = existing.toOperation()
			return nil
		}
		return err
	}
	*op = row.toOperation()
	return nil
}

func (s *GormCanvasStore) List(ctx context.Context, sessionID string, limit int) ([]CanvasOperation, error) {
	var rows []canvasOperationRow
	q := s.db.WithContext(ctx).Where("session_id = ?", sessionID)
	if limit > 0 {
		q = q.Order("id DESC").Limit(limit)
	} else {
		q = q.Order("id ASC")
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	ops := make([]CanvasOperation, 0, len(rows))
	for _, r := range rows {
		ops = append(ops, r.toOperation())
	}
	if limit > 0 {
		reverse(ops)
	}
	return ops, nil
}

func (s *GormCanvasStore) Latest(ctx context.Context, sessionID, operationType string) (*CanvasOperation, error) {
	var row canvasOperationRow
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND operation_type = ?", sessionID, operationType).
		Order("id DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	op := row.toOperation()
	return &op, nil
}

func reverse(ops []CanvasOperation) {
	for i, j := 0, len(ops)-1; i < j; i, j = i+1, j-1 {
		ops[i], ops[j] = ops[j], ops[i]
	}
}

// MemoryCanvasStore 用于测试和未配置 MySQL 的单机运行。
type MemoryCanvasStore struct {
	mu     sync.Mutex
	nextID uint64
	ops    map[string][]CanvasOperation
}

func NewMemoryCanvasStore() *MemoryCanvasStore {
	return &MemoryCanvasStore{ops: make(map[string][]CanvasOperation)}
}

func (s *MemoryCanvasStore) Append(_ context.Context, op *CanvasOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if op.RequestID != "" {
		for _, existing := range s.ops[op.SessionID] {
			if existing.RequestID == op.RequestID {
				*op = existing
				return nil
			}
		}
	}
	s.nextID++
	op.ID = s.nextID
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	stored := *op
	stored.Data = append(json.RawMessage(nil), op.Data...)
	s.ops[op.SessionID] = append(s.ops[op.SessionID], stored)
	return nil
}

func (s *MemoryCanvasStore) List(_ context.Context, sessionID string, limit int) ([]CanvasOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.ops[sessionID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]CanvasOperation{}, all...), nil
}

func (s *MemoryCanvasStore) Latest(_ context.Context, sessionID, operationType string) (*CanvasOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.ops[sessionID]
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].OperationType == operationType {
			op := all[i]
			return &op, nil
		}
	}
	return nil, ErrNotFound
}
