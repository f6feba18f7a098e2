package tracking

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"

	_ "github.com/go-sql-driver/mysql"

	xerrors "Clawracle-Agent/internal/errors"
	"Clawracle-Agent/pkg/logger"
)

// 表在打开时自建，文档列保持与文件存储相同的 JSON 形态。
const createTableStmt = `CREATE TABLE IF NOT EXISTS tracked_requests (
  request_id BIGINT UNSIGNED NOT NULL PRIMARY KEY,
  document JSON NOT NULL,
  updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
)`

// MySQLStore 以 MySQL 为持久化介质，内存表仍是读路径的权威，
// 每次变更同步写入对应行。
type MySQLStore struct {
	*inflightSet

	db       *sql.DB
	mu       sync.Mutex
	requests map[uint64]*TrackedRequest
	log      *slog.Logger
}

var _ Store = (*MySQLStore)(nil)

// NewMySQLStore 打开连接并确保表存在。
func NewMySQLStore(ctx context.Context, dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "打开 MySQL 连接失败")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "MySQL 连接不可用")
	}
	if _, err := db.ExecContext(ctx, createTableStmt); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建跟踪表失败")
	}
	return &MySQLStore{
		inflightSet: newInflightSet(),
		db:          db,
		requests:    make(map[uint64]*TrackedRequest),
		log:         logger.Named("tracking.mysql"),
	}, nil
}

// Load 把全部行恢复到内存表。单行损坏只跳过该行并记录日志。
func (s *MySQLStore) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT request_id, document FROM tracked_requests`)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取跟踪表失败")
	}
	defer rows.Close()

	for rows.Next() {
		var id uint64
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描跟踪行失败")
		}
		req := new(TrackedRequest)
		if err := json.Unmarshal(raw, req); err != nil {
			s.log.Warn("跟踪行内容损坏，已跳过", "request_id", id, "error", err)
			continue
		}
		req.RequestID = id
		s.requests[id] = req
	}
	if err := rows.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历跟踪表失败")
	}
	s.log.Info("跟踪状态已恢复", "count", len(s.requests))
	return nil
}

func (s *MySQLStore) Get(id uint64) (*TrackedRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, false
	}
	return req.Clone(), true
}

func (s *MySQLStore) Snapshot() map[uint64]*TrackedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint64]*TrackedRequest, len(s.requests))
	for id, req := range s.requests {
		out[id] = req.Clone()
	}
	return out
}

func (s *MySQLStore) Put(req *TrackedRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := req.Clone()
	if err := s.upsertLocked(clone); err != nil {
		return err
	}
	s.requests[clone.RequestID] = clone
	return nil
}

func (s *MySQLStore) Update(id uint64, fn func(*TrackedRequest)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return false, nil
	}
	fn(req)
	return true, s.upsertLocked(req)
}

func (s *MySQLStore) Remove(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[id]; !ok {
		return nil
	}
	if _, err := s.db.Exec(`DELETE FROM tracked_requests WHERE request_id = ?`, id); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除跟踪行失败")
	}
	delete(s.requests, id)
	return nil
}

func (s *MySQLStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *MySQLStore) Close() error {
	return s.db.Close()
}

func (s *MySQLStore) upsertLocked(req *TrackedRequest) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化跟踪记录失败")
	}
	_, err = s.db.Exec(
		`INSERT INTO tracked_requests (request_id, document) VALUES (?, ?)
		 ON DUPLICATE KEY UPDATE document = VALUES(document)`,
		req.RequestID, raw)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入跟踪行失败")
	}
	return nil
}
