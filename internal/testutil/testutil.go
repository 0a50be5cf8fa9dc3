// Package testutil 为测试提供基于 sqlite 和 miniredis 的存储。
package testutil

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/craftvote/internal/model"
	"github.com/lvdashuaibi/craftvote/internal/repository"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// sqliteSchema 与 MySQL 表结构列和列宽一致的 sqlite 版本
var sqliteSchema = []string{
	`CREATE TABLE servers (
		slug            TEXT    NOT NULL PRIMARY KEY CHECK (length(slug) <= 64),
		slug_key        TEXT    NOT NULL UNIQUE CHECK (length(slug_key) <= 192),
		secret          TEXT    NOT NULL DEFAULT '',
		rewards_enabled INTEGER NOT NULL DEFAULT 0,
		cooldown_ms     INTEGER NOT NULL DEFAULT 0,
		vote_count      INTEGER NOT NULL DEFAULT 0,
		disabled        INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE vote_logs (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		voter       TEXT    NOT NULL CHECK (length(voter) <= 64),
		server_slug TEXT    NOT NULL CHECK (length(server_slug) <= 64),
		voted_at    INTEGER NOT NULL
	)`,
	`CREATE INDEX idx_vote_logs_slug_time ON vote_logs (server_slug, voted_at)`,
}

// SetupSQLRepository 创建一个临时 sqlite 库并返回仓库和底层连接
func SetupSQLRepository(t *testing.T) (*repository.MySQLRepository, *sql.DB) {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "craftvote.db"))
	require.NoError(t, err)
	// sqlite 单写者，避免并发测试出现 SQLITE_BUSY
	db.SetMaxOpenConns(1)

	for _, stmt := range sqliteSchema {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}

	repo := repository.NewMySQLRepositoryWithDB(db, nil)
	t.Cleanup(func() { repo.Close() })
	return repo, db
}

// SetupRedisRepository 启动 miniredis 并返回冷却账本
func SetupRedisRepository(t *testing.T) (*repository.RedisRepository, *miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	repo, err := repository.NewRedisRepositoryWithClient(context.Background(), client)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo, mr, client
}

// CreateServer 写入一条服务器记录
func CreateServer(t *testing.T, repo *repository.MySQLRepository, server *model.ServerRecord) {
	t.Helper()
	require.NoError(t, repo.CreateServer(context.Background(), server))
}

// VoteCount 读取服务器当前票数
func VoteCount(t *testing.T, repo *repository.MySQLRepository, slug string) int64 {
	t.Helper()
	server, err := repo.FindBySlug(context.Background(), slug)
	require.NoError(t, err)
	require.NotNil(t, server)
	return server.VoteCount
}
