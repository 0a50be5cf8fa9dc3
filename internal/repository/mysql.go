package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	_ "github.com/go-sql-driver/mysql"
	"github.com/lvdashuaibi/craftvote/config"
	"github.com/lvdashuaibi/craftvote/internal/collate"
	"github.com/lvdashuaibi/craftvote/internal/logger"
	"github.com/lvdashuaibi/craftvote/internal/model"
	"go.uber.org/multierr"
)

// ErrServerNotFound 服务器不存在
var ErrServerNotFound = errors.New("服务器不存在")

// schemaStatements MySQL表结构
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS servers (
		slug            VARCHAR(64)  NOT NULL PRIMARY KEY,
		slug_key        VARCHAR(192) NOT NULL,
		secret          VARCHAR(255) NOT NULL DEFAULT '',
		rewards_enabled TINYINT(1)   NOT NULL DEFAULT 0,
		cooldown_ms     BIGINT       NOT NULL DEFAULT 0,
		vote_count      BIGINT       NOT NULL DEFAULT 0,
		disabled        TINYINT(1)   NOT NULL DEFAULT 0,
		UNIQUE KEY uk_servers_slug_key (slug_key)
	) DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS vote_logs (
		id          BIGINT      NOT NULL AUTO_INCREMENT PRIMARY KEY,
		voter       VARCHAR(64) NOT NULL,
		server_slug VARCHAR(64) NOT NULL,
		voted_at    BIGINT      NOT NULL,
		KEY idx_vote_logs_slug_time (server_slug, voted_at)
	) DEFAULT CHARSET=utf8mb4`,
}

// MySQLRepository 服务器目录、票数计数与投票日志
type MySQLRepository struct {
	masterDB *sql.DB
	slaveDB  *sql.DB
}

func NewMySQLRepository() (*MySQLRepository, error) {
	masterDB, err := sql.Open("mysql", config.AppConfig.MySQL.Master)
	if err != nil {
		return nil, fmt.Errorf("连接主数据库失败: %w", err)
	}

	masterDB.SetMaxOpenConns(config.AppConfig.MySQL.MaxOpenConns)
	masterDB.SetMaxIdleConns(config.AppConfig.MySQL.MaxIdleConns)
	masterDB.SetConnMaxLifetime(time.Hour)

	if err = masterDB.Ping(); err != nil {
		masterDB.Close()
		return nil, fmt.Errorf("主数据库连接测试失败: %w", err)
	}

	if config.AppConfig.MySQL.Slave == "" {
		return NewMySQLRepositoryWithDB(masterDB, masterDB), nil
	}

	slaveDB, err := sql.Open("mysql", config.AppConfig.MySQL.Slave)
	if err != nil {
		masterDB.Close()
		return nil, fmt.Errorf("连接从数据库失败: %w", err)
	}

	slaveDB.SetMaxOpenConns(config.AppConfig.MySQL.MaxOpenConns)
	slaveDB.SetMaxIdleConns(config.AppConfig.MySQL.MaxIdleConns)
	slaveDB.SetConnMaxLifetime(time.Hour)

	if err = slaveDB.Ping(); err != nil {
		logger.S().Warnf("从数据库连接测试失败: %v，将使用主数据库代替", err)
		slaveDB.Close()
		slaveDB = masterDB
	}

	return NewMySQLRepositoryWithDB(masterDB, slaveDB), nil
}

// NewMySQLRepositoryWithDB 使用已打开的连接创建仓库，slave 为空时读写都走 master
func NewMySQLRepositoryWithDB(masterDB, slaveDB *sql.DB) *MySQLRepository {
	if slaveDB == nil {
		slaveDB = masterDB
	}
	return &MySQLRepository{
		masterDB: masterDB,
		slaveDB:  slaveDB,
	}
}

// EnsureSchema 创建所需的表
func (r *MySQLRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.masterDB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("创建表结构失败: %w", err)
		}
	}
	return nil
}

// FindBySlug 忽略大小写查找服务器，返回存储的规范 slug；不存在时返回 nil, nil
func (r *MySQLRepository) FindBySlug(ctx context.Context, slug string) (*model.ServerRecord, error) {
	query := `SELECT slug, secret, rewards_enabled, cooldown_ms, vote_count, disabled
			  FROM servers WHERE slug_key = ? LIMIT 1`

	var server model.ServerRecord
	err := r.slaveDB.QueryRowContext(ctx, query, collate.Key(slug)).Scan(
		&server.Slug,
		&server.Secret,
		&server.RewardsEnabled,
		&server.CooldownMs,
		&server.VoteCount,
		&server.Disabled,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询服务器失败: %w", err)
	}

	return &server, nil
}

// CreateServer 新增服务器记录
func (r *MySQLRepository) CreateServer(ctx context.Context, server *model.ServerRecord) error {
	if server.Slug == "" || utf8.RuneCountInString(server.Slug) > model.MaxIdentifierLength {
		return fmt.Errorf("服务器slug %q 长度不合法", server.Slug)
	}

	query := `INSERT INTO servers (slug, slug_key, secret, rewards_enabled, cooldown_ms, vote_count, disabled)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := r.masterDB.ExecContext(ctx, query,
		server.Slug,
		collate.Key(server.Slug),
		server.Secret,
		server.RewardsEnabled,
		server.CooldownMs,
		server.VoteCount,
		server.Disabled,
	)
	if err != nil {
		return fmt.Errorf("保存服务器 %s 失败: %w", server.Slug, err)
	}
	return nil
}

// RecordVote 在同一事务中增加服务器票数并写入投票日志
func (r *MySQLRepository) RecordVote(ctx context.Context, vote *model.VoteRecord) error {
	tx, err := r.masterDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开始事务失败: %w", err)
	}

	// 原地自增，不读写整行
	result, err := tx.ExecContext(ctx, "UPDATE servers SET vote_count = vote_count + 1 WHERE slug = ?", vote.ServerSlug)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("更新服务器 %s 票数失败: %w", vote.ServerSlug, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("获取更新结果失败: %w", err)
	}
	if rowsAffected == 0 {
		tx.Rollback()
		return fmt.Errorf("服务器 %s: %w", vote.ServerSlug, ErrServerNotFound)
	}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO vote_logs (voter, server_slug, voted_at) VALUES (?, ?, ?)",
		vote.Voter, vote.ServerSlug, vote.VotedAt.UnixMilli(),
	)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("记录 %s 投票日志失败: %w", vote.Voter, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}

	if id, err := res.LastInsertId(); err == nil {
		vote.ID = id
	}
	return nil
}

// ListRecentVotes 按时间倒序查询服务器最近的投票
func (r *MySQLRepository) ListRecentVotes(ctx context.Context, slug string, limit int) ([]*model.VoteRecord, error) {
	query := `SELECT id, voter, server_slug, voted_at FROM vote_logs
			  WHERE server_slug = ?
			  ORDER BY voted_at DESC, id DESC
			  LIMIT ?`
	rows, err := r.slaveDB.QueryContext(ctx, query, slug, limit)
	if err != nil {
		return nil, fmt.Errorf("查询投票日志失败: %w", err)
	}
	defer rows.Close()

	votes := make([]*model.VoteRecord, 0, limit)
	for rows.Next() {
		var (
			vote    model.VoteRecord
			votedAt int64
		)
		if err := rows.Scan(&vote.ID, &vote.Voter, &vote.ServerSlug, &votedAt); err != nil {
			return nil, fmt.Errorf("扫描投票日志失败: %w", err)
		}
		vote.VotedAt = time.UnixMilli(votedAt)
		votes = append(votes, &vote)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代投票日志失败: %w", err)
	}

	return votes, nil
}

// Close 关闭数据库连接
func (r *MySQLRepository) Close() error {
	var err error
	if r.masterDB != nil {
		err = multierr.Append(err, r.masterDB.Close())
	}
	if r.slaveDB != nil && r.slaveDB != r.masterDB {
		err = multierr.Append(err, r.slaveDB.Close())
	}
	return err
}
