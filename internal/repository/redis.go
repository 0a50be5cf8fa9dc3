package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/craftvote/config"
	"github.com/lvdashuaibi/craftvote/internal/collate"
	"github.com/lvdashuaibi/craftvote/internal/model"
)

const (
	// Redis键前缀
	CooldownKey = "vote:cooldown:"

	// CheckAndRecordCooldownScript 原子地检查冷却并在允许时写入本次投票时间
	// KEYS[1] 冷却键; ARGV[1] 当前时间(ms); ARGV[2] 冷却时长(ms); ARGV[3] 投票者; ARGV[4] 规范slug
	CheckAndRecordCooldownScript = `
		local now = tonumber(ARGV[1])
		local cooldown = tonumber(ARGV[2])
		local last = tonumber(redis.call('HGET', KEYS[1], 'lastVotedAt'))

		if last then
			local elapsed = now - last
			if elapsed < cooldown then
				return {0, cooldown - elapsed}
			end
		end

		redis.call('HSET', KEYS[1], 'lastVotedAt', ARGV[1], 'voter', ARGV[3], 'slug', ARGV[4])
		return {1, 0}
	`

	checkAndRecordScriptName = "checkAndRecordCooldown"
)

// RedisRepository 投票冷却账本
type RedisRepository struct {
	client       *redis.Client
	mu           sync.RWMutex
	scriptHashes map[string]string // 存储脚本SHA1哈希值
}

func NewRedisRepository(ctx context.Context) (*RedisRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.AppConfig.Redis.DataAddress,
		Password:     config.AppConfig.Redis.Password,
		DB:           config.AppConfig.Redis.DB,
		PoolSize:     config.AppConfig.Redis.PoolSize,
		MaxRetries:   config.AppConfig.Redis.MaxRetries,
		DialTimeout:  config.AppConfig.Redis.Timeout,
		ReadTimeout:  config.AppConfig.Redis.Timeout,
		WriteTimeout: config.AppConfig.Redis.Timeout,
	})

	repo, err := NewRedisRepositoryWithClient(ctx, client)
	if err != nil {
		client.Close()
		return nil, err
	}
	return repo, nil
}

// NewRedisRepositoryWithClient 使用已有客户端创建仓库并预加载脚本
func NewRedisRepositoryWithClient(ctx context.Context, client *redis.Client) (*RedisRepository, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("Redis数据节点连接测试失败: %w", err)
	}

	repo := &RedisRepository{
		client:       client,
		scriptHashes: make(map[string]string),
	}

	if err := repo.preloadScripts(ctx); err != nil {
		return nil, fmt.Errorf("预加载Lua脚本失败: %w", err)
	}

	return repo, nil
}

// preloadScripts 预加载所有Lua脚本
func (r *RedisRepository) preloadScripts(ctx context.Context) error {
	sha1, err := r.client.ScriptLoad(ctx, CheckAndRecordCooldownScript).Result()
	if err != nil {
		return fmt.Errorf("加载冷却脚本失败: %w", err)
	}

	r.mu.Lock()
	r.scriptHashes[checkAndRecordScriptName] = sha1
	r.mu.Unlock()
	return nil
}

// cooldownKey 投票者与服务器都按折叠后的形式组成键
func cooldownKey(voter, slug string) string {
	return CooldownKey + collate.Key(slug) + ":" + collate.Key(voter)
}

// CheckAndRecord 检查投票者对该服务器是否已过冷却期，允许时记录本次投票时间
func (r *RedisRepository) CheckAndRecord(ctx context.Context, voter, slug string, cooldownMs, nowMs int64) (*model.CooldownResult, error) {
	key := cooldownKey(voter, slug)
	args := []interface{}{nowMs, cooldownMs, voter, slug}

	r.mu.RLock()
	sha1, ok := r.scriptHashes[checkAndRecordScriptName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("脚本未预加载")
	}

	result, err := r.client.EvalSha(ctx, sha1, []string{key}, args...).Result()
	if err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT") {
		// Redis重启后脚本缓存会丢失，重新加载后再试一次
		if err := r.preloadScripts(ctx); err != nil {
			return nil, err
		}
		r.mu.RLock()
		sha1 = r.scriptHashes[checkAndRecordScriptName]
		r.mu.RUnlock()
		result, err = r.client.EvalSha(ctx, sha1, []string{key}, args...).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("执行冷却脚本失败: %w", err)
	}

	resultSlice, ok := result.([]interface{})
	if !ok || len(resultSlice) < 2 {
		return nil, fmt.Errorf("LUA脚本返回格式错误")
	}

	allowed, ok := resultSlice[0].(int64)
	if !ok {
		return nil, fmt.Errorf("LUA脚本返回状态码类型错误")
	}
	remaining, ok := resultSlice[1].(int64)
	if !ok {
		return nil, fmt.Errorf("LUA脚本返回剩余时间类型错误")
	}

	return &model.CooldownResult{
		Allowed:     allowed == 1,
		RemainingMs: remaining,
	}, nil
}

// LastVotedAt 查询投票者上次被接受的投票时间(ms)，不修改任何状态
func (r *RedisRepository) LastVotedAt(ctx context.Context, voter, slug string) (int64, bool, error) {
	data, err := r.client.HGet(ctx, cooldownKey(voter, slug), "lastVotedAt").Result()
	if err != nil {
		if err == redis.Nil {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("查询冷却记录失败: %w", err)
	}

	lastVotedAt, err := strconv.ParseInt(data, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("解析冷却记录失败: %w", err)
	}
	return lastVotedAt, true, nil
}

// Close 关闭Redis连接
func (r *RedisRepository) Close() error {
	return r.client.Close()
}
