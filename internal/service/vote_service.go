package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lvdashuaibi/craftvote/config"
	"github.com/lvdashuaibi/craftvote/internal/logger"
	"github.com/lvdashuaibi/craftvote/internal/model"
)

// ServerRegistry 服务器目录
type ServerRegistry interface {
	FindBySlug(ctx context.Context, slug string) (*model.ServerRecord, error)
}

// VoteStore 票数计数与投票日志
type VoteStore interface {
	RecordVote(ctx context.Context, vote *model.VoteRecord) error
	ListRecentVotes(ctx context.Context, slug string, limit int) ([]*model.VoteRecord, error)
}

// CooldownLedger 投票冷却账本
type CooldownLedger interface {
	CheckAndRecord(ctx context.Context, voter, slug string, cooldownMs, nowMs int64) (*model.CooldownResult, error)
	LastVotedAt(ctx context.Context, voter, slug string) (int64, bool, error)
}

// RewardDeliverer 把奖励通知推送给本实例上的游戏服务器连接
type RewardDeliverer interface {
	Deliver(slug string, payload model.RewardPayload) int
}

// RewardPublisher 把奖励事件转发给其他实例
type RewardPublisher interface {
	SendRewardEvent(ctx context.Context, event *model.RewardEvent) error
}

// Options 投票服务参数
type Options struct {
	InstanceID      string
	DefaultCooldown time.Duration
	StoreTimeout    time.Duration
	HistoryLimit    int
}

type VoteService struct {
	registry  ServerRegistry
	votes     VoteStore
	ledger    CooldownLedger
	deliverer RewardDeliverer
	publisher RewardPublisher
	opts      Options
}

func NewVoteService(
	registry ServerRegistry,
	votes VoteStore,
	ledger CooldownLedger,
	deliverer RewardDeliverer,
	opts Options,
) *VoteService {
	if opts.DefaultCooldown <= 0 {
		opts.DefaultCooldown = config.DefaultCooldown
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 3 * time.Second
	}
	if opts.HistoryLimit <= 0 || opts.HistoryLimit > config.MaxHistoryLimit {
		opts.HistoryLimit = config.MaxHistoryLimit
	}
	return &VoteService{
		registry:  registry,
		votes:     votes,
		ledger:    ledger,
		deliverer: deliverer,
		opts:      opts,
	}
}

// SetPublisher 启用跨实例奖励转发
func (s *VoteService) SetPublisher(publisher RewardPublisher) {
	s.publisher = publisher
}

// SubmitVote 投票：校验、冷却检查并记录、计数与日志、按需推送奖励
func (s *VoteService) SubmitVote(ctx context.Context, req *model.VoteRequest, now time.Time) (*model.VoteResult, error) {
	voter := strings.TrimSpace(req.Voter)
	serverInput := strings.TrimSpace(req.Server)
	if !validIdentifier(voter) || !validIdentifier(serverInput) {
		return nil, &VoteError{Kind: KindInvalidInput}
	}

	server, err := s.resolveServer(ctx, serverInput)
	if err != nil {
		return nil, err
	}

	// 携带密钥表示请求发放游戏内奖励
	sendReward := false
	if secret := strings.TrimSpace(req.Secret); secret != "" {
		stored := strings.TrimSpace(server.Secret)
		if stored == "" || stored != secret {
			logger.S().Warnw("投票密钥校验失败", "slug", server.Slug, "voter", voter)
			return nil, &VoteError{Kind: KindInvalidSecret}
		}
		if !server.RewardsEnabled {
			return nil, &VoteError{Kind: KindRewardsDisabled}
		}
		sendReward = true
	}

	nowMs := now.UnixMilli()
	cooldownMs := s.cooldownMs(server)

	// 冷却记录先于计数和日志写入
	storeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	cooldown, err := s.ledger.CheckAndRecord(storeCtx, voter, server.Slug, cooldownMs, nowMs)
	cancel()
	if err != nil {
		logger.S().Errorw("冷却检查失败", "slug", server.Slug, "voter", voter, "error", err)
		return nil, storeFailure(err)
	}
	if !cooldown.Allowed {
		return nil, &VoteError{Kind: KindCooldown, RemainingMs: cooldown.RemainingMs}
	}

	vote := &model.VoteRecord{
		Voter:      voter,
		ServerSlug: server.Slug,
		VotedAt:    time.UnixMilli(nowMs),
	}
	storeCtx, cancel = context.WithTimeout(ctx, s.opts.StoreTimeout)
	err = s.votes.RecordVote(storeCtx, vote)
	cancel()
	if err != nil {
		logger.S().Errorw("记录投票失败", "slug", server.Slug, "voter", voter, "error", err)
		return nil, storeFailure(err)
	}

	if sendReward {
		s.dispatchReward(ctx, model.RewardPayload{
			Voter:      voter,
			ServerSlug: server.Slug,
			Timestamp:  nowMs,
		})
	}

	logger.S().Infow("投票成功", "slug", server.Slug, "voter", voter, "reward", sendReward)
	return &model.VoteResult{
		ServerSlug: server.Slug,
		RewardSent: sendReward,
	}, nil
}

// dispatchReward 推送失败只记录日志，投票本身已经成功
func (s *VoteService) dispatchReward(ctx context.Context, payload model.RewardPayload) {
	if s.deliverer != nil {
		if n := s.deliverer.Deliver(payload.ServerSlug, payload); n == 0 {
			logger.S().Infow("本实例没有该服务器的已认证连接", "slug", payload.ServerSlug)
		}
	}

	if s.publisher == nil {
		return
	}
	event := &model.RewardEvent{Origin: s.opts.InstanceID, Payload: payload}
	pubCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	if err := s.publisher.SendRewardEvent(pubCtx, event); err != nil {
		logger.S().Warnw("转发奖励事件失败", "slug", payload.ServerSlug, "error", err)
	}
}

// ProcessRewardEvent 处理其他实例转发来的奖励事件（消费者使用）
func (s *VoteService) ProcessRewardEvent(event *model.RewardEvent) error {
	if event.Origin == s.opts.InstanceID || s.deliverer == nil {
		return nil
	}
	n := s.deliverer.Deliver(event.Payload.ServerSlug, event.Payload)
	logger.S().Debugw("处理转发的奖励事件", "slug", event.Payload.ServerSlug, "origin", event.Origin, "delivered", n)
	return nil
}

// GetCooldown 查询剩余冷却时间，不修改任何状态
func (s *VoteService) GetCooldown(ctx context.Context, voterInput, serverInput string, now time.Time) (*model.CooldownStatus, error) {
	voter := strings.TrimSpace(voterInput)
	serverInput = strings.TrimSpace(serverInput)
	if !validIdentifier(voter) || !validIdentifier(serverInput) {
		return nil, &VoteError{Kind: KindInvalidInput}
	}

	server, err := s.resolveServer(ctx, serverInput)
	if err != nil {
		return nil, err
	}
	cooldownMs := s.cooldownMs(server)

	storeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	lastVotedAt, found, err := s.ledger.LastVotedAt(storeCtx, voter, server.Slug)
	if err != nil {
		logger.S().Errorw("查询冷却失败", "slug", server.Slug, "voter", voter, "error", err)
		return nil, storeFailure(err)
	}

	status := &model.CooldownStatus{ServerSlug: server.Slug, CooldownMs: cooldownMs}
	if found {
		if remaining := cooldownMs - (now.UnixMilli() - lastVotedAt); remaining > 0 {
			status.RemainingMs = remaining
		}
	}
	return status, nil
}

// ListRecentVotes 查询服务器最近的投票记录，limit 限制在 [1, HistoryLimit]
func (s *VoteService) ListRecentVotes(ctx context.Context, serverInput string, limit int) ([]*model.VoteRecord, error) {
	serverInput = strings.TrimSpace(serverInput)
	if !validIdentifier(serverInput) {
		return nil, &VoteError{Kind: KindInvalidInput}
	}
	if limit <= 0 || limit > s.opts.HistoryLimit {
		limit = s.opts.HistoryLimit
	}

	server, err := s.resolveServer(ctx, serverInput)
	if err != nil {
		return nil, err
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	votes, err := s.votes.ListRecentVotes(storeCtx, server.Slug, limit)
	if err != nil {
		logger.S().Errorw("查询投票历史失败", "slug", server.Slug, "error", err)
		return nil, storeFailure(err)
	}
	return votes, nil
}

// resolveServer 忽略大小写查找未禁用的服务器
func (s *VoteService) resolveServer(ctx context.Context, serverInput string) (*model.ServerRecord, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	server, err := s.registry.FindBySlug(storeCtx, serverInput)
	if err != nil {
		logger.S().Errorw("查询服务器失败", "server", serverInput, "error", err)
		return nil, storeFailure(err)
	}
	if server == nil || server.Disabled {
		return nil, &VoteError{Kind: KindNotFound}
	}
	return server, nil
}

// validIdentifier 非空且不超过列宽
func validIdentifier(s string) bool {
	return s != "" && utf8.RuneCountInString(s) <= model.MaxIdentifierLength
}

func (s *VoteService) cooldownMs(server *model.ServerRecord) int64 {
	if server.CooldownMs > 0 {
		return server.CooldownMs
	}
	return s.opts.DefaultCooldown.Milliseconds()
}
