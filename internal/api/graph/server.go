package graph

import (
	"context"
	"errors"
	"net/http"
	"time"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"
	"github.com/lvdashuaibi/craftvote/internal/model"
	"github.com/lvdashuaibi/craftvote/internal/service"
)

// GraphQLServer GraphQL服务
type GraphQLServer struct {
	schema   *graphql.Schema
	handler  *relay.Handler
	resolver *Resolver
}

const schemaString = `
type VoteResult {
  success: Boolean!
  message: String!
  serverSlug: String!
  rewardSent: Boolean!
  errorKind: String!
  remainingMs: Float!
}

type CooldownStatus {
  serverSlug: String!
  remainingMs: Float!
  cooldownMs: Float!
}

type VoteRecord {
  voter: String!
  serverSlug: String!
  timestamp: String!
}

type Query {
  # 查询剩余冷却时间
  cooldown(username: String!, server: String!): CooldownStatus!

  # 查询服务器最近的投票
  recentVotes(server: String!, limit: Int): [VoteRecord!]!
}

type Mutation {
  # 投票，携带密钥时请求发放游戏内奖励
  vote(username: String!, server: String!, secret: String): VoteResult!
}

schema {
  query: Query
  mutation: Mutation
}
`

// NewGraphQLServer 创建新的GraphQL服务
func NewGraphQLServer(voteService *service.VoteService) *GraphQLServer {
	resolver := NewResolver(voteService)

	schema := graphql.MustParseSchema(schemaString, resolver)

	return &GraphQLServer{
		schema:   schema,
		handler:  &relay.Handler{Schema: schema},
		resolver: resolver,
	}
}

// Handler 返回GraphQL HTTP处理器
func (s *GraphQLServer) Handler() http.Handler {
	return s.handler
}

// Resolver GraphQL解析器
type Resolver struct {
	voteService *service.VoteService
	now         func() time.Time
}

// NewResolver 创建新的解析器
func NewResolver(voteService *service.VoteService) *Resolver {
	return &Resolver{voteService: voteService, now: time.Now}
}

// Vote 投票，拒绝原因通过 errorKind 返回而不是GraphQL错误
func (r *Resolver) Vote(ctx context.Context, args struct {
	Username string
	Server   string
	Secret   *string
}) (*VoteResultResolver, error) {
	req := &model.VoteRequest{Voter: args.Username, Server: args.Server}
	if args.Secret != nil {
		req.Secret = *args.Secret
	}

	result, err := r.voteService.SubmitVote(ctx, req, r.now())
	if err != nil {
		var voteErr *service.VoteError
		if !errors.As(err, &voteErr) {
			return nil, err
		}
		return &VoteResultResolver{message: voteErr.Error(), errorKind: string(voteErr.Kind), remainingMs: voteErr.RemainingMs}, nil
	}

	return &VoteResultResolver{success: true, message: "Vote recorded", result: result}, nil
}

// Cooldown 查询剩余冷却时间
func (r *Resolver) Cooldown(ctx context.Context, args struct {
	Username string
	Server   string
}) (*CooldownStatusResolver, error) {
	status, err := r.voteService.GetCooldown(ctx, args.Username, args.Server, r.now())
	if err != nil {
		return nil, err
	}
	return &CooldownStatusResolver{status: status}, nil
}

// RecentVotes 查询最近投票
func (r *Resolver) RecentVotes(ctx context.Context, args struct {
	Server string
	Limit  *int32
}) ([]*VoteRecordResolver, error) {
	limit := 0
	if args.Limit != nil {
		limit = int(*args.Limit)
	}

	votes, err := r.voteService.ListRecentVotes(ctx, args.Server, limit)
	if err != nil {
		return nil, err
	}

	resolvers := make([]*VoteRecordResolver, len(votes))
	for i, vote := range votes {
		resolvers[i] = &VoteRecordResolver{vote: vote}
	}
	return resolvers, nil
}

// VoteResultResolver 投票结果解析器
type VoteResultResolver struct {
	success     bool
	message     string
	errorKind   string
	remainingMs int64
	result      *model.VoteResult
}

func (r *VoteResultResolver) Success() bool {
	return r.success
}

func (r *VoteResultResolver) Message() string {
	return r.message
}

func (r *VoteResultResolver) ServerSlug() string {
	if r.result == nil {
		return ""
	}
	return r.result.ServerSlug
}

func (r *VoteResultResolver) RewardSent() bool {
	return r.result != nil && r.result.RewardSent
}

func (r *VoteResultResolver) ErrorKind() string {
	return r.errorKind
}

func (r *VoteResultResolver) RemainingMs() float64 {
	return float64(r.remainingMs)
}

// CooldownStatusResolver 冷却状态解析器
type CooldownStatusResolver struct {
	status *model.CooldownStatus
}

func (r *CooldownStatusResolver) ServerSlug() string {
	return r.status.ServerSlug
}

func (r *CooldownStatusResolver) RemainingMs() float64 {
	return float64(r.status.RemainingMs)
}

func (r *CooldownStatusResolver) CooldownMs() float64 {
	return float64(r.status.CooldownMs)
}

// VoteRecordResolver 投票记录解析器
type VoteRecordResolver struct {
	vote *model.VoteRecord
}

func (r *VoteRecordResolver) Voter() string {
	return r.vote.Voter
}

func (r *VoteRecordResolver) ServerSlug() string {
	return r.vote.ServerSlug
}

func (r *VoteRecordResolver) Timestamp() string {
	return r.vote.VotedAt.UTC().Format(time.RFC3339Nano)
}
