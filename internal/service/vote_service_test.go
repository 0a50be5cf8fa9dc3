package service_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lvdashuaibi/craftvote/internal/model"
	"github.com/lvdashuaibi/craftvote/internal/repository"
	"github.com/lvdashuaibi/craftvote/internal/service"
	"github.com/lvdashuaibi/craftvote/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDeliverer struct {
	mu        sync.Mutex
	delivered []model.RewardPayload
	reach     int
}

func (f *fakeDeliverer) Deliver(slug string, payload model.RewardPayload) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, payload)
	return f.reach
}

func (f *fakeDeliverer) calls() []model.RewardPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.RewardPayload(nil), f.delivered...)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []*model.RewardEvent
	err    error
}

func (f *fakePublisher) SendRewardEvent(ctx context.Context, event *model.RewardEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return f.err
}

type failingLedger struct{}

func (failingLedger) CheckAndRecord(ctx context.Context, voter, slug string, cooldownMs, nowMs int64) (*model.CooldownResult, error) {
	return nil, errors.New("redis: connection refused")
}

func (failingLedger) LastVotedAt(ctx context.Context, voter, slug string) (int64, bool, error) {
	return 0, false, errors.New("redis: connection refused")
}

type fixture struct {
	service   *service.VoteService
	repo      *repository.MySQLRepository
	ledger    *repository.RedisRepository
	deliverer *fakeDeliverer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, _ := testutil.SetupSQLRepository(t)
	ledger, _, _ := testutil.SetupRedisRepository(t)
	deliverer := &fakeDeliverer{reach: 1}

	testutil.CreateServer(t, repo, &model.ServerRecord{Slug: "CoolTown", Secret: " s3cret ", RewardsEnabled: true, CooldownMs: 1000})
	testutil.CreateServer(t, repo, &model.ServerRecord{Slug: "quiet", Secret: "hush", RewardsEnabled: false})
	testutil.CreateServer(t, repo, &model.ServerRecord{Slug: "nosecret"})
	testutil.CreateServer(t, repo, &model.ServerRecord{Slug: "closed", Disabled: true})

	svc := service.NewVoteService(repo, repo, ledger, deliverer, service.Options{InstanceID: "node-1"})
	return &fixture{service: svc, repo: repo, ledger: ledger, deliverer: deliverer}
}

func at(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func requireKind(t *testing.T, err error, kind service.ErrorKind) *service.VoteError {
	t.Helper()
	var voteErr *service.VoteError
	require.True(t, errors.As(err, &voteErr), "expected VoteError, got %v", err)
	require.Equal(t, kind, voteErr.Kind)
	return voteErr
}

func TestSubmitVoteCooldownScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := &model.VoteRequest{Voter: "Alex", Server: "cooltown"}

	result, err := f.service.SubmitVote(ctx, req, at(0))
	require.NoError(t, err)
	assert.Equal(t, "CoolTown", result.ServerSlug)
	assert.False(t, result.RewardSent)
	assert.Equal(t, int64(1), testutil.VoteCount(t, f.repo, "CoolTown"))

	_, err = f.service.SubmitVote(ctx, req, at(500))
	voteErr := requireKind(t, err, service.KindCooldown)
	assert.Equal(t, int64(500), voteErr.RemainingMs)
	assert.Equal(t, int64(1), testutil.VoteCount(t, f.repo, "CoolTown"))

	last, _, err := f.ledger.LastVotedAt(ctx, "Alex", "CoolTown")
	require.NoError(t, err)
	assert.Equal(t, int64(0), last)

	_, err = f.service.SubmitVote(ctx, req, at(1000))
	require.NoError(t, err)
	assert.Equal(t, int64(2), testutil.VoteCount(t, f.repo, "CoolTown"))

	votes, err := f.service.ListRecentVotes(ctx, "COOLTOWN", 0)
	require.NoError(t, err)
	require.Len(t, votes, 2)
	assert.Equal(t, "CoolTown", votes[0].ServerSlug)
	assert.Equal(t, int64(1000), votes[0].VotedAt.UnixMilli())
	assert.Empty(t, f.deliverer.calls())
}

func TestSubmitVoteDefaultCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := &model.VoteRequest{Voter: "Alex", Server: "nosecret"}

	_, err := f.service.SubmitVote(ctx, req, at(0))
	require.NoError(t, err)

	_, err = f.service.SubmitVote(ctx, req, at(12*time.Hour.Milliseconds()-1))
	voteErr := requireKind(t, err, service.KindCooldown)
	assert.Equal(t, int64(1), voteErr.RemainingMs)

	_, err = f.service.SubmitVote(ctx, req, at(12*time.Hour.Milliseconds()))
	require.NoError(t, err)
}

func TestSubmitVoteInvalidInput(t *testing.T) {
	f := newFixture(t)
	for _, req := range []*model.VoteRequest{
		{Voter: "", Server: "cooltown"},
		{Voter: "   ", Server: "cooltown"},
		{Voter: "Alex", Server: " "},
	} {
		_, err := f.service.SubmitVote(context.Background(), req, at(0))
		requireKind(t, err, service.KindInvalidInput)
	}
}

func TestSubmitVoteRejectsOverlongIdentifiers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	long := strings.Repeat("x", model.MaxIdentifierLength+1)

	_, err := f.service.SubmitVote(ctx, &model.VoteRequest{Voter: long, Server: "cooltown"}, at(0))
	requireKind(t, err, service.KindInvalidInput)
	_, found, err := f.ledger.LastVotedAt(ctx, long, "CoolTown")
	require.NoError(t, err)
	assert.False(t, found, "rejected voter must not spend a cooldown slot")

	_, err = f.service.SubmitVote(ctx, &model.VoteRequest{Voter: "Alex", Server: long}, at(0))
	requireKind(t, err, service.KindInvalidInput)
	_, err = f.service.GetCooldown(ctx, long, "cooltown", at(0))
	requireKind(t, err, service.KindInvalidInput)
	_, err = f.service.ListRecentVotes(ctx, long, 5)
	requireKind(t, err, service.KindInvalidInput)
	assert.Equal(t, int64(0), testutil.VoteCount(t, f.repo, "CoolTown"))

	// 按字符计数，多字节字符不会被误判
	for _, voter := range []string{strings.Repeat("x", model.MaxIdentifierLength), strings.Repeat("ß", model.MaxIdentifierLength)} {
		_, err = f.service.SubmitVote(ctx, &model.VoteRequest{Voter: voter, Server: "cooltown"}, at(0))
		require.NoError(t, err)
	}
	assert.Equal(t, int64(2), testutil.VoteCount(t, f.repo, "CoolTown"))
}

func TestSubmitVoteNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.SubmitVote(context.Background(), &model.VoteRequest{Voter: "Alex", Server: "nowhere"}, at(0))
	requireKind(t, err, service.KindNotFound)

	_, err = f.service.SubmitVote(context.Background(), &model.VoteRequest{Voter: "Alex", Server: "closed"}, at(0))
	requireKind(t, err, service.KindNotFound)
}

func TestSubmitVoteRewardGating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.SubmitVote(ctx, &model.VoteRequest{Voter: "Alex", Server: "cooltown", Secret: "wrong"}, at(0))
	requireKind(t, err, service.KindInvalidSecret)

	_, err = f.service.SubmitVote(ctx, &model.VoteRequest{Voter: "Alex", Server: "nosecret", Secret: "anything"}, at(0))
	requireKind(t, err, service.KindInvalidSecret)

	_, err = f.service.SubmitVote(ctx, &model.VoteRequest{Voter: "Alex", Server: "quiet", Secret: "hush"}, at(0))
	requireKind(t, err, service.KindRewardsDisabled)

	assert.Empty(t, f.deliverer.calls())
	assert.Equal(t, int64(0), testutil.VoteCount(t, f.repo, "CoolTown"))

	// 被拒绝的奖励请求不占用冷却
	result, err := f.service.SubmitVote(ctx, &model.VoteRequest{Voter: "Alex", Server: "cooltown", Secret: "s3cret  "}, at(0))
	require.NoError(t, err)
	assert.True(t, result.RewardSent)

	calls := f.deliverer.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, model.RewardPayload{Voter: "Alex", ServerSlug: "CoolTown", Timestamp: 0}, calls[0])
}

func TestSubmitVoteRewardWithoutListenerStillSucceeds(t *testing.T) {
	f := newFixture(t)
	f.deliverer.reach = 0
	publisher := &fakePublisher{err: errors.New("kafka: broker unavailable")}
	f.service.SetPublisher(publisher)

	result, err := f.service.SubmitVote(context.Background(), &model.VoteRequest{Voter: "Alex", Server: "CoolTown", Secret: "s3cret"}, at(42))
	require.NoError(t, err)
	assert.True(t, result.RewardSent)
	assert.Equal(t, int64(1), testutil.VoteCount(t, f.repo, "CoolTown"))

	require.Len(t, publisher.events, 1)
	assert.Equal(t, "node-1", publisher.events[0].Origin)
	assert.Equal(t, "CoolTown", publisher.events[0].Payload.ServerSlug)
	assert.Equal(t, int64(42), publisher.events[0].Payload.Timestamp)
}

func TestSubmitVoteConcurrentDistinctVoters(t *testing.T) {
	f := newFixture(t)

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.service.SubmitVote(context.Background(), &model.VoteRequest{Voter: fmt.Sprintf("voter-%d", i), Server: "cooltown"}, at(0))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(n), testutil.VoteCount(t, f.repo, "CoolTown"))
}

func TestSubmitVoteConcurrentSameVoterAdmitsOne(t *testing.T) {
	f := newFixture(t)

	const n = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		cooldowns int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.SubmitVote(context.Background(), &model.VoteRequest{Voter: "Alex", Server: "cooltown"}, at(0))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else if service.KindOf(err) == service.KindCooldown {
				cooldowns++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, cooldowns)
	assert.Equal(t, int64(1), testutil.VoteCount(t, f.repo, "CoolTown"))
}

func TestSubmitVoteStoreFailure(t *testing.T) {
	repo, _ := testutil.SetupSQLRepository(t)
	testutil.CreateServer(t, repo, &model.ServerRecord{Slug: "cooltown"})
	svc := service.NewVoteService(repo, repo, failingLedger{}, &fakeDeliverer{}, service.Options{})

	_, err := svc.SubmitVote(context.Background(), &model.VoteRequest{Voter: "Alex", Server: "cooltown"}, at(0))
	requireKind(t, err, service.KindStoreFailure)
	assert.Equal(t, int64(0), testutil.VoteCount(t, repo, "cooltown"))
}

func TestGetCooldownCaseInsensitiveAndReadOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	status, err := f.service.GetCooldown(ctx, "Steve", "cooltown", at(0))
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.RemainingMs)
	assert.Equal(t, int64(1000), status.CooldownMs)
	assert.Equal(t, "CoolTown", status.ServerSlug)

	_, err = f.service.SubmitVote(ctx, &model.VoteRequest{Voter: "Steve", Server: "cooltown"}, at(100))
	require.NoError(t, err)

	upper, err := f.service.GetCooldown(ctx, "Steve", "COOLTOWN", at(400))
	require.NoError(t, err)
	lower, err := f.service.GetCooldown(ctx, "steve", "cooltown", at(400))
	require.NoError(t, err)
	assert.Equal(t, int64(700), upper.RemainingMs)
	assert.Equal(t, upper.RemainingMs, lower.RemainingMs)

	expired, err := f.service.GetCooldown(ctx, "steve", "cooltown", at(5000))
	require.NoError(t, err)
	assert.Equal(t, int64(0), expired.RemainingMs)

	// 查询不会刷新冷却
	last, _, err := f.ledger.LastVotedAt(ctx, "steve", "CoolTown")
	require.NoError(t, err)
	assert.Equal(t, int64(100), last)
}

func TestListRecentVotesClampsLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		_, err := f.service.SubmitVote(ctx, &model.VoteRequest{Voter: fmt.Sprintf("v%d", i), Server: "cooltown"}, at(int64(i)))
		require.NoError(t, err)
	}

	votes, err := f.service.ListRecentVotes(ctx, "cooltown", 50)
	require.NoError(t, err)
	assert.Len(t, votes, 10)
	assert.Equal(t, "v11", votes[0].Voter)

	votes, err = f.service.ListRecentVotes(ctx, "cooltown", 3)
	require.NoError(t, err)
	assert.Len(t, votes, 3)

	_, err = f.service.ListRecentVotes(ctx, "nowhere", 3)
	requireKind(t, err, service.KindNotFound)
}

func TestProcessRewardEventSkipsOwnOrigin(t *testing.T) {
	f := newFixture(t)
	payload := model.RewardPayload{Voter: "Alex", ServerSlug: "CoolTown", Timestamp: 1}

	require.NoError(t, f.service.ProcessRewardEvent(&model.RewardEvent{Origin: "node-1", Payload: payload}))
	assert.Empty(t, f.deliverer.calls())

	require.NoError(t, f.service.ProcessRewardEvent(&model.RewardEvent{Origin: "node-2", Payload: payload}))
	assert.Equal(t, []model.RewardPayload{payload}, f.deliverer.calls())
}
