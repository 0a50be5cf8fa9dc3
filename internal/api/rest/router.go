package rest

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lvdashuaibi/craftvote/internal/model"
	"github.com/lvdashuaibi/craftvote/internal/service"
)

// ConnectionCounter 报告网关当前连接数
type ConnectionCounter interface {
	ConnectionCount() int
}

// Handler 投票相关的REST接口
type Handler struct {
	voteService *service.VoteService
	gateway     ConnectionCounter
	now         func() time.Time
}

func NewHandler(voteService *service.VoteService, gateway ConnectionCounter) *Handler {
	return &Handler{voteService: voteService, gateway: gateway, now: time.Now}
}

// NewRouter 注册所有路由；graphql 不为空时挂载到 graphqlPath
func NewRouter(h *Handler, graphqlPath string, graphql http.Handler) *gin.Engine {
	g := gin.New()
	g.Use(gin.Logger(), gin.Recovery())

	g.GET("/healthz", h.Health)

	api := g.Group("/api")
	api.POST("/vote", h.Vote)
	api.GET("/cooldown", h.Cooldown)
	api.GET("/servers/:server/votes", h.RecentVotes)

	if graphql != nil {
		g.POST(graphqlPath, gin.WrapH(graphql))
	}
	return g
}

func (h *Handler) Health(c *gin.Context) {
	connections := 0
	if h.gateway != nil {
		connections = h.gateway.ConnectionCount()
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "gatewayConnections": connections})
}

func (h *Handler) Vote(c *gin.Context) {
	var req model.VoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": string(service.KindInvalidInput), "message": "invalid request body"})
		return
	}

	result, err := h.voteService.SubmitVote(c.Request.Context(), &req, h.now())
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"serverSlug": result.ServerSlug,
		"rewardSent": result.RewardSent,
	})
}

func (h *Handler) Cooldown(c *gin.Context) {
	status, err := h.voteService.GetCooldown(c.Request.Context(), c.Query("username"), c.Query("server"), h.now())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) RecentVotes(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": string(service.KindInvalidInput), "message": "limit must be a number"})
			return
		}
		limit = n
	}

	votes, err := h.voteService.ListRecentVotes(c.Request.Context(), c.Param("server"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"votes": votes})
}

// writeError 把投票服务的拒绝原因映射为HTTP状态码
func writeError(c *gin.Context, err error) {
	var voteErr *service.VoteError
	if !errors.As(err, &voteErr) {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": string(service.KindStoreFailure), "message": "internal error"})
		return
	}

	body := gin.H{"success": false, "error": string(voteErr.Kind), "message": voteErr.Error()}
	status := http.StatusInternalServerError
	switch voteErr.Kind {
	case service.KindInvalidInput:
		status = http.StatusBadRequest
	case service.KindNotFound:
		status = http.StatusNotFound
	case service.KindInvalidSecret, service.KindRewardsDisabled:
		status = http.StatusForbidden
	case service.KindCooldown:
		status = http.StatusTooManyRequests
		body["remainingMs"] = voteErr.RemainingMs
	}
	c.JSON(status, body)
}
