package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"tradeboard/internal/service"
	"tradeboard/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	postService   *service.PostService
	viewService   *service.ViewService
	pointService  *service.PointService
	userService   *service.UserService
	queryService  *service.QueryService
	outboxService *service.OutboxService
	log           *slog.Logger
	jwtSecret     string
	jwtIssuer     string
}

// Services handler 依赖的服务集合
type Services struct {
	Post   *service.PostService
	View   *service.ViewService
	Point  *service.PointService
	User   *service.UserService
	Query  *service.QueryService
	Outbox *service.OutboxService
}

func NewHandler(svc Services, jwtSecret, jwtIssuer string, log *slog.Logger) *Handler {
	return &Handler{
		postService:   svc.Post,
		viewService:   svc.View,
		pointService:  svc.Point,
		userService:   svc.User,
		queryService:  svc.Query,
		outboxService: svc.Outbox,
		log:           log,
		jwtSecret:     jwtSecret,
		jwtIssuer:     jwtIssuer,
	}
}

// fail 把服务层错误映射成响应，内部错误只记日志不外露
func (h *Handler) fail(c *gin.Context, err error) {
	var ipe *service.InsufficientPointsError
	switch {
	case errors.As(err, &ipe):
		response.ErrorWithData(c, http.StatusPaymentRequired, response.CodePointsNotEnough, "积分不足", gin.H{
			"required":  ipe.Required,
			"available": ipe.Available,
		})
	case service.IsValidation(err):
		response.ParamError(c, err.Error())
	case service.IsNotFound(err):
		response.NotFound(c, err.Error())
	case service.IsConflict(err):
		response.Error(c, http.StatusConflict, response.CodeConflict, service.ErrConflict.Error())
	default:
		h.log.Error("请求处理失败",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.String("request_id", c.GetString(requestIDKey)),
			slog.Any("err", err),
		)
		response.ServerError(c)
	}
}

func queryInt(c *gin.Context, name string) (int, bool) {
	v := c.Query(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		response.ParamError(c, name+" 参数错误")
		return 0, false
	}
	return n, true
}

func pageParams(c *gin.Context) (int, int, bool) {
	page, ok := queryInt(c, "page")
	if !ok {
		return 0, 0, false
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		return 0, 0, false
	}
	return page, limit, true
}

// ============================================================
// 用户
// ============================================================

// CreateUser 注册（短信校验在网关完成）
// POST /api/v1/users
func (h *Handler) CreateUser(c *gin.Context) {
	var req service.CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	user, err := h.userService.CreateUser(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, user)
}

// GetMe GET /api/v1/me
func (h *Handler) GetMe(c *gin.Context) {
	user, err := h.userService.GetUser(c.Request.Context(), actorFrom(c).UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, user)
}

// ============================================================
// 积分
// ============================================================

// GetBalance GET /api/v1/me/points
func (h *Handler) GetBalance(c *gin.Context) {
	balance, err := h.pointService.GetBalance(c.Request.Context(), actorFrom(c).UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, balance)
}

// ListMyTransactions GET /api/v1/me/transactions?page=1&limit=20
func (h *Handler) ListMyTransactions(c *gin.Context) {
	page, limit, ok := pageParams(c)
	if !ok {
		return
	}
	result, err := h.pointService.ListTransactions(c.Request.Context(), actorFrom(c).UserID, page, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// ============================================================
// 交易信息
// ============================================================

// ListPosts 信息流
// GET /api/v1/posts?keyword=&trade_type=&min_price=&max_price=&sort_by=&sort_order=&page=&limit=
func (h *Handler) ListPosts(c *gin.Context) {
	var q service.FeedQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	for name, dst := range map[string]**decimal.Decimal{"min_price": &q.MinPrice, "max_price": &q.MaxPrice} {
		v := c.Query(name)
		if v == "" {
			continue
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			response.ParamError(c, name+" 参数错误")
			return
		}
		*dst = &d
	}

	page, err := h.queryService.Feed(c.Request.Context(), q)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, page)
}

// GetPost GET /api/v1/posts/:id
func (h *Handler) GetPost(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	post, err := h.postService.GetPost(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, post)
}

// PostRequest 发布/编辑请求，price 接受数字或字符串
type PostRequest struct {
	Title        string          `json:"title" binding:"required"`
	Keywords     string          `json:"keywords" binding:"required"`
	Price        decimal.Decimal `json:"price"`
	TradeType    string          `json:"trade_type" binding:"required"`
	DeliveryDate *time.Time      `json:"delivery_date"`
	ExtraInfo    string          `json:"extra_info"`
}

func (r *PostRequest) toService() *service.PublishRequest {
	return &service.PublishRequest{
		Title:        r.Title,
		Keywords:     r.Keywords,
		Price:        r.Price,
		TradeType:    r.TradeType,
		DeliveryDate: r.DeliveryDate,
		ExtraInfo:    r.ExtraInfo,
	}
}

// Publish 发布交易信息，扣除发布积分
// POST /api/v1/posts
func (h *Handler) Publish(c *gin.Context) {
	var req PostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.postService.Publish(c.Request.Context(), actorFrom(c), req.toService())
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// UpdatePost PUT /api/v1/posts/:id
func (h *Handler) UpdatePost(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var req PostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	post, err := h.postService.UpdatePost(c.Request.Context(), actorFrom(c), id, req.toService())
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, post)
}

// UpdatePostStatus 上架/下架，管理员路由复用
// PATCH /api/v1/posts/:id/status
func (h *Handler) UpdatePostStatus(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status" binding:"required,oneof=ACTIVE DISABLED"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	post, err := h.postService.UpdateStatus(c.Request.Context(), actorFrom(c), id, req.Status)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, post)
}

// DeletePost 删除并退还未使用的查看次数，管理员路由复用
// DELETE /api/v1/posts/:id
func (h *Handler) DeletePost(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	result, err := h.postService.DeleteListing(c.Request.Context(), actorFrom(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// ViewContact 查看联系方式，首次查看扣分，重复查看不扣
// POST /api/v1/posts/:id/contact
func (h *Handler) ViewContact(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	result, err := h.viewService.ViewContact(c.Request.Context(), actorFrom(c), id, service.ViewMeta{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// MarkDeal POST /api/v1/posts/:id/deal
func (h *Handler) MarkDeal(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		IsDealt *bool `json:"is_dealt" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.viewService.MarkDeal(c.Request.Context(), actorFrom(c), id, *req.IsDealt)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// ListPostViews GET /api/v1/posts/:id/views
func (h *Handler) ListPostViews(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	page, limit, ok := pageParams(c)
	if !ok {
		return
	}
	result, err := h.viewService.ListPostViews(c.Request.Context(), actorFrom(c), id, page, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// ListMyPosts GET /api/v1/me/posts
func (h *Handler) ListMyPosts(c *gin.Context) {
	page, limit, ok := pageParams(c)
	if !ok {
		return
	}
	result, err := h.postService.ListMyPosts(c.Request.Context(), actorFrom(c), page, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// ListMyViews GET /api/v1/me/views
func (h *Handler) ListMyViews(c *gin.Context) {
	page, limit, ok := pageParams(c)
	if !ok {
		return
	}
	result, err := h.viewService.ListMyViews(c.Request.Context(), actorFrom(c), page, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// ============================================================
// 管理后台
// ============================================================

type AdjustRequest struct {
	Delta       int64  `json:"delta" binding:"required"`
	Description string `json:"description" binding:"required"`
}

// AdminAdjustPoints POST /api/v1/admin/users/:id/adjust
func (h *Handler) AdminAdjustPoints(c *gin.Context) {
	userID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var req AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	trans, err := h.pointService.AdminAdjust(c.Request.Context(), actorFrom(c), userID, req.Delta, req.Description)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, trans)
}

type RechargeRequest struct {
	Amount    int64  `json:"amount" binding:"required,gt=0"`
	Reference string `json:"reference"`
}

// AdminRecharge 确认线下充值
// POST /api/v1/admin/users/:id/recharge
func (h *Handler) AdminRecharge(c *gin.Context) {
	userID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var req RechargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	trans, err := h.pointService.Recharge(c.Request.Context(), actorFrom(c), userID, req.Amount, req.Reference)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, trans)
}

// AdminUpdateUserStatus PATCH /api/v1/admin/users/:id/status
func (h *Handler) AdminUpdateUserStatus(c *gin.Context) {
	userID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	user, err := h.userService.UpdateUserStatus(c.Request.Context(), actorFrom(c), userID, req.Status)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, user)
}

// AdminGetUser GET /api/v1/admin/users/:id
func (h *Handler) AdminGetUser(c *gin.Context) {
	userID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	user, err := h.userService.GetUser(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, user)
}

// AdminListTransactions GET /api/v1/admin/users/:id/transactions
func (h *Handler) AdminListTransactions(c *gin.Context) {
	userID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	page, limit, ok := pageParams(c)
	if !ok {
		return
	}
	result, err := h.pointService.ListTransactions(c.Request.Context(), userID, page, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// AdminVerifyLedger 回放流水核对余额
// GET /api/v1/admin/users/:id/ledger
func (h *Handler) AdminVerifyLedger(c *gin.Context) {
	userID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	report, err := h.pointService.VerifyLedger(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, report)
}

// AdminListFailedEvents GET /api/v1/admin/outbox/failed?limit=20
func (h *Handler) AdminListFailedEvents(c *gin.Context) {
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	messages, err := h.outboxService.ListFailed(c.Request.Context(), actorFrom(c), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, messages)
}

// AdminRequeueEvent POST /api/v1/admin/outbox/:id/requeue
func (h *Handler) AdminRequeueEvent(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	msg, err := h.outboxService.Requeue(c.Request.Context(), actorFrom(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, msg)
}
