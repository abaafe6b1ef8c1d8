package handler

import (
	"errors"
	"strconv"
	"strings"

	"tradeboard/internal/service"
	"tradeboard/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"

	actorKey = "actor"
)

// Claims 令牌由登录服务签发，这里只做校验
type Claims struct {
	UserID int64  `json:"user_id,string"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// ParseToken 校验签名、签发方和有效期
func ParseToken(tokenString, secret, issuer string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(opts...)

	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.UserID <= 0 {
		return nil, errors.New("无效的 token")
	}
	return claims, nil
}

// AuthMiddleware 解析令牌并加载调用者状态，结果以 service.Actor 放进上下文
// 普通用户每次请求读一次库，封禁后立即生效
func (h *Handler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenString == "" {
			response.Unauthorized(c, "请先登录")
			return
		}

		claims, err := ParseToken(tokenString, h.jwtSecret, h.jwtIssuer)
		if err != nil {
			response.Unauthorized(c, "登录已失效，请重新登录")
			return
		}

		if claims.Role == RoleAdmin {
			c.Set(actorKey, service.Actor{UserID: claims.UserID, IsAdmin: true})
			c.Next()
			return
		}

		user, err := h.userService.GetUser(c.Request.Context(), claims.UserID)
		if err != nil {
			if service.IsNotFound(err) {
				response.Unauthorized(c, "用户不存在")
				return
			}
			h.fail(c, err)
			return
		}

		c.Set(actorKey, service.Actor{UserID: user.ID, Status: user.Status})
		c.Next()
	}
}

// RequireAdmin 必须挂在 AuthMiddleware 之后
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !actorFrom(c).IsAdmin {
			response.Forbidden(c, "无权限操作")
			return
		}
		c.Next()
	}
}

func actorFrom(c *gin.Context) service.Actor {
	if v, ok := c.Get(actorKey); ok {
		if actor, ok := v.(service.Actor); ok {
			return actor
		}
	}
	return service.Actor{}
}

func parseIDParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		response.ParamError(c, name+" 参数错误")
		return 0, false
	}
	return id, true
}
