package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"
)

// 调用方角色，写在 JWT 的 "role" claim 中。
const (
	RoleApp      = "app"      // 发布事件、读取自己的任务
	RoleWorker   = "worker"   // worker-manager 与外部执行者
	RoleOperator = "operator" // 运维，可以看到完整的错误信封
)

// gin 上下文中的键。
const (
	ctxSubject = "subject"
	ctxRole    = "role"
)

// IssueToken 签发一个 HS256 token。ttl 为 0 时不设置过期时间。
func IssueToken(secret, subject, role string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{"sub": subject, "role": role, "iat": time.Now().Unix()}
	if ttl != 0 {
		claims["exp"] = time.Now().Add(ttl).Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// AuthMiddleware 创建一个 Gin 中间件，用于验证 JWT。
func AuthMiddleware(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "请求未包含授权标头"})
			return
		}

		// 我们期望的格式是 "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "授权标头格式不正确"})
			return
		}

		token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
			// 确保 token 的签名方法是我们期望的
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("非预期的签名方法")
			}
			return []byte(jwtSecret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "无效的 token"})
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "无效的 token"})
			return
		}
		subject, _ := claims["sub"].(string)
		if subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "无效的 token claims"})
			return
		}
		role, _ := claims["role"].(string)
		if role == "" {
			role = RoleApp
		}
		c.Set(ctxSubject, subject)
		c.Set(ctxRole, role)
		c.Next()
	}
}

// RequireRole 只放行指定角色，必须放在 AuthMiddleware 之后。
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString(ctxRole)
		for _, r := range roles {
			if r == role {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "角色无权访问该接口"})
	}
}

// callerKey 用于按调用方限流，未认证的请求按客户端 IP。
func callerKey(c *gin.Context) string {
	if s := c.GetString(ctxSubject); s != "" {
		return "sub:" + s
	}
	return "ip:" + c.ClientIP()
}

func isOperator(c *gin.Context) bool { return c.GetString(ctxRole) == RoleOperator }
