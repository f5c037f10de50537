package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ScopePipeline 是调用调度接口所需的 scope。
const ScopePipeline = "pipeline"

// jwtAuth 校验 HS256 Bearer Token，并要求 scope 包含 ScopePipeline。
func jwtAuth(secret []byte, issuer string) gin.HandlerFunc {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(opts...)

	return func(c *gin.Context) {
		bearer := strings.Split(c.GetHeader("Authorization"), " ")
		if len(bearer) != 2 || !strings.EqualFold(bearer[0], "bearer") {
			unauthorized(c, "invalid authorization header")
			return
		}

		claims := jwt.MapClaims{}
		token, err := parser.ParseWithClaims(bearer[1], claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return secret, nil
		})
		if err != nil || !token.Valid {
			unauthorized(c, "invalid token")
			return
		}
		if !hasScope(claims["scope"], ScopePipeline) {
			unauthorized(c, "missing scope "+ScopePipeline)
			return
		}

		if sub, err := claims.GetSubject(); err == nil && sub != "" {
			c.Set("subject", sub)
		}
		c.Next()
	}
}

// hasScope 兼容空格分隔字符串与字符串数组两种 scope 写法。
func hasScope(raw interface{}, want string) bool {
	switch v := raw.(type) {
	case string:
		for _, s := range strings.Fields(v) {
			if s == want {
				return true
			}
		}
	case []interface{}:
		for _, s := range v {
			if str, ok := s.(string); ok && str == want {
				return true
			}
		}
	}
	return false
}

// requestLogger 用 zap 记录每个请求。
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("HTTP 请求",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
