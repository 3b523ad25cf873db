package webapp

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"evidence-vault/internal/domain/model"
)

// actorClaims 是访问令牌里保险库关心的声明。
// 令牌签发（注册/OTP/登录）属于外部协作方，这里只校验与解析。
type actorClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

type ctxKey int

const actorKey ctxKey = iota

// actorFrom 取出鉴权中间件注入的请求主体。
func actorFrom(r *http.Request) (model.Actor, bool) {
	a, ok := r.Context().Value(actorKey).(model.Actor)
	return a, ok
}

// parseToken 校验 HS256 Bearer Token 并抽取 actor{id, role}。
func parseToken(tokenStr string, secret []byte) (model.Actor, error) {
	claims := &actorClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return model.Actor{}, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return model.Actor{}, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return model.Actor{}, fmt.Errorf("token subject is required")
	}

	role := model.Role(strings.ToUpper(strings.TrimSpace(claims.Role)))
	switch role {
	case model.RoleAdmin, model.RoleNGOAdmin, model.RoleCaseOfficer, model.RoleUser:
	default:
		return model.Actor{}, fmt.Errorf("unknown role in token")
	}

	return model.Actor{ID: claims.Subject, Role: role}, nil
}

// authMiddleware 要求除健康检查外的所有请求携带合法 Bearer Token。
// 未配置 JWT 密钥时一律拒绝（fail closed），绝不降级为匿名放行。
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			next.ServeHTTP(w, r)
			return
		}

		if len(s.jwtSecret) == 0 {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("authentication not configured"))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("missing authorization header"))
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid authorization header format"))
			return
		}

		actor, err := parseToken(parts[1], s.jwtSecret)
		if err != nil {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid or expired token"))
			return
		}

		ctx := context.WithValue(r.Context(), actorKey, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
