package rpc

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

const (
	jwtClockSkew   = 2 * time.Minute
	limiterIdleTTL = 10 * time.Minute
)

// requireAuth accepts the static bearer token or, when a secret is configured,
// an HS256 JWT.
func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.cfg.AuthToken == "" && len(s.cfg.JWTSecret) == 0 {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if s.cfg.AuthToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1 {
		return nil
	}
	if len(s.cfg.JWTSecret) > 0 {
		if err := s.verifyJWT(token); err != nil {
			return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials", Data: err.Error()}
		}
		return nil
	}
	return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
}

func (s *Server) verifyJWT(tokenString string) error {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(jwtClockSkew),
		jwt.WithExpirationRequired(),
	}
	if issuer := strings.TrimSpace(s.cfg.JWTIssuer); issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.cfg.JWTSecret, nil
	}, opts...)
	if err != nil {
		return err
	}
	if !token.Valid {
		return errors.New("token invalid")
	}
	return nil
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// sourceLimiter keeps one token bucket per client address. A zero rate
// disables throttling.
type sourceLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	sources map[string]*limiterEntry
}

func newSourceLimiter(perSecond float64, burst int) *sourceLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &sourceLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		now:     time.Now,
		sources: make(map[string]*limiterEntry),
	}
}

func (l *sourceLimiter) allow(source string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	if source == "" {
		source = "unknown"
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, entry := range l.sources {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(l.sources, key)
		}
	}
	entry, ok := l.sources[source]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.sources[source] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}
