package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
)

const (
	RoleService = "service"
	RoleAdmin   = "admin"

	sessionClaimsKey = "auth_claims"
	serviceClaimsKey = "service_claims"
	bearerPrefix     = "Bearer "
)

var errMissingBearer = errors.New("missing bearer token")

// ServiceClaims are carried by the HMAC tokens internal callers present.
type ServiceClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IssueServiceToken signs a token for subject with role, valid for ttl from now.
func IssueServiceToken(secret string, subject string, role string, now time.Time, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("service token secret is empty")
	}
	if role != RoleService && role != RoleAdmin {
		return "", fmt.Errorf("unknown role %q", role)
	}
	claims := ServiceClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// serviceAuth admits requests whose bearer token is signed with secret and names one of roles.
func serviceAuth(secret []byte, roles ...string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims, err := parseServiceToken(ctx.GetHeader("Authorization"), secret)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid service token"))
			return
		}
		if !slices.Contains(roles, claims.Role) {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "role not permitted"))
			return
		}
		ctx.Set(serviceClaimsKey, claims)
		ctx.Next()
	}
}

func parseServiceToken(header string, secret []byte) (*ServiceClaims, error) {
	raw, found := strings.CutPrefix(header, bearerPrefix)
	if !found || strings.TrimSpace(raw) == "" {
		return nil, errMissingBearer
	}
	claims := &ServiceClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(sessionClaimsKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func getServiceClaims(ctx *gin.Context) *ServiceClaims {
	claimsValue, ok := ctx.Get(serviceClaimsKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*ServiceClaims)
	return claims
}
