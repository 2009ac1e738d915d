package handlers

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/logger"
	"github.com/pkg/errors"

	"prizedraw/internal/errs"
	"prizedraw/internal/models"
)

const (
	tokenIssuer  = "prizedraw"
	principalKey = "principal"
)

var errSigningMethod = errors.New("unexpected signing method")

// Authenticator issues and checks HS256 bearer tokens. The token subject is
// the account address the bearer acts as.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewAuthenticator(secret []byte, ttl time.Duration) *Authenticator {
	return &Authenticator{secret: secret, ttl: ttl, now: time.Now}
}

// Issue returns a token for addr valid for the configured ttl.
func (a *Authenticator) Issue(addr models.Address) (string, error) {
	if addr == "" {
		return "", errors.New("token subject is empty")
	}
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   string(addr),
		Issuer:    tokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	return token, errors.Wrap(err, "sign token")
}

// Verify returns the address token was issued to.
func (a *Authenticator) Verify(token string) (models.Address, error) {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errSigningMethod
		}
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return "", err
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", errs.ErrUnauthenticated
	}
	return models.Address(claims.Subject), nil
}

// Middleware rejects requests without a valid bearer token with 401 and
// stores the token subject as the request principal.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			abort(c, errs.ErrUnauthenticated)
			return
		}
		addr, err := a.Verify(strings.TrimSpace(token))
		if err != nil {
			logger.Infof("rejected token on %s [%s]: %v", c.FullPath(), c.GetString(requestIDKey), err)
			abort(c, errs.ErrUnauthenticated)
			return
		}
		c.Set(principalKey, addr)
		c.Next()
	}
}

// principal returns the authenticated address of the request.
func principal(c *gin.Context) models.Address {
	addr, _ := c.Get(principalKey)
	p, _ := addr.(models.Address)
	return p
}

func abort(c *gin.Context, err error) {
	kind := errs.KindOf(err)
	c.AbortWithStatusJSON(errs.HTTPStatus(kind), gin.H{
		"error":     errs.Label(err),
		"kind":      kind.String(),
		"retryable": kind.Retryable(),
	})
}
