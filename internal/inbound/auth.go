package inbound

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

var errUnauthorized = errors.New("authentication failed")

// Authenticator verifies the API key gateway callbacks carry.
type Authenticator struct {
	apiKey string
}

// NewAuthenticator creates an Authenticator for apiKey. An empty key
// disables authentication.
func NewAuthenticator(apiKey string) *Authenticator {
	return &Authenticator{apiKey: apiKey}
}

// Enabled returns true if an API key is configured.
func (a *Authenticator) Enabled() bool {
	return a.apiKey != ""
}

// Verify checks a presented key in constant time.
func (a *Authenticator) Verify(key string) error {
	if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(a.apiKey)) != 1 {
		return errUnauthorized
	}
	return nil
}

// Middleware rejects requests without a valid key. The key is read from the
// apikey header, a bearer token, or the apikey query parameter.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Enabled() {
			c.Next()
			return
		}
		if err := a.Verify(presentedKey(c)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func presentedKey(c *gin.Context) string {
	if key := c.GetHeader("apikey"); key != "" {
		return key
	}
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return c.Query("apikey")
}
