package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	consentdomain "github.com/smallbiznis/obgateway/internal/consent/domain"
	credentialdomain "github.com/smallbiznis/obgateway/internal/credential/domain"
	"github.com/smallbiznis/obgateway/internal/oauth"
	obscontext "github.com/smallbiznis/obgateway/internal/observability/context"
	"github.com/smallbiznis/obgateway/internal/secret"
)

// Identity headers are asserted by the authenticating edge in front of the
// gateway.
const (
	HeaderUserID  = "X-User-Id"
	HeaderAdminID = "X-Admin-Id"

	contextUserIDKey  = "user_id"
	contextAdminIDKey = "admin_id"
	contextAppKey     = "client_app"
	contextTokenKey   = "access_token"
	contextConsentKey = "consent"
)

func (s *Server) UserRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := parseIdentityHeader(c.GetHeader(HeaderUserID))
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Set(contextUserIDKey, userID)
		c.Request = c.Request.WithContext(obscontext.WithUserID(c.Request.Context(), userID.String()))
		c.Next()
	}
}

func (s *Server) AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		adminID, ok := parseIdentityHeader(c.GetHeader(HeaderAdminID))
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Set(contextAdminIDKey, adminID)
		c.Next()
	}
}

func (s *Server) authorizeAdminAction(object, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		adminID, ok := adminIDFromContext(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if err := s.authzSvc.Authorize(c.Request.Context(), adminID, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

// ClientAuthRequired authenticates a third-party app with HTTP Basic client
// credentials.
func (s *Server) ClientAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID, clientSecret := parseBasicAuth(c)
		if clientID == "" {
			c.Header("WWW-Authenticate", `Basic realm="obgateway"`)
			AbortWithError(c, ErrUnauthorized)
			return
		}

		app, err := s.credentials.Verify(c.Request.Context(), clientID, secret.FromString(clientSecret))
		if err != nil {
			if errors.Is(err, credentialdomain.ErrInvalidClient) {
				c.Header("WWW-Authenticate", `Basic realm="obgateway"`)
			}
			AbortWithError(c, err)
			return
		}

		c.Set(contextAppKey, app)
		c.Request = c.Request.WithContext(obscontext.WithAppID(c.Request.Context(), app.ID.String()))
		c.Next()
	}
}

// BearerRequired admits requests carrying a live access token with every
// listed scope whose consent is still authorized. All failures look the
// same to the caller.
func (s *Server) BearerRequired(scopes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			writeBearerError(c)
			return
		}

		ctx := c.Request.Context()
		record, err := s.tokens.ValidateAccessToken(ctx, secret.FromString(raw), scopes)
		if err != nil {
			if errors.Is(err, oauth.ErrInvalidToken) || errors.Is(err, oauth.ErrInsufficientScope) {
				writeBearerError(c)
				return
			}
			AbortWithError(c, err)
			return
		}

		consent, err := s.consents.Resolve(ctx, record.ConsentID)
		if err != nil {
			if errors.Is(err, consentdomain.ErrNotFound) {
				writeBearerError(c)
				return
			}
			AbortWithError(c, err)
			return
		}
		live, err := s.consents.Validate(ctx, consent.ConsentID, scopes)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if !live {
			writeBearerError(c)
			return
		}

		c.Set(contextTokenKey, record)
		c.Set(contextConsentKey, consent)
		ctx = obscontext.WithAppID(ctx, record.AppID.String())
		ctx = obscontext.WithUserID(ctx, record.UserID.String())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func writeBearerError(c *gin.Context) {
	c.Header("WWW-Authenticate", `Bearer realm="obgateway", error="invalid_token"`)
	c.Header("Cache-Control", "no-store")
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": oauth.ErrInvalidToken.Error()})
}

func bearerToken(c *gin.Context) string {
	parts := strings.Fields(strings.TrimSpace(c.GetHeader("Authorization")))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

func parseIdentityHeader(raw string) (snowflake.ID, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func userIDFromContext(c *gin.Context) (snowflake.ID, bool) {
	id, ok := c.Get(contextUserIDKey)
	if !ok {
		return 0, false
	}
	userID, ok := id.(snowflake.ID)
	return userID, ok && userID != 0
}

func adminIDFromContext(c *gin.Context) (snowflake.ID, bool) {
	id, ok := c.Get(contextAdminIDKey)
	if !ok {
		return 0, false
	}
	adminID, ok := id.(snowflake.ID)
	return adminID, ok && adminID != 0
}

func appFromContext(c *gin.Context) *credentialdomain.ThirdPartyApp {
	value, ok := c.Get(contextAppKey)
	if !ok {
		return nil
	}
	app, _ := value.(*credentialdomain.ThirdPartyApp)
	return app
}

func tokenFromContext(c *gin.Context) *oauth.OAuthToken {
	value, ok := c.Get(contextTokenKey)
	if !ok {
		return nil
	}
	record, _ := value.(*oauth.OAuthToken)
	return record
}

func consentFromContext(c *gin.Context) *consentdomain.Consent {
	value, ok := c.Get(contextConsentKey)
	if !ok {
		return nil
	}
	consent, _ := value.(*consentdomain.Consent)
	return consent
}
