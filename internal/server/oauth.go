package server

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/obgateway/internal/audit/domain"
	credentialdomain "github.com/smallbiznis/obgateway/internal/credential/domain"
	"github.com/smallbiznis/obgateway/internal/oauth"
	"github.com/smallbiznis/obgateway/internal/observability/logger"
	"github.com/smallbiznis/obgateway/internal/secret"
	"go.uber.org/zap"
)

const (
	grantTypeAuthorizationCode = "authorization_code"
	grantTypeRefreshToken      = "refresh_token"

	oauthErrorServer                  = "server_error"
	oauthErrorUnsupportedResponseType = "unsupported_response_type"
)

type oauthErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope"`
	ConsentID    string `json:"consent_id"`
}

type authorizationPage struct {
	Action       string   `json:"action"`
	ClientID     string   `json:"client_id"`
	AppName      string   `json:"app_name"`
	Organization string   `json:"organization"`
	Scopes       []string `json:"scopes"`
	RedirectURI  string   `json:"redirect_uri"`
	State        string   `json:"state,omitempty"`
	ConsentID    string   `json:"consent_id,omitempty"`
}

type openIDConfiguration struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
}

// OAuthAuthorize validates an authorization request and returns what the
// consent screen needs to render. Codes are only issued through consent
// authorization.
func (s *Server) OAuthAuthorize(c *gin.Context) {
	responseType := strings.TrimSpace(c.DefaultQuery("response_type", "code"))
	if responseType != "code" {
		writeOAuthError(c, http.StatusBadRequest, oauthErrorUnsupportedResponseType, "only the code response type is supported")
		return
	}

	app, err := s.credentials.GetByClientID(c.Request.Context(), c.Query("client_id"))
	if err != nil {
		if errors.Is(err, credentialdomain.ErrInvalidClient) {
			writeOAuthError(c, http.StatusBadRequest, oauth.ErrInvalidClient.Error(), "unknown client_id")
			return
		}
		s.writeOAuthServerError(c, err)
		return
	}

	redirectURI := strings.TrimSpace(c.Query("redirect_uri"))
	if !app.HasRedirectURI(redirectURI) {
		writeOAuthError(c, http.StatusBadRequest, oauth.ErrInvalidRequest.Error(), "redirect_uri is not registered")
		return
	}

	scopes := strings.Fields(c.Query("scope"))
	if len(scopes) == 0 {
		writeOAuthError(c, http.StatusBadRequest, oauth.ErrInvalidScope.Error(), "scope is required")
		return
	}
	for _, scope := range scopes {
		if !app.AllowsScope(scope) {
			writeOAuthError(c, http.StatusBadRequest, oauth.ErrInvalidScope.Error(), "scope "+scope+" is not allowed for this client")
			return
		}
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, authorizationPage{
		Action:       "authorize",
		ClientID:     app.ClientID,
		AppName:      app.Name,
		Organization: app.OrganizationName,
		Scopes:       scopes,
		RedirectURI:  redirectURI,
		State:        c.Query("state"),
		ConsentID:    strings.TrimSpace(c.Query("consent_id")),
	})
}

func (s *Server) OAuthToken(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.Header("Pragma", "no-cache")

	app, ok := s.authenticateClient(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	meta := oauth.RequestMeta{
		ClientIP:  c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}

	var (
		resp *oauth.TokenResponse
		err  error
	)
	switch grantType := strings.TrimSpace(c.PostForm("grant_type")); grantType {
	case "":
		writeOAuthError(c, http.StatusBadRequest, oauth.ErrInvalidRequest.Error(), "grant_type is required")
		return
	case grantTypeAuthorizationCode:
		resp, err = s.tokens.ExchangeAuthorizationCode(ctx, oauth.ExchangeRequest{
			App:         app,
			Code:        secret.FromString(strings.TrimSpace(c.PostForm("code"))),
			RedirectURI: c.PostForm("redirect_uri"),
			Meta:        meta,
		})
	case grantTypeRefreshToken:
		resp, err = s.tokens.RefreshAccessToken(ctx, oauth.RefreshRequest{
			App:          app,
			RefreshToken: secret.FromString(strings.TrimSpace(c.PostForm("refresh_token"))),
			Meta:         meta,
		})
	default:
		writeOAuthError(c, http.StatusBadRequest, oauth.ErrUnsupportedGrantType.Error(), "")
		return
	}
	if err != nil {
		s.writeTokenError(c, err)
		return
	}

	out := tokenResponse{
		AccessToken: resp.AccessToken.Reveal(),
		TokenType:   resp.TokenType,
		ExpiresIn:   resp.ExpiresIn,
		Scope:       strings.Join(resp.Scopes, " "),
		ConsentID:   resp.ConsentID,
	}
	if !resp.RefreshToken.IsZero() {
		out.RefreshToken = resp.RefreshToken.Reveal()
	}
	c.JSON(http.StatusOK, out)
}

// OAuthRevoke follows RFC 7009: once the client authenticates the answer is
// 200 whether or not the token existed.
func (s *Server) OAuthRevoke(c *gin.Context) {
	c.Header("Cache-Control", "no-store")

	app, ok := s.authenticateClient(c)
	if !ok {
		return
	}

	token := strings.TrimSpace(c.PostForm("token"))
	if token == "" {
		writeOAuthError(c, http.StatusBadRequest, oauth.ErrInvalidRequest.Error(), "token is required")
		return
	}

	revoked, err := s.tokens.RevokeToken(c.Request.Context(), app, secret.FromString(token))
	if err != nil {
		s.writeOAuthServerError(c, err)
		return
	}
	if revoked {
		s.recordAudit(c.Request.Context(), auditdomain.Event{
			ActorType:  auditdomain.ActorTypeClient,
			ActorID:    app.ID.String(),
			Action:     auditTokenRevoked,
			TargetType: auditdomain.TargetToken,
			Metadata:   map[string]any{"client_id": app.ClientID},
		})
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) OAuthUserInfo(c *gin.Context) {
	raw := bearerToken(c)
	if raw == "" {
		writeBearerError(c)
		return
	}

	info, err := s.tokens.UserInfo(c.Request.Context(), secret.FromString(raw))
	if err != nil {
		if errors.Is(err, oauth.ErrInvalidToken) {
			writeBearerError(c)
			return
		}
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) OpenIDConfiguration(c *gin.Context) {
	base := s.tokens.Issuer()
	policy := s.policy.Get()

	c.JSON(http.StatusOK, openIDConfiguration{
		Issuer:                            base,
		AuthorizationEndpoint:             base + "/oauth/authorize",
		TokenEndpoint:                     base + "/oauth/token",
		UserinfoEndpoint:                  base + "/oauth/userinfo",
		RevocationEndpoint:                base + "/oauth/revoke",
		JWKSURI:                           base + "/.well-known/jwks.json",
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{grantTypeAuthorizationCode, grantTypeRefreshToken},
		SubjectTypesSupported:             []string{"public"},
		ScopesSupported:                   policy.ScopesSupported,
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post"},
		ClaimsSupported:                   []string{"sub", "name", "email", "email_verified"},
	})
}

// JWKS is empty; access tokens are opaque and never signed.
func (s *Server) JWKS(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"keys": []any{}})
}

// authenticateClient reads client credentials from HTTP Basic or, failing
// that, the form body. It writes the error response itself.
func (s *Server) authenticateClient(c *gin.Context) (*credentialdomain.ThirdPartyApp, bool) {
	clientID, clientSecret := parseBasicAuth(c)
	if clientID == "" {
		clientID = strings.TrimSpace(c.PostForm("client_id"))
		clientSecret = c.PostForm("client_secret")
	}
	if clientID == "" || clientSecret == "" {
		c.Header("WWW-Authenticate", `Basic realm="obgateway"`)
		writeOAuthError(c, http.StatusUnauthorized, oauth.ErrInvalidClient.Error(), "")
		return nil, false
	}

	app, err := s.credentials.Verify(c.Request.Context(), clientID, secret.FromString(clientSecret))
	if err != nil {
		if errors.Is(err, credentialdomain.ErrInvalidClient) {
			c.Header("WWW-Authenticate", `Basic realm="obgateway"`)
			writeOAuthError(c, http.StatusUnauthorized, oauth.ErrInvalidClient.Error(), "")
			return nil, false
		}
		s.writeOAuthServerError(c, err)
		return nil, false
	}
	return app, true
}

func (s *Server) writeTokenError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, oauth.ErrInvalidClient):
		writeOAuthError(c, http.StatusUnauthorized, oauth.ErrInvalidClient.Error(), "")
	case errors.Is(err, oauth.ErrInvalidGrant),
		errors.Is(err, oauth.ErrInvalidRequest),
		errors.Is(err, oauth.ErrInvalidScope),
		errors.Is(err, oauth.ErrUnsupportedGrantType):
		writeOAuthError(c, http.StatusBadRequest, oauthErrorCode(err), "")
	default:
		s.writeOAuthServerError(c, err)
	}
}

func (s *Server) writeOAuthServerError(c *gin.Context, err error) {
	logger.FromContext(c.Request.Context()).Error("oauth request failed", zap.Error(err))
	writeOAuthError(c, http.StatusInternalServerError, oauthErrorServer, "")
}

func oauthErrorCode(err error) string {
	for _, known := range []error{
		oauth.ErrInvalidGrant,
		oauth.ErrInvalidRequest,
		oauth.ErrInvalidScope,
		oauth.ErrUnsupportedGrantType,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return oauthErrorServer
}

func writeOAuthError(c *gin.Context, status int, code, description string) {
	c.AbortWithStatusJSON(status, oauthErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

func parseBasicAuth(c *gin.Context) (string, string) {
	clientID, clientSecret, ok := c.Request.BasicAuth()
	if !ok {
		return "", ""
	}
	// RFC 6749 form-encodes both parts before base64.
	if decoded, err := url.QueryUnescape(clientID); err == nil {
		clientID = decoded
	}
	if decoded, err := url.QueryUnescape(clientSecret); err == nil {
		clientSecret = decoded
	}
	return strings.TrimSpace(clientID), clientSecret
}

// appendAuthCode adds the code and state to a registered redirect URI.
func appendAuthCode(redirectURI string, code secret.Value, state string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("code", code.Reveal())
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
