package server

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/obgateway/internal/audit/domain"
	consentdomain "github.com/smallbiznis/obgateway/internal/consent/domain"
	"github.com/smallbiznis/obgateway/internal/observability/logger"
	"github.com/smallbiznis/obgateway/pkg/db/pagination"
	"go.uber.org/zap"
)

type createConsentRequest struct {
	UserID          string                    `json:"user_id"`
	ConsentType     consentdomain.ConsentType `json:"consent_type"`
	Permissions     consentdomain.Permissions `json:"permissions"`
	AccountIDs      []string                  `json:"account_ids"`
	ValidFrom       *time.Time                `json:"valid_from"`
	ValidUntil      time.Time                 `json:"valid_until"`
	FrequencyPerDay int                       `json:"frequency_per_day"`
	OneTime         bool                      `json:"one_time"`
	RedirectURI     string                    `json:"redirect_uri"`
}

type authorizeConsentRequest struct {
	Authorized       *bool    `json:"authorized"`
	SelectedAccounts []string `json:"selected_accounts"`
	State            string   `json:"state"`
}

type consentResponse struct {
	ConsentID        string                    `json:"consent_id"`
	ConsentType      string                    `json:"consent_type"`
	Status           string                    `json:"status"`
	AppID            string                    `json:"app_id"`
	Permissions      consentdomain.Permissions `json:"permissions"`
	Scopes           []string                  `json:"scopes"`
	AccountIDs       []string                  `json:"account_ids"`
	FrequencyPerDay  int                       `json:"frequency_per_day"`
	OneTime          bool                      `json:"one_time"`
	ValidFrom        time.Time                 `json:"valid_from"`
	ValidUntil       time.Time                 `json:"valid_until"`
	AuthorizedAt     *time.Time                `json:"authorized_at,omitempty"`
	RevokedAt        *time.Time                `json:"revoked_at,omitempty"`
	RevocationReason *string                   `json:"revocation_reason,omitempty"`
	LastAccessedAt   *time.Time                `json:"last_accessed_at,omitempty"`
	AccessCount      int64                     `json:"access_count"`
	CreatedAt        time.Time                 `json:"created_at"`
	AuthorizationURL string                    `json:"authorization_url,omitempty"`
}

type authorizeConsentResponse struct {
	ConsentID         string `json:"consent_id"`
	Status            string `json:"status"`
	AuthorizationCode string `json:"authorization_code,omitempty"`
	RedirectURL       string `json:"redirect_url,omitempty"`
}

func newConsentResponse(consent *consentdomain.Consent) consentResponse {
	return consentResponse{
		ConsentID:        consent.ConsentID,
		ConsentType:      string(consent.ConsentType),
		Status:           string(consent.Status),
		AppID:            consent.AppID.String(),
		Permissions:      consent.Permissions(),
		Scopes:           nonNilStrings(consent.Scopes()),
		AccountIDs:       nonNilStrings(consent.AccountIDs),
		FrequencyPerDay:  consent.FrequencyPerDay,
		OneTime:          consent.OneTime,
		ValidFrom:        consent.ValidFrom,
		ValidUntil:       consent.ValidUntil,
		AuthorizedAt:     consent.AuthorizedAt,
		RevokedAt:        consent.RevokedAt,
		RevocationReason: consent.RevocationReason,
		LastAccessedAt:   consent.LastAccessedAt,
		AccessCount:      consent.AccessCount,
		CreatedAt:        consent.CreatedAt,
	}
}

// CreateConsent is called by an authenticated client on behalf of a PSU.
// The response carries the URL the PSU is sent to for authorization.
func (s *Server) CreateConsent(c *gin.Context) {
	app := appFromContext(c)
	if app == nil {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req createConsentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	userID, ok := parseIdentityHeader(req.UserID)
	if !ok {
		AbortWithError(c, consentdomain.ErrUnknownUser)
		return
	}

	consent, err := s.consents.Create(c.Request.Context(), consentdomain.CreateRequest{
		App:             app,
		UserID:          userID,
		ConsentType:     consentdomain.ConsentType(strings.ToUpper(strings.TrimSpace(string(req.ConsentType)))),
		Permissions:     req.Permissions,
		AccountIDs:      req.AccountIDs,
		ValidFrom:       req.ValidFrom,
		ValidUntil:      req.ValidUntil,
		FrequencyPerDay: req.FrequencyPerDay,
		OneTime:         req.OneTime,
		RedirectURI:     req.RedirectURI,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordAudit(c.Request.Context(), auditdomain.Event{
		ActorType:  auditdomain.ActorTypeClient,
		ActorID:    app.ID.String(),
		Action:     auditConsentCreated,
		TargetType: auditdomain.TargetConsent,
		TargetID:   consent.ConsentID,
		Metadata: map[string]any{
			"client_id":    app.ClientID,
			"user_id":      userID.String(),
			"consent_type": string(consent.ConsentType),
		},
	})

	resp := newConsentResponse(consent)
	resp.AuthorizationURL = s.authorizationURL(app.ClientID, consent)
	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListConsents(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var query struct {
		pagination.Pagination
		Status string `form:"status"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	var status consentdomain.Status
	if raw := strings.TrimSpace(query.Status); raw != "" {
		parsed, ok := consentdomain.ParseStatus(strings.ToUpper(raw))
		if !ok {
			AbortWithError(c, consentdomain.ErrInvalidStatus)
			return
		}
		status = parsed
	}

	resp, err := s.consents.List(c.Request.Context(), consentdomain.ListRequest{
		UserID:    userID,
		Status:    status,
		PageToken: query.PageToken,
		PageSize:  int32(query.PageSize),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out := make([]consentResponse, 0, len(resp.Consents))
	for i := range resp.Consents {
		out = append(out, newConsentResponse(&resp.Consents[i]))
	}
	c.JSON(http.StatusOK, gin.H{
		"data":            out,
		"next_page_token": resp.NextPageToken,
		"has_more":        resp.HasMore,
	})
}

func (s *Server) GetConsent(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	consent, err := s.consents.Get(c.Request.Context(), strings.TrimSpace(c.Param("consent_id")), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": newConsentResponse(consent)})
}

// AuthorizeConsent records the PSU decision. On approval the plaintext
// authorization code is returned once, together with the client redirect
// when the consent is bound to one.
func (s *Server) AuthorizeConsent(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req authorizeConsentRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Authorized == nil {
		AbortWithError(c, newValidationError("authorized", "invalid_authorized", "authorized is required"))
		return
	}

	result, err := s.consents.Authorize(c.Request.Context(), consentdomain.AuthorizeRequest{
		ConsentID:        strings.TrimSpace(c.Param("consent_id")),
		UserID:           userID,
		Approve:          *req.Authorized,
		SelectedAccounts: req.SelectedAccounts,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	action := auditConsentAuthorized
	if !*req.Authorized {
		action = auditConsentRejected
	}
	s.recordAudit(c.Request.Context(), auditdomain.Event{
		ActorType:  auditdomain.ActorTypeUser,
		ActorID:    userID.String(),
		Action:     action,
		TargetType: auditdomain.TargetConsent,
		TargetID:   result.Consent.ConsentID,
		Metadata:   map[string]any{"status": string(result.Consent.Status)},
	})

	resp := authorizeConsentResponse{
		ConsentID: result.Consent.ConsentID,
		Status:    string(result.Consent.Status),
	}
	if !result.Code.IsZero() {
		resp.AuthorizationCode = result.Code.Reveal()
		if result.Consent.RedirectURI != nil {
			redirectURL, err := appendAuthCode(*result.Consent.RedirectURI, result.Code, strings.TrimSpace(req.State))
			if err != nil {
				logger.FromContext(c.Request.Context()).Warn("consent redirect uri unparsable",
					zap.String("consent_id", result.Consent.ConsentID),
					zap.Error(err),
				)
			} else {
				resp.RedirectURL = redirectURL
			}
		}
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) RevokeConsent(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	reason := strings.TrimSpace(c.Query("reason"))
	consent, err := s.consents.Revoke(c.Request.Context(),
		strings.TrimSpace(c.Param("consent_id")),
		userID,
		reason,
	)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	metadata := map[string]any{}
	if reason != "" {
		metadata["reason"] = reason
	}
	s.recordAudit(c.Request.Context(), auditdomain.Event{
		ActorType:  auditdomain.ActorTypeUser,
		ActorID:    userID.String(),
		Action:     auditConsentRevoked,
		TargetType: auditdomain.TargetConsent,
		TargetID:   consent.ConsentID,
		Metadata:   metadata,
	})
	c.JSON(http.StatusOK, gin.H{"data": newConsentResponse(consent)})
}

func (s *Server) authorizationURL(clientID string, consent *consentdomain.Consent) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", clientID)
	q.Set("consent_id", consent.ConsentID)
	q.Set("scope", strings.Join(consent.Scopes(), " "))
	if consent.RedirectURI != nil {
		q.Set("redirect_uri", *consent.RedirectURI)
	}
	return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/oauth/authorize?" + q.Encode()
}
