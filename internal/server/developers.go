package server

import (
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/obgateway/internal/audit/domain"
	credentialdomain "github.com/smallbiznis/obgateway/internal/credential/domain"
)

type appResponse struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	Slug                string     `json:"slug"`
	Description         *string    `json:"description,omitempty"`
	LogoURL             *string    `json:"logo_url,omitempty"`
	OrganizationName    string     `json:"organization_name"`
	OrganizationEmail   string     `json:"organization_email"`
	OrganizationWebsite *string    `json:"organization_website,omitempty"`
	PrivacyPolicyURL    *string    `json:"privacy_policy_url,omitempty"`
	TermsOfServiceURL   *string    `json:"terms_of_service_url,omitempty"`
	ClientID            string     `json:"client_id"`
	RedirectURIs        []string   `json:"redirect_uris"`
	AllowedScopes       []string   `json:"allowed_scopes"`
	AppType             string     `json:"app_type"`
	Status              string     `json:"status"`
	RateLimitPerMinute  int        `json:"rate_limit_per_minute"`
	RateLimitPerDay     int        `json:"rate_limit_per_day"`
	ApprovedAt          *time.Time `json:"approved_at,omitempty"`
	RejectionReason     *string    `json:"rejection_reason,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// credentialsResponse is the only response that ever carries a client
// secret.
type credentialsResponse struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Warning      string `json:"warning"`
}

type sandboxTestUser struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	Description string `json:"description"`
}

const secretShownOnceWarning = "store the client secret now; it cannot be retrieved again"

var sandboxTestUsers = []sandboxTestUser{
	{Username: "test_user_1", Password: "sandbox_pass_1", Description: "Basic user with 2 accounts"},
	{Username: "test_user_2", Password: "sandbox_pass_2", Description: "Premium user with 5 accounts and loans"},
	{Username: "test_user_3", Password: "sandbox_pass_3", Description: "Business user with business accounts"},
}

func newAppResponse(app *credentialdomain.ThirdPartyApp) appResponse {
	return appResponse{
		ID:                  app.ID.String(),
		Name:                app.Name,
		Slug:                app.Slug,
		Description:         app.Description,
		LogoURL:             app.LogoURL,
		OrganizationName:    app.OrganizationName,
		OrganizationEmail:   app.OrganizationEmail,
		OrganizationWebsite: app.OrganizationWebsite,
		PrivacyPolicyURL:    app.PrivacyPolicyURL,
		TermsOfServiceURL:   app.TermsOfServiceURL,
		ClientID:            app.ClientID,
		RedirectURIs:        nonNilStrings(app.RedirectURIs),
		AllowedScopes:       nonNilStrings(app.AllowedScopes),
		AppType:             string(app.AppType),
		Status:              string(app.Status),
		RateLimitPerMinute:  app.RateLimitPerMinute,
		RateLimitPerDay:     app.RateLimitPerDay,
		ApprovedAt:          app.ApprovedAt,
		RejectionReason:     app.RejectionReason,
		CreatedAt:           app.CreatedAt,
		UpdatedAt:           app.UpdatedAt,
	}
}

func (s *Server) RegisterApp(c *gin.Context) {
	developerID, ok := userIDFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req credentialdomain.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.DeveloperID = developerID

	result, err := s.credentials.Register(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordAudit(c.Request.Context(), developerAppEvent(developerID, result.App, auditAppRegistered))

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusCreated, gin.H{
		"data": newAppResponse(result.App),
		"credentials": credentialsResponse{
			ClientID:     result.App.ClientID,
			ClientSecret: result.ClientSecret.Reveal(),
			Warning:      secretShownOnceWarning,
		},
	})
}

func (s *Server) ListApps(c *gin.Context) {
	developerID, ok := userIDFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	apps, err := s.credentials.List(c.Request.Context(), developerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out := make([]appResponse, 0, len(apps))
	for i := range apps {
		out = append(out, newAppResponse(&apps[i]))
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (s *Server) GetApp(c *gin.Context) {
	developerID, appID, ok := developerAppParams(c)
	if !ok {
		return
	}

	app, err := s.credentials.Get(c.Request.Context(), appID, developerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": newAppResponse(app)})
}

func (s *Server) UpdateApp(c *gin.Context) {
	developerID, appID, ok := developerAppParams(c)
	if !ok {
		return
	}

	var req credentialdomain.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.AppID = appID
	req.DeveloperID = developerID

	app, err := s.credentials.Update(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c.Request.Context(), developerAppEvent(developerID, app, auditAppUpdated))
	c.JSON(http.StatusOK, gin.H{"data": newAppResponse(app)})
}

func (s *Server) RotateAppCredentials(c *gin.Context) {
	developerID, appID, ok := developerAppParams(c)
	if !ok {
		return
	}

	creds, err := s.credentials.Rotate(c.Request.Context(), appID, developerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c.Request.Context(), auditdomain.Event{
		ActorType:  auditdomain.ActorTypeDeveloper,
		ActorID:    developerID.String(),
		Action:     auditAppCredentialsRotated,
		TargetType: auditdomain.TargetApp,
		TargetID:   appID.String(),
		Metadata:   map[string]any{"client_id": creds.ClientID},
	})

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, gin.H{"credentials": credentialsResponse{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret.Reveal(),
		Warning:      secretShownOnceWarning,
	}})
}

func (s *Server) SubmitAppForReview(c *gin.Context) {
	developerID, appID, ok := developerAppParams(c)
	if !ok {
		return
	}

	app, err := s.credentials.SubmitForReview(c.Request.Context(), appID, developerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c.Request.Context(), developerAppEvent(developerID, app, auditAppSubmitted))
	c.JSON(http.StatusOK, gin.H{"data": newAppResponse(app)})
}

func (s *Server) ListSandboxTestUsers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"test_users": sandboxTestUsers,
		"note":       "These credentials only work in the sandbox environment",
	})
}

func developerAppEvent(developerID snowflake.ID, app *credentialdomain.ThirdPartyApp, action string) auditdomain.Event {
	return auditdomain.Event{
		ActorType:  auditdomain.ActorTypeDeveloper,
		ActorID:    developerID.String(),
		Action:     action,
		TargetType: auditdomain.TargetApp,
		TargetID:   app.ID.String(),
		Metadata:   map[string]any{"client_id": app.ClientID, "status": string(app.Status)},
	}
}

func developerAppParams(c *gin.Context) (snowflake.ID, snowflake.ID, bool) {
	developerID, ok := userIDFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return 0, 0, false
	}
	appID, ok := appIDParam(c)
	if !ok {
		return 0, 0, false
	}
	return developerID, appID, true
}

func appIDParam(c *gin.Context) (snowflake.ID, bool) {
	appID, err := parseOptionalSnowflakeID(c.Param("app_id"))
	if err != nil || appID == nil {
		AbortWithError(c, ErrNotFound)
		return 0, false
	}
	return *appID, true
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
