package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/obgateway/internal/accounts"
	auditdomain "github.com/smallbiznis/obgateway/internal/audit/domain"
	auditrepository "github.com/smallbiznis/obgateway/internal/audit/repository"
	auditservice "github.com/smallbiznis/obgateway/internal/audit/service"
	"github.com/smallbiznis/obgateway/internal/authorization"
	"github.com/smallbiznis/obgateway/internal/clock"
	"github.com/smallbiznis/obgateway/internal/config"
	consentdomain "github.com/smallbiznis/obgateway/internal/consent/domain"
	consentrepository "github.com/smallbiznis/obgateway/internal/consent/repository"
	consentservice "github.com/smallbiznis/obgateway/internal/consent/service"
	credentialdomain "github.com/smallbiznis/obgateway/internal/credential/domain"
	credentialrepository "github.com/smallbiznis/obgateway/internal/credential/repository"
	credentialservice "github.com/smallbiznis/obgateway/internal/credential/service"
	"github.com/smallbiznis/obgateway/internal/oauth"
	"github.com/smallbiznis/obgateway/internal/observability"
	"github.com/smallbiznis/obgateway/internal/ratelimit"
	"github.com/smallbiznis/obgateway/internal/userdirectory"
	"github.com/smallbiznis/obgateway/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

const (
	testHolderID    snowflake.ID = 5001
	testAccountID   snowflake.ID = 7001
	testOtherAcct   snowflake.ID = 7002
	testAdminID     snowflake.ID = 900
	testDeveloper   snowflake.ID = 77
	testRedirectURI              = "https://pocketledger.example/callback"
)

type testServer struct {
	db     *gorm.DB
	clock  *clock.FakeClock
	server *Server
	authz  authorization.Service

	app          *credentialdomain.ThirdPartyApp
	clientSecret string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&credentialdomain.ThirdPartyApp{},
		&consentdomain.Consent{},
		&oauth.OAuthToken{},
		&ratelimit.RequestLog{},
		&userdirectory.User{},
		&accounts.Account{},
		&accounts.Transaction{},
		&auditdomain.AuditLog{},
	))

	fake := clock.NewFakeClock(time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, conn.Create(&userdirectory.User{
		ID:            testHolderID,
		ExternalID:    "psu-5001",
		FullName:      "Grace Hopper",
		Email:         "grace@example.com",
		EmailVerified: true,
		Status:        userdirectory.UserStatusActive,
		CreatedAt:     fake.Now(),
	}).Error)
	require.NoError(t, conn.Create(&[]accounts.Account{
		{ID: testAccountID, UserID: testHolderID, AccountNumber: "100200300", Label: "Everyday", AccountType: accounts.AccountTypeChecking, Currency: "EUR", CurrentBalance: 125050, AvailableBalance: 120000, Active: true, CreatedAt: fake.Now()},
		{ID: testOtherAcct, UserID: testHolderID, AccountNumber: "100200301", Label: "Rainy day", AccountType: accounts.AccountTypeSavings, Currency: "EUR", CurrentBalance: 500000, AvailableBalance: 500000, Active: true, CreatedAt: fake.Now()},
	}).Error)
	require.NoError(t, conn.Create(&accounts.Transaction{
		ID: 8001, AccountID: testAccountID, Amount: -1050, Currency: "EUR", Description: "Coffee", BalanceAfter: 125050, PostedAt: fake.Now().Add(-time.Hour),
	}).Error)

	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	log := zaptest.NewLogger(t)
	policy := config.NewStaticPolicyHolder(config.DefaultGatewayPolicy())
	users := userdirectory.New(conn, log)
	store := oauth.NewStore()
	consentRepo := consentrepository.Provide()

	credentials := credentialservice.New(credentialservice.Params{
		DB:     conn,
		Log:    log,
		GenID:  node,
		Repo:   credentialrepository.Provide(),
		Clock:  fake,
		Policy: policy,
	})
	consents := consentservice.New(consentservice.Params{
		DB:      conn,
		Log:     log,
		GenID:   node,
		Repo:    consentRepo,
		Revoker: store,
		Users:   users,
		Clock:   fake,
		Policy:  policy,
	})
	tokens := oauth.NewService(oauth.ServiceParams{
		Config:      oauth.Config{Issuer: "https://bank.example", AccessTokenBytes: 48, RefreshTokenBytes: 64},
		DB:          conn,
		Log:         log,
		GenID:       node,
		Store:       store,
		ConsentRepo: consentRepo,
		Consents:    consents,
		Users:       users,
		Clock:       fake,
		Policy:      policy,
	})
	limiter := ratelimit.NewLimiter(ratelimit.LimiterParams{
		DB:      conn,
		Log:     log,
		GenID:   node,
		Clock:   fake,
		Counter: ratelimit.NewLogCounter(conn),
	})
	enforcer, err := authorization.NewEnforcer(conn)
	require.NoError(t, err)
	authz := authorization.NewService(authorization.Params{Log: log, Enforcer: enforcer})
	auditSvc := auditservice.NewService(auditservice.Params{
		DB:    conn,
		Log:   log,
		GenID: node,
		Repo:  auditrepository.Provide(),
		Clock: fake,
	})

	srv := NewServer(ServerParams{
		Gin:         NewEngine(observability.Config{Environment: "test"}, nil),
		Cfg:         config.Config{PublicBaseURL: "https://bank.example"},
		Log:         log,
		Policy:      policy,
		Credentials: credentials,
		Consents:    consents,
		Tokens:      tokens,
		Accounts:    accounts.NewReader(conn),
		Limiter:     limiter,
		AuthzSvc:    authz,
		AuditSvc:    auditSvc,
	})

	ts := &testServer{db: conn, clock: fake, server: srv, authz: authz}
	ts.registerApp(t)
	return ts
}

func (ts *testServer) registerApp(t *testing.T) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/developers/apps", jsonBody(t, map[string]any{
		"organization_name":  "Pocket Ledger",
		"organization_email": "ops@pocketledger.example",
		"name":               "Pocket Ledger",
		"redirect_uris":      []string{testRedirectURI},
		"requested_scopes":   []string{"accounts", "balances", "transactions"},
		"app_type":           "web",
	}), withUser(testDeveloper))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var body struct {
		Data        appResponse         `json:"data"`
		Credentials credentialsResponse `json:"credentials"`
	}
	decode(t, rec, &body)
	require.NotEmpty(t, body.Credentials.ClientSecret)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	app, err := ts.server.credentials.GetByClientID(context.Background(), body.Credentials.ClientID)
	require.NoError(t, err)
	ts.app = app
	ts.clientSecret = body.Credentials.ClientSecret
}

type requestOption func(*http.Request)

func withUser(id snowflake.ID) requestOption {
	return func(r *http.Request) { r.Header.Set(HeaderUserID, id.String()) }
}

func withAdmin(id snowflake.ID) requestOption {
	return func(r *http.Request) { r.Header.Set(HeaderAdminID, id.String()) }
}

func withBearer(token string) requestOption {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func withBasic(clientID, clientSecret string) requestOption {
	return func(r *http.Request) { r.SetBasicAuth(clientID, clientSecret) }
}

func withForm() requestOption {
	return func(r *http.Request) { r.Header.Set("Content-Type", "application/x-www-form-urlencoded") }
}

func (ts *testServer) do(t *testing.T, method, target, body string, opts ...requestOption) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	ts.server.Engine().ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) token(t *testing.T, form url.Values, opts ...requestOption) *httptest.ResponseRecorder {
	t.Helper()
	opts = append([]requestOption{withForm()}, opts...)
	return ts.do(t, http.MethodPost, "/oauth/token", form.Encode(), opts...)
}

// grant walks the consent flow over HTTP and returns the issued tokens.
func (ts *testServer) grant(t *testing.T, perms map[string]bool, extra map[string]any) tokenResponse {
	t.Helper()

	payload := map[string]any{
		"user_id":      testHolderID.String(),
		"consent_type": "AIS",
		"permissions":  perms,
		"valid_until":  ts.clock.Now().Add(90 * 24 * time.Hour).Format(time.RFC3339),
		"redirect_uri": testRedirectURI,
	}
	for k, v := range extra {
		payload[k] = v
	}
	rec := ts.do(t, http.MethodPost, "/consents", jsonBody(t, payload), withBasic(ts.app.ClientID, ts.clientSecret))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Data consentResponse `json:"data"`
	}
	decode(t, rec, &created)
	assert.Equal(t, string(consentdomain.StatusPending), created.Data.Status)
	assert.Contains(t, created.Data.AuthorizationURL, "https://bank.example/oauth/authorize?")
	assert.Contains(t, created.Data.AuthorizationURL, "consent_id="+created.Data.ConsentID)

	rec = ts.do(t, http.MethodPut, "/consents/"+created.Data.ConsentID+"/authorize",
		jsonBody(t, map[string]any{"authorized": true, "state": "xyz"}), withUser(testHolderID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var authorized struct {
		Data authorizeConsentResponse `json:"data"`
	}
	decode(t, rec, &authorized)
	require.NotEmpty(t, authorized.Data.AuthorizationCode)
	assert.Equal(t, string(consentdomain.StatusAuthorized), authorized.Data.Status)
	assert.Contains(t, authorized.Data.RedirectURL, testRedirectURI+"?")
	assert.Contains(t, authorized.Data.RedirectURL, "state=xyz")

	rec = ts.token(t, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {authorized.Data.AuthorizationCode},
		"redirect_uri": {testRedirectURI},
	}, withBasic(ts.app.ClientID, ts.clientSecret))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var tokens tokenResponse
	decode(t, rec, &tokens)
	require.NotEmpty(t, tokens.AccessToken)
	require.NotEmpty(t, tokens.RefreshToken)
	assert.Equal(t, created.Data.ConsentID, tokens.ConsentID)
	return tokens
}

func jsonBody(t *testing.T, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return string(raw)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func oauthError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body oauthErrorResponse
	decode(t, rec, &body)
	return body.Error
}

func TestConsentFlowReadsAccounts(t *testing.T) {
	ts := newTestServer(t)
	tokens := ts.grant(t, map[string]bool{"accounts": true, "balances": true, "transactions": true}, nil)
	assert.Equal(t, "Bearer", tokens.TokenType)
	assert.Equal(t, 3600, tokens.ExpiresIn)
	assert.Equal(t, "accounts balances transactions", tokens.Scope)

	rec := ts.do(t, http.MethodGet, "/obp/v4.0.0/my/accounts", "", withBearer(tokens.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var list struct {
		Accounts []obpAccount `json:"accounts"`
	}
	decode(t, rec, &list)
	assert.Len(t, list.Accounts, 2)
	assert.Equal(t, "60", rec.Header().Get("X-RateLimit-Limit-Minute"))
	assert.Equal(t, "59", rec.Header().Get("X-RateLimit-Remaining-Minute"))

	rec = ts.do(t, http.MethodGet, "/obp/v4.0.0/my/accounts/"+testAccountID.String()+"/balances", "", withBearer(tokens.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var balances obpBalances
	decode(t, rec, &balances)
	assert.Equal(t, "1250.50", balances.Current.Amount)
	assert.Equal(t, "1200.00", balances.Available.Amount)

	rec = ts.do(t, http.MethodGet, "/obp/v4.0.0/my/accounts/"+testAccountID.String()+"/transactions?limit=10", "", withBearer(tokens.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var txs struct {
		Transactions []obpTransaction `json:"transactions"`
	}
	decode(t, rec, &txs)
	require.Len(t, txs.Transactions, 1)
	assert.Equal(t, "-10.50", txs.Transactions[0].Amount.Amount)

	var logged int64
	require.NoError(t, ts.db.Model(&ratelimit.RequestLog{}).Where("app_id = ?", ts.app.ID).Count(&logged).Error)
	assert.Equal(t, int64(3), logged)
}

func TestRefreshGrantOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	tokens := ts.grant(t, map[string]bool{"accounts": true}, nil)

	rec := ts.token(t, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tokens.RefreshToken},
		"client_id":     {ts.app.ClientID},
		"client_secret": {ts.clientSecret},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var refreshed tokenResponse
	decode(t, rec, &refreshed)
	assert.NotEqual(t, tokens.AccessToken, refreshed.AccessToken)
	assert.Empty(t, refreshed.RefreshToken)
	assert.Equal(t, "accounts", refreshed.Scope)
}

func TestTokenEndpointErrorCodes(t *testing.T) {
	ts := newTestServer(t)

	cases := []struct {
		name   string
		form   url.Values
		opts   []requestOption
		status int
		code   string
	}{
		{
			name:   "missing client credentials",
			form:   url.Values{"grant_type": {"authorization_code"}},
			status: http.StatusUnauthorized,
			code:   "invalid_client",
		},
		{
			name:   "wrong client secret",
			form:   url.Values{"grant_type": {"authorization_code"}},
			opts:   []requestOption{withBasic(ts.app.ClientID, "not-the-secret")},
			status: http.StatusUnauthorized,
			code:   "invalid_client",
		},
		{
			name:   "missing grant type",
			form:   url.Values{},
			opts:   []requestOption{withBasic(ts.app.ClientID, ts.clientSecret)},
			status: http.StatusBadRequest,
			code:   "invalid_request",
		},
		{
			name:   "unsupported grant type",
			form:   url.Values{"grant_type": {"client_credentials"}},
			opts:   []requestOption{withBasic(ts.app.ClientID, ts.clientSecret)},
			status: http.StatusBadRequest,
			code:   "unsupported_grant_type",
		},
		{
			name:   "unknown code",
			form:   url.Values{"grant_type": {"authorization_code"}, "code": {"bogus"}, "redirect_uri": {testRedirectURI}},
			opts:   []requestOption{withBasic(ts.app.ClientID, ts.clientSecret)},
			status: http.StatusBadRequest,
			code:   "invalid_grant",
		},
		{
			name:   "unregistered redirect",
			form:   url.Values{"grant_type": {"authorization_code"}, "code": {"bogus"}, "redirect_uri": {"https://evil.example/cb"}},
			opts:   []requestOption{withBasic(ts.app.ClientID, ts.clientSecret)},
			status: http.StatusBadRequest,
			code:   "invalid_request",
		},
		{
			name:   "unknown refresh token",
			form:   url.Values{"grant_type": {"refresh_token"}, "refresh_token": {"bogus"}},
			opts:   []requestOption{withBasic(ts.app.ClientID, ts.clientSecret)},
			status: http.StatusBadRequest,
			code:   "invalid_grant",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.token(t, tc.form, tc.opts...)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, tc.code, oauthError(t, rec))
			assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
		})
	}
}

func TestCodeRedeemsOnceOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/consents", jsonBody(t, map[string]any{
		"user_id":      testHolderID.String(),
		"consent_type": "AIS",
		"permissions":  map[string]bool{"accounts": true},
		"valid_until":  ts.clock.Now().Add(24 * time.Hour).Format(time.RFC3339),
	}), withBasic(ts.app.ClientID, ts.clientSecret))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Data consentResponse `json:"data"`
	}
	decode(t, rec, &created)

	rec = ts.do(t, http.MethodPut, "/consents/"+created.Data.ConsentID+"/authorize",
		jsonBody(t, map[string]any{"authorized": true}), withUser(testHolderID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var authorized struct {
		Data authorizeConsentResponse `json:"data"`
	}
	decode(t, rec, &authorized)
	assert.Empty(t, authorized.Data.RedirectURL)

	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {authorized.Data.AuthorizationCode},
		"redirect_uri": {testRedirectURI},
	}
	first := ts.token(t, form, withBasic(ts.app.ClientID, ts.clientSecret))
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())

	second := ts.token(t, form, withBasic(ts.app.ClientID, ts.clientSecret))
	assert.Equal(t, http.StatusBadRequest, second.Code)
	assert.Equal(t, "invalid_grant", oauthError(t, second))
}

func TestBearerFoldsInsufficientScopeIntoInvalidToken(t *testing.T) {
	ts := newTestServer(t)
	tokens := ts.grant(t, map[string]bool{"accounts": true}, nil)

	rec := ts.do(t, http.MethodGet, "/obp/v4.0.0/my/accounts/"+testAccountID.String()+"/balances", "", withBearer(tokens.AccessToken))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_token", oauthError(t, rec))
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `error="invalid_token"`)

	rec = ts.do(t, http.MethodGet, "/obp/v4.0.0/my/accounts", "", withBearer("garbage"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_token", oauthError(t, rec))

	rec = ts.do(t, http.MethodGet, "/obp/v4.0.0/my/accounts", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// neither failure consumed quota
	var logged int64
	require.NoError(t, ts.db.Model(&ratelimit.RequestLog{}).Count(&logged).Error)
	assert.Zero(t, logged)
}

func TestRevokedConsentCutsOffTokens(t *testing.T) {
	ts := newTestServer(t)
	tokens := ts.grant(t, map[string]bool{"accounts": true}, nil)

	rec := ts.do(t, http.MethodDelete, "/consents/"+tokens.ConsentID+"?reason=done", "", withUser(testHolderID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var revoked struct {
		Data consentResponse `json:"data"`
	}
	decode(t, rec, &revoked)
	assert.Equal(t, string(consentdomain.StatusRevoked), revoked.Data.Status)
	require.NotNil(t, revoked.Data.RevocationReason)
	assert.Equal(t, "done", *revoked.Data.RevocationReason)

	rec = ts.do(t, http.MethodGet, "/obp/v4.0.0/my/accounts", "", withBearer(tokens.AccessToken))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.token(t, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tokens.RefreshToken},
	}, withBasic(ts.app.ClientID, ts.clientSecret))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", oauthError(t, rec))
}

func TestConsentReadsAreOwnerScoped(t *testing.T) {
	ts := newTestServer(t)
	tokens := ts.grant(t, map[string]bool{"accounts": true}, nil)

	rec := ts.do(t, http.MethodGet, "/consents/"+tokens.ConsentID, "", withUser(testHolderID))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/consents/"+tokens.ConsentID, "", withUser(testHolderID+1))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/consents?status=authorized", "", withUser(testHolderID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var list struct {
		Data []consentResponse `json:"data"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Data, 1)
	assert.Equal(t, tokens.ConsentID, list.Data[0].ConsentID)

	rec = ts.do(t, http.MethodGet, "/consents?status=bogus", "", withUser(testHolderID))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/consents", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAccountRestrictionAndOneTimeConsent(t *testing.T) {
	ts := newTestServer(t)
	tokens := ts.grant(t, map[string]bool{"accounts": true, "balances": true}, map[string]any{
		"account_ids": []string{testAccountID.String()},
		"one_time":    true,
	})

	rec := ts.do(t, http.MethodGet, "/obp/v4.0.0/my/accounts/"+testOtherAcct.String()+"/balances", "", withBearer(tokens.AccessToken))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/obp/v4.0.0/my/accounts", "", withBearer(tokens.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var list struct {
		Accounts []obpAccount `json:"accounts"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Accounts, 1)
	assert.Equal(t, testAccountID.String(), list.Accounts[0].ID)

	// the first successful read consumed the consent
	rec = ts.do(t, http.MethodGet, "/obp/v4.0.0/my/accounts", "", withBearer(tokens.AccessToken))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAppRateLimitReturns429(t *testing.T) {
	ts := newTestServer(t)
	tokens := ts.grant(t, map[string]bool{"accounts": true}, nil)
	require.NoError(t, ts.db.Model(&credentialdomain.ThirdPartyApp{}).
		Where("id = ?", ts.app.ID).
		Update("rate_limit_per_minute", 2).Error)

	for i := 0; i < 2; i++ {
		rec := ts.do(t, http.MethodGet, "/obp/v4.0.0/my/accounts", "", withBearer(tokens.AccessToken))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := ts.do(t, http.MethodGet, "/obp/v4.0.0/my/accounts", "", withBearer(tokens.AccessToken))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, ratelimit.ReasonMinute, rec.Header().Get("X-Rate-Limited-Reason"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining-Minute"))

	var body errorResponse
	decode(t, rec, &body)
	assert.Equal(t, "rate_limited", body.Error.Type)

	ts.clock.Advance(61 * time.Second)
	rec = ts.do(t, http.MethodGet, "/obp/v4.0.0/my/accounts", "", withBearer(tokens.AccessToken))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOAuthRevokeIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	tokens := ts.grant(t, map[string]bool{"accounts": true}, nil)

	form := url.Values{"token": {tokens.RefreshToken}}
	for i := 0; i < 2; i++ {
		rec := ts.do(t, http.MethodPost, "/oauth/revoke", form.Encode(), withForm(), withBasic(ts.app.ClientID, ts.clientSecret))
		assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := ts.do(t, http.MethodPost, "/oauth/revoke", url.Values{"token": {"never-issued"}}.Encode(), withForm(), withBasic(ts.app.ClientID, ts.clientSecret))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/oauth/revoke", form.Encode(), withForm())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_client", oauthError(t, rec))

	// the access token minted from the revoked refresh token is dead too
	rec = ts.do(t, http.MethodGet, "/obp/v4.0.0/my/accounts", "", withBearer(tokens.AccessToken))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUserInfoAndDiscovery(t *testing.T) {
	ts := newTestServer(t)
	tokens := ts.grant(t, map[string]bool{"accounts": true}, nil)

	rec := ts.do(t, http.MethodGet, "/oauth/userinfo", "", withBearer(tokens.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var info oauth.UserInfo
	decode(t, rec, &info)
	assert.Equal(t, "psu-5001", info.Sub)
	assert.Equal(t, "grace@example.com", info.Email)

	rec = ts.do(t, http.MethodGet, "/.well-known/openid-configuration", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var discovery openIDConfiguration
	decode(t, rec, &discovery)
	assert.Equal(t, "https://bank.example", discovery.Issuer)
	assert.Equal(t, "https://bank.example/oauth/token", discovery.TokenEndpoint)
	assert.Contains(t, discovery.ScopesSupported, "transactions")

	rec = ts.do(t, http.MethodGet, "/.well-known/jwks.json", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"keys":[]}`, rec.Body.String())
}

func TestOAuthAuthorizeValidatesRequest(t *testing.T) {
	ts := newTestServer(t)

	query := url.Values{
		"client_id":    {ts.app.ClientID},
		"redirect_uri": {testRedirectURI},
		"scope":        {"accounts balances"},
		"state":        {"abc"},
	}
	rec := ts.do(t, http.MethodGet, "/oauth/authorize?"+query.Encode(), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var page authorizationPage
	decode(t, rec, &page)
	assert.Equal(t, "Pocket Ledger", page.AppName)
	assert.Equal(t, []string{"accounts", "balances"}, page.Scopes)

	bad := url.Values{"client_id": {ts.app.ClientID}, "redirect_uri": {"https://evil.example"}, "scope": {"accounts"}}
	rec = ts.do(t, http.MethodGet, "/oauth/authorize?"+bad.Encode(), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", oauthError(t, rec))

	bad = url.Values{"client_id": {ts.app.ClientID}, "redirect_uri": {testRedirectURI}, "scope": {"payments"}}
	rec = ts.do(t, http.MethodGet, "/oauth/authorize?"+bad.Encode(), "")
	assert.Equal(t, "invalid_scope", oauthError(t, rec))

	bad = url.Values{"client_id": {"unknown"}, "redirect_uri": {testRedirectURI}, "scope": {"accounts"}}
	rec = ts.do(t, http.MethodGet, "/oauth/authorize?"+bad.Encode(), "")
	assert.Equal(t, "invalid_client", oauthError(t, rec))
}

func TestAdminTransitionsRequireRole(t *testing.T) {
	ts := newTestServer(t)
	appPath := "/admin/apps/" + ts.app.ID.String()

	rec := ts.do(t, http.MethodPost, appPath+"/approve", "", withAdmin(testAdminID))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, appPath+"/approve", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	require.NoError(t, ts.authz.AssignRole(context.Background(), testAdminID, authorization.RoleOperator))

	// sandbox apps must be submitted before approval
	rec = ts.do(t, http.MethodPost, appPath+"/approve", "", withAdmin(testAdminID))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPut, "/developers/apps/"+ts.app.ID.String(), jsonBody(t, map[string]any{
		"privacy_policy_url": "https://pocketledger.example/privacy",
	}), withUser(testDeveloper))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = ts.do(t, http.MethodPost, "/developers/apps/"+ts.app.ID.String()+"/submit-for-review", "", withUser(testDeveloper))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, appPath+"/reject", "", withAdmin(testAdminID))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, appPath+"/approve", "", withAdmin(testAdminID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var approved struct {
		Data appResponse `json:"data"`
	}
	decode(t, rec, &approved)
	assert.Equal(t, string(credentialdomain.AppStatusApproved), approved.Data.Status)

	rec = ts.do(t, http.MethodPost, appPath+"/suspend", jsonBody(t, map[string]string{"reason": "abuse"}), withAdmin(testAdminID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// a suspended app can no longer authenticate
	rec = ts.token(t, url.Values{"grant_type": {"refresh_token"}, "refresh_token": {"x"}}, withBasic(ts.app.ClientID, ts.clientSecret))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDeveloperAppManagement(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/developers/apps", "", withUser(testDeveloper))
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data []appResponse `json:"data"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Data, 1)
	assert.NotContains(t, rec.Body.String(), "client_secret")

	rec = ts.do(t, http.MethodGet, "/developers/apps/"+ts.app.ID.String(), "", withUser(testDeveloper+1))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/developers/apps/"+ts.app.ID.String()+"/credentials", "", withUser(testDeveloper))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var rotated struct {
		Credentials credentialsResponse `json:"credentials"`
	}
	decode(t, rec, &rotated)
	assert.NotEqual(t, ts.clientSecret, rotated.Credentials.ClientSecret)

	rec = ts.token(t, url.Values{"grant_type": {"refresh_token"}, "refresh_token": {"x"}}, withBasic(ts.app.ClientID, ts.clientSecret))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/developers/sandbox/test-users", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_user_1")
}

func TestAuditTrailRecordsLifecycleEvents(t *testing.T) {
	ts := newTestServer(t)
	tokens := ts.grant(t, map[string]bool{"accounts": true}, nil)

	rec := ts.do(t, http.MethodPost, "/oauth/revoke", url.Values{"token": {tokens.RefreshToken}}.Encode(),
		withForm(), withBasic(ts.app.ClientID, ts.clientSecret))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = ts.do(t, http.MethodDelete, "/consents/"+tokens.ConsentID+"?reason=done", "", withUser(testHolderID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/admin/audit-logs", "", withAdmin(testAdminID))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	require.NoError(t, ts.authz.AssignRole(context.Background(), testAdminID, authorization.RoleOperator))

	rec = ts.do(t, http.MethodGet, "/admin/audit-logs?target_type=consent&target_id="+tokens.ConsentID, "", withAdmin(testAdminID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var consentLogs struct {
		Data []auditLogResponse `json:"data"`
	}
	decode(t, rec, &consentLogs)
	require.Len(t, consentLogs.Data, 3)
	assert.Equal(t, auditConsentRevoked, consentLogs.Data[0].Action)
	assert.Equal(t, "done", consentLogs.Data[0].Metadata["reason"])
	assert.Equal(t, auditConsentAuthorized, consentLogs.Data[1].Action)
	assert.Equal(t, auditConsentCreated, consentLogs.Data[2].Action)
	assert.Equal(t, string(auditdomain.ActorTypeClient), consentLogs.Data[2].ActorType)

	rec = ts.do(t, http.MethodGet, "/admin/audit-logs?action="+auditTokenRevoked, "", withAdmin(testAdminID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var tokenLogs struct {
		Data []auditLogResponse `json:"data"`
	}
	decode(t, rec, &tokenLogs)
	require.Len(t, tokenLogs.Data, 1)

	rec = ts.do(t, http.MethodGet, "/admin/audit-logs?target_type=third_party_app", "", withAdmin(testAdminID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var appLogs struct {
		Data []auditLogResponse `json:"data"`
	}
	decode(t, rec, &appLogs)
	require.Len(t, appLogs.Data, 1)
	assert.Equal(t, auditAppRegistered, appLogs.Data[0].Action)
	assert.NotContains(t, rec.Body.String(), ts.app.ClientID)

	rec = ts.do(t, http.MethodGet, "/admin/audit-logs?start_at=yesterday", "", withAdmin(testAdminID))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
