package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/obgateway/internal/audit/domain"
	"github.com/smallbiznis/obgateway/internal/observability/logger"
	"github.com/smallbiznis/obgateway/pkg/db/pagination"
	"go.uber.org/zap"
)

const (
	auditAppRegistered         = "app.registered"
	auditAppUpdated            = "app.updated"
	auditAppCredentialsRotated = "app.credentials_rotated"
	auditAppSubmitted          = "app.submitted_for_review"
	auditAppTransitioned       = "app.status_changed"
	auditConsentCreated        = "consent.created"
	auditConsentAuthorized     = "consent.authorized"
	auditConsentRejected       = "consent.rejected"
	auditConsentRevoked        = "consent.revoked"
	auditTokenRevoked          = "token.revoked"
)

type auditLogResponse struct {
	ID         string         `json:"id"`
	ActorType  string         `json:"actor_type"`
	ActorID    *string        `json:"actor_id,omitempty"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type"`
	TargetID   *string        `json:"target_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	IPAddress  *string        `json:"ip_address,omitempty"`
	RequestID  *string        `json:"request_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// recordAudit writes an audit entry after the change it describes has been
// committed. A failed write never fails the request.
func (s *Server) recordAudit(ctx context.Context, event auditdomain.Event) {
	if s.auditSvc == nil {
		return
	}
	if err := s.auditSvc.Record(context.WithoutCancel(ctx), event); err != nil {
		logger.FromContext(ctx).Warn("audit record failed",
			zap.String("action", event.Action),
			zap.String("target_id", event.TargetID),
			zap.Error(err),
		)
	}
}

func (s *Server) ListAuditLogs(c *gin.Context) {
	if s.auditSvc == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	var query struct {
		pagination.Pagination
		Action     string `form:"action"`
		TargetType string `form:"target_type"`
		TargetID   string `form:"target_id"`
		ActorType  string `form:"actor_type"`
		StartAt    string `form:"start_at"`
		EndAt      string `form:"end_at"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	startAt, err := parseOptionalTime(query.StartAt)
	if err != nil {
		AbortWithError(c, newValidationError("start_at", "invalid_start_at", "start_at must be RFC3339"))
		return
	}
	endAt, err := parseOptionalTime(query.EndAt)
	if err != nil {
		AbortWithError(c, newValidationError("end_at", "invalid_end_at", "end_at must be RFC3339"))
		return
	}

	resp, err := s.auditSvc.List(c.Request.Context(), auditdomain.ListRequest{
		Action:     query.Action,
		TargetType: query.TargetType,
		TargetID:   query.TargetID,
		ActorType:  query.ActorType,
		StartAt:    startAt,
		EndAt:      endAt,
		PageToken:  query.PageToken,
		PageSize:   int32(query.PageSize),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out := make([]auditLogResponse, 0, len(resp.AuditLogs))
	for _, entry := range resp.AuditLogs {
		out = append(out, auditLogResponse{
			ID:         entry.ID.String(),
			ActorType:  string(entry.ActorType),
			ActorID:    entry.ActorID,
			Action:     entry.Action,
			TargetType: entry.TargetType,
			TargetID:   entry.TargetID,
			Metadata:   entry.Metadata,
			IPAddress:  entry.IPAddress,
			RequestID:  entry.RequestID,
			CreatedAt:  entry.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"data":            out,
		"next_page_token": resp.NextPageToken,
		"has_more":        resp.HasMore,
	})
}

func parseOptionalTime(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	parsed = parsed.UTC()
	return &parsed, nil
}
