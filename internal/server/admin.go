package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/obgateway/internal/audit/domain"
	credentialdomain "github.com/smallbiznis/obgateway/internal/credential/domain"
)

type adminTransitionRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) AdminGetApp(c *gin.Context) {
	appID, ok := appIDParam(c)
	if !ok {
		return
	}
	app, err := s.credentials.GetByID(c.Request.Context(), appID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": newAppResponse(app)})
}

func (s *Server) ApproveApp(c *gin.Context) {
	s.transitionApp(c, credentialdomain.AppStatusApproved, false)
}

// RejectApp sends a pending app back to the sandbox with a reason.
func (s *Server) RejectApp(c *gin.Context) {
	s.transitionApp(c, credentialdomain.AppStatusSandbox, true)
}

func (s *Server) SuspendApp(c *gin.Context) {
	s.transitionApp(c, credentialdomain.AppStatusSuspended, false)
}

func (s *Server) RevokeApp(c *gin.Context) {
	s.transitionApp(c, credentialdomain.AppStatusRevoked, false)
}

func (s *Server) transitionApp(c *gin.Context, target credentialdomain.AppStatus, reasonRequired bool) {
	adminID, ok := adminIDFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	appID, ok := appIDParam(c)
	if !ok {
		return
	}

	var req adminTransitionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reasonRequired && reason == "" {
		AbortWithError(c, newValidationError("reason", "invalid_reason", "reason is required"))
		return
	}

	app, err := s.credentials.Transition(c.Request.Context(), credentialdomain.TransitionRequest{
		AppID:   appID,
		AdminID: adminID,
		Target:  target,
		Reason:  reason,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	metadata := map[string]any{"status": string(app.Status)}
	if reason != "" {
		metadata["reason"] = reason
	}
	s.recordAudit(c.Request.Context(), auditdomain.Event{
		ActorType:  auditdomain.ActorTypeAdmin,
		ActorID:    adminID.String(),
		Action:     auditAppTransitioned,
		TargetType: auditdomain.TargetApp,
		TargetID:   app.ID.String(),
		Metadata:   metadata,
	})
	c.JSON(http.StatusOK, gin.H{"data": newAppResponse(app)})
}
