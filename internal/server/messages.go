package server

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/t1p-app/companion/internal/agent"
	"github.com/t1p-app/companion/internal/session"
	"go.uber.org/zap"
)

// Message actions accepted on /api/messages.
const (
	ActionCollect     = "COLLECT_LINKEDIN_STATS"
	ActionSyncAuth    = "sync_auth"
	ActionForceScrape = "force_scrape"
	ActionLogout      = "logout"
)

type message struct {
	Action       string `json:"action"`
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	Email        string `json:"email"`
	Expiry       *int64 `json:"expiry"`
}

type messageResponse struct {
	Status  string       `json:"status"`
	Message string       `json:"message,omitempty"`
	Data    *collectData `json:"data,omitempty"`
}

type collectData struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`
	Day       string    `json:"day"`
}

// MessagesHandler answers the action envelopes the popup and the auth
// syncer send. Cycle failures are reported in the body with a 200 so the
// caller can show the message verbatim.
type MessagesHandler struct {
	agent      Agent
	sessions   Sessions
	logger     *zap.Logger
	background func(func(ctx context.Context))
}

func (h *MessagesHandler) Register(g *echo.Group) {
	g.POST("/messages", h.handle)
	g.GET("/status", h.status)
}

func (h *MessagesHandler) handle(c echo.Context) error {
	var msg message
	if err := c.Bind(&msg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid message body")
	}
	ctx := c.Request().Context()

	switch msg.Action {
	case ActionCollect:
		report, err := h.agent.Collect(ctx, agent.TriggerManual)
		if err != nil {
			return c.JSON(http.StatusOK, messageResponse{Status: "error", Message: err.Error()})
		}
		return c.JSON(http.StatusOK, messageResponse{Status: "success", Data: &collectData{
			Message:   "Stats collected and sent",
			Timestamp: report.Timestamp,
			RunID:     report.RunID.String(),
			Day:       report.Day,
		}})

	case ActionSyncAuth:
		err := h.sessions.Sync(ctx, session.SyncRequest{
			Token:        msg.Token,
			RefreshToken: msg.RefreshToken,
			Email:        msg.Email,
			Expiry:       msg.Expiry,
		})
		if err != nil {
			return c.JSON(http.StatusOK, messageResponse{Status: "error", Message: err.Error()})
		}
		return c.JSON(http.StatusOK, messageResponse{Status: "ok"})

	case ActionForceScrape:
		h.background(func(ctx context.Context) {
			if _, err := h.agent.Collect(ctx, agent.TriggerManual); err != nil {
				h.logger.Warn("forced collection failed", zap.Error(err))
			}
		})
		return c.JSON(http.StatusOK, messageResponse{Status: "ok"})

	case ActionLogout:
		if err := h.sessions.Clear(ctx); err != nil {
			return c.JSON(http.StatusOK, messageResponse{Status: "error", Message: err.Error()})
		}
		return c.JSON(http.StatusOK, messageResponse{Status: "ok"})
	}

	return c.JSON(http.StatusOK, messageResponse{Status: "error", Message: "unknown action: " + msg.Action})
}

func (h *MessagesHandler) status(c echo.Context) error {
	st, err := h.agent.Status(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}
