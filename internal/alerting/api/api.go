package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/alertcore/internal/alerting/model"
	"github.com/qiniu/alertcore/internal/alerting/service/ruleset"
	"github.com/qiniu/alertcore/internal/alerting/service/scheduler"
	"github.com/qiniu/alertcore/internal/alerting/telemetry"
	"github.com/rs/zerolog/log"
)

type RuleService interface {
	ListRules(ctx context.Context) ([]*model.AlertRule, error)
	GetRule(ctx context.Context, id string) (*model.AlertRule, error)
	CreateRule(ctx context.Context, def *model.AlertRule) (*model.AlertRule, error)
	UpdateRule(ctx context.Context, id string, patch ruleset.RulePatch) (*model.AlertRule, error)
	DeleteRule(ctx context.Context, id string) error
}

type IncidentService interface {
	Get(ctx context.Context, id string) (*model.Incident, error)
	List(ctx context.Context, f model.IncidentFilter) ([]*model.Incident, error)
	Acknowledge(ctx context.Context, id, user string) (*model.Incident, error)
	Resolve(ctx context.Context, id, user, notes string) (*model.Incident, error)
}

type ChannelService interface {
	GetChannel(ctx context.Context, id string) (*model.Channel, error)
	ListChannels(ctx context.Context) ([]*model.Channel, error)
	UpsertChannel(ctx context.Context, ch *model.Channel) error
}

// Deliveries is the dispatcher surface exposed to operators.
type Deliveries interface {
	ListNotifications(ctx context.Context, f model.NotificationFilter) ([]*model.NotificationRequest, error)
	Test(ctx context.Context, channelID string) error
	Depth() (queued, retrying int)
}

type Scheduler interface {
	Trigger()
	Stats() scheduler.Stats
}

type Deps struct {
	Rules      RuleService
	Incidents  IncidentService
	Channels   ChannelService
	Deliveries Deliveries
	Scheduler  Scheduler
}

type Api struct {
	deps Deps
}

// NewApi registers the admin routes on router. Authentication is the caller's middleware.
func NewApi(router gin.IRouter, d Deps) *Api {
	api := &Api{deps: d}
	api.setupRouters(router)
	return api
}

func (api *Api) setupRouters(router gin.IRouter) {
	router.GET("/v1/rules", api.ListRules)
	router.POST("/v1/rules", api.CreateRule)
	router.GET("/v1/rules/:ruleID", api.GetRule)
	router.PATCH("/v1/rules/:ruleID", api.UpdateRule)
	router.DELETE("/v1/rules/:ruleID", api.DeleteRule)

	router.GET("/v1/incidents", api.ListIncidents)
	router.GET("/v1/incidents/:incidentID", api.GetIncident)
	router.POST("/v1/incidents/:incidentID/acknowledge", api.AcknowledgeIncident)
	router.POST("/v1/incidents/:incidentID/resolve", api.ResolveIncident)
	router.GET("/v1/incidents/:incidentID/notifications", api.ListIncidentNotifications)

	router.GET("/v1/channels", api.ListChannels)
	router.GET("/v1/channels/:channelID", api.GetChannel)
	router.PUT("/v1/channels/:channelID", api.UpsertChannel)
	router.POST("/v1/channels/:channelID/test", api.TestChannel)

	router.GET("/v1/notifications", api.ListNotifications)

	router.POST("/v1/scheduler/trigger", api.TriggerEvaluation)
	router.GET("/v1/scheduler/stats", api.SchedulerStats)
}

// RegisterMetrics exposes the Prometheus registry at /metrics.
func RegisterMetrics(router gin.IRoutes, m *telemetry.Metrics) {
	router.GET("/metrics", gin.WrapH(m.Handler()))
}

func errorBody(code, message string) map[string]any {
	return map[string]any{"error": map[string]any{"code": code, "message": message}}
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, errorBody("INVALID_PARAMETER", message))
}

// writeError maps the domain error taxonomy onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	switch {
	case model.IsConfigurationError(err):
		c.JSON(http.StatusBadRequest, errorBody("INVALID_PARAMETER", err.Error()))
	case errors.Is(err, model.ErrNotFound):
		c.JSON(http.StatusNotFound, errorBody("NOT_FOUND", err.Error()))
	case errors.Is(err, model.ErrInvalidState):
		c.JSON(http.StatusConflict, errorBody("INVALID_STATE", err.Error()))
	case errors.Is(err, model.ErrConflict):
		c.JSON(http.StatusConflict, errorBody("CONFLICT", err.Error()))
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("admin api request failed")
		c.JSON(http.StatusInternalServerError, errorBody("INTERNAL_ERROR", err.Error()))
	}
}

// parseLimit reads ?limit=, falling back to def when absent.
func parseLimit(c *gin.Context, def, max int) (int, bool) {
	s := strings.TrimSpace(c.Query("limit"))
	if s == "" {
		return def, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > max {
		badRequest(c, "limit must be 1-"+strconv.Itoa(max))
		return 0, false
	}
	return n, true
}

// splitList splits a comma separated query value, upper-cased.
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
