package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/alertcore/internal/alerting/model"
	"github.com/qiniu/alertcore/internal/alerting/service/scheduler"
)

type notificationListResponse struct {
	Items []*model.NotificationRequest `json:"items"`
}

func nonNil(in []*model.NotificationRequest) []*model.NotificationRequest {
	if in == nil {
		return []*model.NotificationRequest{}
	}
	return in
}

var deliveryStatuses = map[model.DeliveryStatus]struct{}{
	model.DeliveryQueued:     {},
	model.DeliveryRetrying:   {},
	model.DeliveryDelivered:  {},
	model.DeliveryDeadLetter: {},
}

// ListNotifications filters the delivery log by ?status=DEAD_LETTER,RETRYING, ?incident_id= and ?limit=.
func (api *Api) ListNotifications(c *gin.Context) {
	limit, ok := parseLimit(c, 100, 1000)
	if !ok {
		return
	}
	f := model.NotificationFilter{IncidentID: strings.TrimSpace(c.Query("incident_id")), Limit: limit}
	for _, s := range splitList(c.Query("status")) {
		st := model.DeliveryStatus(s)
		if _, ok := deliveryStatuses[st]; !ok {
			badRequest(c, "status must be QUEUED, RETRYING, DELIVERED or DEAD_LETTER")
			return
		}
		f.Statuses = append(f.Statuses, st)
	}
	items, err := api.deps.Deliveries.ListNotifications(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, notificationListResponse{Items: nonNil(items)})
}

func (api *Api) TriggerEvaluation(c *gin.Context) {
	api.deps.Scheduler.Trigger()
	c.JSON(http.StatusAccepted, map[string]any{"ok": true})
}

type statsResponse struct {
	Scheduler     scheduler.Stats `json:"scheduler"`
	QueueDepth    int             `json:"queue_depth"`
	RetryingDepth int             `json:"retrying_depth"`
}

func (api *Api) SchedulerStats(c *gin.Context) {
	queued, retrying := api.deps.Deliveries.Depth()
	c.JSON(http.StatusOK, statsResponse{Scheduler: api.deps.Scheduler.Stats(), QueueDepth: queued, RetryingDepth: retrying})
}
