package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/alertcore/internal/alerting/model"
)

type incidentListResponse struct {
	Items []*model.Incident `json:"items"`
}

// ListIncidents filters by ?status=ACTIVE,ACKNOWLEDGED, ?rule_id=, ?since=RFC3339 and ?limit=.
func (api *Api) ListIncidents(c *gin.Context) {
	limit, ok := parseLimit(c, 100, 500)
	if !ok {
		return
	}
	f := model.IncidentFilter{RuleID: strings.TrimSpace(c.Query("rule_id")), Limit: limit}
	for _, s := range splitList(c.Query("status")) {
		st := model.IncidentStatus(s)
		if !st.Valid() {
			badRequest(c, "status must be ACTIVE, ACKNOWLEDGED or RESOLVED")
			return
		}
		f.Statuses = append(f.Statuses, st)
	}
	if since := strings.TrimSpace(c.Query("since")); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			badRequest(c, "since must be an RFC3339 timestamp")
			return
		}
		f.Since = t
	}
	items, err := api.deps.Incidents.List(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	if items == nil {
		items = []*model.Incident{}
	}
	c.JSON(http.StatusOK, incidentListResponse{Items: items})
}

func (api *Api) GetIncident(c *gin.Context) {
	inc, err := api.deps.Incidents.Get(c.Request.Context(), c.Param("incidentID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inc)
}

type transitionRequest struct {
	User  string `json:"user"`
	Notes string `json:"notes"`
}

func bindTransition(c *gin.Context) (transitionRequest, bool) {
	var req transitionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid JSON body")
			return req, false
		}
	}
	req.User = strings.TrimSpace(req.User)
	if req.User == "" {
		badRequest(c, "user is required")
		return req, false
	}
	return req, true
}

func (api *Api) AcknowledgeIncident(c *gin.Context) {
	req, ok := bindTransition(c)
	if !ok {
		return
	}
	inc, err := api.deps.Incidents.Acknowledge(c.Request.Context(), c.Param("incidentID"), req.User)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inc)
}

func (api *Api) ResolveIncident(c *gin.Context) {
	req, ok := bindTransition(c)
	if !ok {
		return
	}
	inc, err := api.deps.Incidents.Resolve(c.Request.Context(), c.Param("incidentID"), req.User, req.Notes)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inc)
}

func (api *Api) ListIncidentNotifications(c *gin.Context) {
	id := c.Param("incidentID")
	if _, err := api.deps.Incidents.Get(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	items, err := api.deps.Deliveries.ListNotifications(c.Request.Context(), model.NotificationFilter{IncidentID: id})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, notificationListResponse{Items: nonNil(items)})
}
