package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/alertcore/internal/alerting/model"
)

type channelListResponse struct {
	Items []*model.Channel `json:"items"`
}

func (api *Api) ListChannels(c *gin.Context) {
	items, err := api.deps.Channels.ListChannels(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if items == nil {
		items = []*model.Channel{}
	}
	c.JSON(http.StatusOK, channelListResponse{Items: items})
}

func (api *Api) GetChannel(c *gin.Context) {
	ch, err := api.deps.Channels.GetChannel(c.Request.Context(), c.Param("channelID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

type upsertChannelRequest struct {
	ID            string              `json:"channel_id"`
	Name          string              `json:"name"`
	Type          model.ChannelType   `json:"channel_type"`
	Configuration model.ChannelConfig `json:"configuration"`
	Enabled       *bool               `json:"enabled"`
}

// UpsertChannel creates or replaces the channel addressed by the path.
func (api *Api) UpsertChannel(c *gin.Context) {
	id := c.Param("channelID")
	var req upsertChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	if req.ID != "" && req.ID != id {
		badRequest(c, "channel_id in body does not match path")
		return
	}
	ch := &model.Channel{
		ID:      id,
		Name:    req.Name,
		Type:    model.ChannelType(strings.ToUpper(string(req.Type))),
		Config:  req.Configuration,
		Enabled: req.Enabled == nil || *req.Enabled,
	}
	if ch.Name == "" {
		ch.Name = id
	}
	if err := ch.Validate(); err != nil {
		writeError(c, err)
		return
	}
	if err := api.deps.Channels.UpsertChannel(c.Request.Context(), ch); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

// TestChannel sends a synthetic notification through the channel and reports the outcome.
// A delivery failure is a 200 with ok=false; the channel itself exists.
func (api *Api) TestChannel(c *gin.Context) {
	id := c.Param("channelID")
	err := api.deps.Deliveries.Test(c.Request.Context(), id)
	if err == nil {
		c.JSON(http.StatusOK, map[string]any{"ok": true, "channel_id": id})
		return
	}
	if errors.Is(err, model.ErrNotFound) {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, map[string]any{"ok": false, "channel_id": id, "error": err.Error()})
}
