package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/alertcore/internal/alerting/model"
	"github.com/qiniu/alertcore/internal/alerting/service/ruleset"
)

type ruleListResponse struct {
	Items []*model.AlertRule `json:"items"`
}

func (api *Api) ListRules(c *gin.Context) {
	rules, err := api.deps.Rules.ListRules(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if rules == nil {
		rules = []*model.AlertRule{}
	}
	c.JSON(http.StatusOK, ruleListResponse{Items: rules})
}

func (api *Api) GetRule(c *gin.Context) {
	r, err := api.deps.Rules.GetRule(c.Request.Context(), c.Param("ruleID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (api *Api) CreateRule(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		badRequest(c, "read body: "+err.Error())
		return
	}
	// the condition payload is decoded against rule_type
	var def model.AlertRule
	if err := json.Unmarshal(body, &def); err != nil {
		if model.IsConfigurationError(err) {
			writeError(c, err)
			return
		}
		badRequest(c, "invalid JSON body")
		return
	}
	if !hasField(body, "enabled") {
		def.Enabled = true
	}
	r, err := api.deps.Rules.CreateRule(c.Request.Context(), &def)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

func (api *Api) UpdateRule(c *gin.Context) {
	var patch ruleset.RulePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	r, err := api.deps.Rules.UpdateRule(c.Request.Context(), c.Param("ruleID"), patch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (api *Api) DeleteRule(c *gin.Context) {
	if err := api.deps.Rules.DeleteRule(c.Request.Context(), c.Param("ruleID")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func hasField(body []byte, name string) bool {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return false
	}
	for k := range m {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}
