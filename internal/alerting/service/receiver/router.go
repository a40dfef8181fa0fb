package receiver

import "github.com/gin-gonic/gin"

func RegisterReceiverRoutes(r gin.IRoutes, h *Handler) {
	r.POST("/v1/integrations/events", h.IngestEvents)
}
