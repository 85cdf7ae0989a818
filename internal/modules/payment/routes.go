package payment

import "github.com/gin-gonic/gin"

func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/payments/mpesa/callback", h.Callback)
}

func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	payments := r.Group("/payments")
	{
		payments.POST("", h.Initiate)
		payments.GET("", h.List)
		payments.GET("/:id", h.Status)
		payments.POST("/:id/cancel", h.Cancel)
		payments.GET("/:id/conflicts", h.Conflicts)
	}
}
