// README: HTTP router registration.
package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"dispatch/internal/http/handlers"
	"dispatch/internal/http/middleware"
	"dispatch/internal/infra"
	"dispatch/internal/metrics"
	"dispatch/internal/types"
)

type RouterDeps struct {
	Zones         handlers.ZoneService
	Dispatch      handlers.DispatchService
	Tracking      handlers.TrackingService
	Deliveries    handlers.DeliveryService
	Notifications handlers.NotificationService
	// Realtime serves GET /ws; nil leaves the route unregistered.
	Realtime http.Handler

	Verifier         infra.TokenVerifier
	Gatherer         prometheus.Gatherer
	Metrics          *metrics.Metrics
	Logger           *zap.Logger
	OperationTimeout time.Duration
}

func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(d.Logger), middleware.Metrics(d.Metrics))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}
	if d.Realtime != nil {
		r.GET("/ws", gin.WrapH(d.Realtime))
	}

	api := r.Group("/api", middleware.Logging(d.Logger), middleware.Timeout(d.OperationTimeout))

	zones := handlers.NewZoneHandler(d.Zones)
	api.GET("/delivery-zones", zones.List)
	api.POST("/calculate-delivery-fee", zones.CalculateFee)

	authed := api.Group("", middleware.Auth(d.Verifier))

	offers := handlers.NewDispatchHandler(d.Dispatch)
	authed.POST("/delivery-notifications/broadcast/:orderId",
		middleware.RequireRole(types.RoleShopkeeper, types.RoleAdmin), offers.Broadcast)
	authed.GET("/delivery-notifications", offers.ListPending)
	authed.POST("/delivery-notifications/:orderId/accept", offers.Accept)
	authed.POST("/delivery-notifications/:orderId/reject", offers.Reject)

	track := handlers.NewTrackingHandler(d.Tracking, d.Deliveries)
	authed.POST("/tracking/location", middleware.RequireRole(types.RolePartner), track.UpdateLocation)
	authed.PATCH("/tracking/status/:deliveryId", track.UpdateStatus)
	authed.POST("/tracking/route/:deliveryId", track.ComputeRoute)
	authed.GET("/tracking/:deliveryId", track.View)

	deliveries := handlers.NewDeliveryHandler(d.Deliveries)
	authed.GET("/deliveries/partner/:partnerId", deliveries.ListByPartner)
	authed.GET("/deliveries/order/:orderId", deliveries.ListByOrder)
	authed.POST("/deliveries/:id/rating", middleware.RequireRole(types.RoleCustomer), deliveries.Rate)

	inbox := handlers.NewNotificationHandler(d.Notifications)
	authed.GET("/notifications", inbox.List)
	authed.PUT("/notifications/read-all", inbox.MarkAllRead)
	authed.PUT("/notifications/:id/read", inbox.MarkRead)
	authed.POST("/notifications/devices", inbox.RegisterDevice)

	admin := authed.Group("/admin", middleware.RequireRole(types.RoleAdmin))
	admin.POST("/delivery-zones", zones.Create)
	admin.PUT("/delivery-zones/:id", zones.Update)
	admin.DELETE("/delivery-zones/:id", zones.Delete)

	return r
}
