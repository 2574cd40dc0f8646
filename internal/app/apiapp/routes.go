package apiapp

import (
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sparkmeet/backend/internal/config"
	authsvc "github.com/sparkmeet/backend/internal/services/auth"
	msgsvc "github.com/sparkmeet/backend/internal/services/messaging"
	paymentsvc "github.com/sparkmeet/backend/internal/services/payments"
	subssvc "github.com/sparkmeet/backend/internal/services/subscriptions"
	"github.com/sparkmeet/backend/internal/transport/http/handlers"
)

type Dependencies struct {
	AuthService         *authsvc.Service
	SubscriptionService *subssvc.Service
	MessagingService    *msgsvc.Service
	PaymentService      *paymentsvc.Service
	Logger              *zap.Logger
	Config              config.Config
}

func RegisterRoutes(r chi.Router, deps Dependencies) {
	healthHandler := handlers.NewHealthHandler()
	quotaHandler := handlers.NewQuotaHandler(deps.MessagingService)
	messageHandler := handlers.NewMessageHandler(deps.MessagingService)
	subscriptionHandler := handlers.NewSubscriptionHandler(deps.SubscriptionService)
	purchaseHandler := handlers.NewPurchaseHandler(deps.PaymentService)
	authMW := AuthMiddleware(deps.AuthService, deps.Logger)

	r.Get("/healthz", healthHandler.Get)

	// Provider callbacks carry no bearer token.
	r.Post("/purchase/webhook", purchaseHandler.Webhook)

	r.Route("/v1", func(r chi.Router) {
		r.With(authMW).Get("/quota", quotaHandler.Handle)
		r.With(authMW).Post("/dm/can_send", messageHandler.CanSend)
		r.With(authMW).Post("/dm/send", messageHandler.Send)
		r.With(authMW).Get("/subscriptions/current", subscriptionHandler.Current)
		r.With(authMW).Post("/subscriptions", subscriptionHandler.Create)
		r.With(authMW).Post("/subscriptions/{id}/cancel", subscriptionHandler.Cancel)
		r.With(authMW).Post("/subscriptions/{id}/renew", subscriptionHandler.Renew)
		r.With(authMW).Post("/purchase/begin", purchaseHandler.Begin)
		r.Post("/purchase/webhook", purchaseHandler.Webhook)
	})
}
