package server

import (
	"net/http"
	"os"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/packetwarden/formflow-api/internal/auth"
	"github.com/packetwarden/formflow-api/internal/billing"
	"github.com/packetwarden/formflow-api/internal/config"
	"github.com/packetwarden/formflow-api/internal/handlers"
	"github.com/packetwarden/formflow-api/internal/store"
)

// Dependencies carries everything the router needs.
type Dependencies struct {
	Config   *config.Config
	Store    *store.Store
	Gateway  billing.Gateway
	Verifier auth.TokenVerifier
}

// NewRouter builds the gin engine with all routes wired.
func NewRouter(deps Dependencies) *gin.Engine {
	router := gin.Default()
	router.Use(configureCORS())

	customers := billing.NewCustomerResolver(deps.Store, deps.Gateway)
	catalog := billing.NewCatalogSync(deps.Store, deps.Gateway, deps.Config.StripeCatalogEnv)
	checkout := billing.NewCheckoutService(deps.Store, customers, deps.Gateway, catalog, deps.Config)
	events := billing.NewEventProcessor(deps.Store, deps.Gateway, catalog, deps.Config.BillingGraceDays)
	queue := billing.NewQueueProcessor(deps.Store, events, deps.Config.StripeWebhookClaimTTL, deps.Config.StripeWebhookMaxAttempts)

	formHandler := handlers.NewFormHandler(deps.Store, deps.Config.UpgradeURL)
	billingHandler := handlers.NewBillingHandler(checkout, queue, catalog, deps.Gateway, deps.Store, deps.Config)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		// Public runner routes
		public := v1.Group("/f")
		public.Use(handlers.SubmissionRecovery())
		{
			public.GET("/:formId/schema", formHandler.GetFormSchema)
			public.POST("/:formId/submit", formHandler.SubmitForm)
		}

		stripeRoutes := v1.Group("/stripe")
		{
			// Webhook and internal routes carry their own authentication
			stripeRoutes.POST("/webhook", billingHandler.HandleWebhook)
			stripeRoutes.POST("/catalog/sync", billingHandler.SyncCatalog)

			// Public pricing catalog
			stripeRoutes.GET("/plans", billingHandler.ListPlans)

			// Workspace billing routes (owner or admin required)
			workspaces := stripeRoutes.Group("/workspaces/:workspaceId")
			workspaces.Use(auth.Authenticate(deps.Verifier))
			workspaces.Use(auth.RequireWorkspaceRole(deps.Store, auth.RoleOwner, auth.RoleAdmin))
			{
				workspaces.POST("/checkout-session", billingHandler.CreateCheckoutSession)
				workspaces.POST("/portal-session", billingHandler.CreatePortalSession)
				workspaces.GET("/entitlements", billingHandler.GetEntitlements)
			}
		}
	}

	return router
}

func configureCORS() gin.HandlerFunc {
	corsConfig := cors.DefaultConfig()

	originsEnv := os.Getenv("CORS_ALLOWED_ORIGINS")
	if originsEnv == "" {
		corsConfig.AllowOrigins = []string{"http://localhost:3000"}
	} else {
		origins := strings.Split(originsEnv, ",")
		for i, origin := range origins {
			origins[i] = strings.TrimSpace(origin)
		}
		corsConfig.AllowOrigins = origins
	}

	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{
		"Origin", "Content-Type", "Accept", "Authorization",
		"Idempotency-Key", "X-Internal-Admin-Token",
	}

	return cors.New(corsConfig)
}
