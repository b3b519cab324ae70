package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/meetline/callbridge/internal/auth"
	"github.com/meetline/callbridge/internal/config"
	"github.com/meetline/callbridge/internal/presence"
	"github.com/meetline/callbridge/internal/service/calls"
	"github.com/meetline/callbridge/internal/service/wallet"
)

// Deps bundles the services the HTTP layer exposes.
type Deps struct {
	Auth     *auth.Service
	Calls    *calls.Service
	Wallet   *wallet.Service
	Registry *presence.Registry
}

// NewServer builds the HTTP server with all routes mounted.
func NewServer(deps Deps, cfg config.Config, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), LoggerMiddleware(logger))

	apiHandlers := NewAPIHandlers(deps.Auth, logger)
	callsHandlers := NewCallsHandlers(deps.Calls, logger)
	walletHandlers := NewWalletHandlers(deps.Wallet, logger)

	router.GET("/health", func(c *gin.Context) {
		c.String(stdhttp.StatusOK, "ok")
	})
	router.GET("/ws", gin.WrapH(NewWSHandler(deps.Auth, deps.Registry, logger)))

	api := router.Group("/api")
	{
		api.POST("/register", apiHandlers.Register)
		api.POST("/login", apiHandlers.Login)

		authed := api.Group("")
		authed.Use(AuthMiddleware(deps.Auth, logger))
		{
			authed.POST("/calls", callsHandlers.Initiate)
			authed.GET("/calls/history", callsHandlers.History)
			authed.GET("/calls/:id", callsHandlers.Status)
			authed.POST("/calls/:id/accept", callsHandlers.Accept)
			authed.POST("/calls/:id/reject", callsHandlers.Reject)
			authed.POST("/calls/:id/cancel", callsHandlers.Cancel)
			authed.POST("/calls/:id/end", callsHandlers.End)
			authed.POST("/calls/:id/fail", callsHandlers.Fail)

			authed.GET("/wallet", walletHandlers.Balance)
			authed.POST("/wallet/recharge", walletHandlers.Recharge)
			authed.GET("/wallet/transactions", walletHandlers.Transactions)

			authed.GET("/rates/:user_id", walletHandlers.Rates)
			authed.PUT("/rates", walletHandlers.SetRates)
		}
	}

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}
