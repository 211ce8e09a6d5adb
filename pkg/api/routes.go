package api

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, h *Handlers, adminToken string) {
	router.GET("/health", h.Health)

	v1 := router.Group("/api/v1")
	{
		users := v1.Group("/users/:userId")
		{
			users.GET("/balances", h.GetUserBalances)
			users.GET("/entries", h.GetUserEntries)
			users.GET("/deposits", h.GetUserDeposits)
			users.GET("/withdrawals", h.GetUserWithdrawals)
			users.GET("/positions", h.GetUserPositions)
		}

		v1.GET("/assets/:asset/totals", h.GetAssetTotals)

		deposits := v1.Group("/deposits")
		{
			deposits.POST("/addresses", h.RegisterDepositAddress)
			deposits.GET("/:txHash", h.GetDeposit)
		}

		withdrawals := v1.Group("/withdrawals")
		{
			withdrawals.POST("", h.CreateWithdrawal)
			withdrawals.GET("/:id", h.GetWithdrawal)
		}

		transfers := v1.Group("/transfers")
		{
			transfers.POST("", h.CreateTransfer)
			transfers.GET("/:reference", h.GetTransfer)
		}

		swaps := v1.Group("/swaps")
		{
			swaps.POST("", h.CreateSwap)
			swaps.GET("/:reference", h.GetSwap)
		}

		positions := v1.Group("/positions")
		{
			positions.POST("", h.OpenPosition)
			positions.GET("/:id", h.GetPosition)
			positions.POST("/:id/close", h.ClosePosition)
		}
	}

	// Chain watcher callbacks and operator actions
	admin := router.Group("/admin")
	admin.Use(RequireAdminToken(adminToken))
	{
		admin.POST("/deposits/events", h.DepositEvent)
		admin.POST("/deposits/:txHash/credit", h.CreditDeposit)
		admin.POST("/deposits/:txHash/fail", h.FailDeposit)

		admin.POST("/withdrawals/:id/broadcast", h.BroadcastWithdrawal)
		admin.POST("/withdrawals/:id/confirm", h.ConfirmWithdrawal)
		admin.POST("/withdrawals/:id/fail", h.FailWithdrawal)
		admin.POST("/withdrawals/sweep", h.SweepWithdrawals)
		admin.POST("/withdrawals/reconcile", h.ReconcileWithdrawals)
	}
}
