package http

import (
	"github.com/gin-gonic/gin"
)

// SetupRouter sets up the Gin router
func SetupRouter(handlers *VoteHandlers, adminToken string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), LoggerMiddleware(handlers.logger))

	router.POST("/session", handlers.CreateSession)
	router.GET("/ledger/results", handlers.Results)

	// Session-bound voting routes
	voter := router.Group("/")
	voter.Use(SessionMiddleware(handlers.tokenizer))
	{
		voter.POST("/identity/confirm", handlers.ConfirmIdentity)
		voter.POST("/challenge", handlers.IssueChallenge)
		voter.POST("/challenge/verify", handlers.VerifyChallenge)
		voter.GET("/challenge/status", handlers.ChallengeStatus)
		voter.POST("/vote", handlers.Vote)
	}

	if adminToken == "" {
		handlers.logger.Warn("admin token not configured, admin routes disabled")
		return router
	}

	admin := router.Group("/admin")
	admin.Use(AdminMiddleware(adminToken))
	{
		admin.GET("/audit", handlers.Audit)
	}

	return router
}
