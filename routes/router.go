package routes

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/cppla/stakeledger/config"
	"github.com/cppla/stakeledger/controllers"
	"github.com/cppla/stakeledger/middleware"
	"github.com/cppla/stakeledger/services"
	"github.com/cppla/stakeledger/utils"
)

// Deps are the services the HTTP surface is built on.
type Deps struct {
	DB          *gorm.DB
	Stakes      *services.StakeService
	Wallets     *services.WalletService
	Leaderboard controllers.LeaderboardReader
	// Registry receives HTTP metrics and is served on /metrics. Nil disables both.
	Registry *prometheus.Registry
}

// SetupRouter wires routes, middlewares, and controllers.
func SetupRouter(d Deps) *gin.Engine {
	cfg := config.Get()
	switch strings.ToLower(cfg.GinMode) {
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	gl, err := utils.NewRollingFileLogger(cfg.GinPath, cfg.LogLevel, cfg.LogMaxSizeMB, cfg.LogMaxBackups, cfg.LogMaxAgeDays, cfg.LogCompress)
	if err == nil {
		r.Use(utils.Ginzap(gl, time.RFC3339, true))
		r.Use(utils.RecoveryWithZap(gl, false))
	} else {
		utils.Sugar.Warnf("gin access log disabled: %v", err)
		r.Use(gin.Recovery())
	}

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	}
	r.Use(cors.New(corsCfg))

	if d.Registry != nil && cfg.MetricsEnabled {
		r.Use(middleware.RequestMetrics(d.Registry))
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{})))
	}

	r.GET("/health", func(ctx *gin.Context) {
		if d.DB != nil {
			if sqlDB, err := d.DB.DB(); err != nil || sqlDB.PingContext(ctx.Request.Context()) != nil {
				utils.Error(ctx, http.StatusServiceUnavailable, 50302, "database unavailable")
				return
			}
		}
		utils.Success(ctx, gin.H{"status": "ok"})
	})

	authController := controllers.NewAuthController(d.DB)
	stakeController := controllers.NewStakeController(d.Stakes)
	walletController := controllers.NewWalletController(d.Wallets)
	ledgerController := controllers.NewLedgerController(d.Stakes, d.Leaderboard)

	api := r.Group("/api/v1")

	authGroup := api.Group("/auth")
	authGroup.Use(middleware.RateLimitMiddleware())
	authGroup.POST("/register", authController.Register)
	authGroup.POST("/login", authController.Login)
	authGroup.POST("/logout", middleware.AuthRequired(), authController.Logout)
	authGroup.GET("/me", middleware.AuthRequired(), authController.Me)

	ledger := api.Group("/ledger")
	ledger.Use(middleware.RateLimitMiddleware())
	ledger.GET("/stats", ledgerController.Stats)
	ledger.GET("/config", ledgerController.Config)
	ledger.GET("/leaderboard", ledgerController.Leaderboard)

	protected := api.Group("")
	protected.Use(middleware.AuthRequired(), middleware.UserRateLimit())

	protected.POST("/stakes", stakeController.Initialize)
	protected.GET("/stakes/:owner", stakeController.Get)
	protected.POST("/stakes/:owner/deposit", stakeController.Deposit)
	protected.POST("/stakes/:owner/withdraw", stakeController.Withdraw)
	protected.POST("/stakes/:owner/claim", stakeController.Claim)

	protected.GET("/wallet", walletController.Get)
	protected.GET("/wallet/transfers", walletController.Transfers)

	admin := protected.Group("/admin")
	admin.Use(middleware.AdminRequired())
	admin.POST("/wallets/:address/credit", walletController.Credit)

	r.NoRoute(func(ctx *gin.Context) {
		utils.Error(ctx, http.StatusNotFound, 40400, "route not found")
	})

	return r
}
