package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cppla/stakeledger/config"
	"github.com/cppla/stakeledger/controllers"
	"github.com/cppla/stakeledger/models"
	"github.com/cppla/stakeledger/routes"
	"github.com/cppla/stakeledger/services"
	"github.com/cppla/stakeledger/staking"
	"github.com/cppla/stakeledger/utils"
	"github.com/cppla/stakeledger/workers"
)

const programName = "stakeledger"

func main() {
	rootCmd := &cobra.Command{
		Use:   programName,
		Short: "Single-account staking ledger with time-weighted points",
		// bare invocation serves, like the pre-cobra binary
		RunE: serveRun,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return utils.InitLogger(config.Load())
		},
		SilenceUsage: true,
	}
	rootCmd.AddCommand(serveCommand(), migrateCommand(), userAddCommand(), tokenCommand())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background jobs",
		RunE:  serveRun,
	}
}

func serveRun(cmd *cobra.Command, _ []string) error {
	cfg := config.Get()
	defer func() { _ = utils.Logger.Sync() }()

	db := config.InitDatabase(models.All()...)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	custodian := staking.NewDerivedCustodian(cfg.ProgramID)
	rules := staking.Rules{
		StrictWithdrawBound: cfg.StrictWithdrawBound,
		LegacyDoubleAdd:     cfg.LegacyDepositDoubleAdd,
	}
	rdb := utils.GetRedis()
	stakes := services.NewStakeService(db, custodian, rules,
		services.WithLocker(&utils.RedisLocker{Client: rdb}, time.Duration(cfg.OwnerLockSeconds)*time.Second),
		services.WithCache(utils.RedisCache{}),
		services.WithRegisterer(reg),
		services.WithLogger(utils.Logger.Named("stake")),
	)
	wallets := services.NewWalletService(db, custodian)

	board := workers.NewLeaderboard(stakes, rdb, cfg.LeaderboardSize, utils.Logger.Named("leaderboard"))
	if err := board.Start(time.Duration(cfg.LeaderboardRefreshSeconds) * time.Second); err != nil {
		return err
	}
	defer func() {
		if err := board.Stop(); err != nil {
			utils.Logger.Warn("stop leaderboard", zap.Error(err))
		}
	}()

	r := routes.SetupRouter(routes.Deps{
		DB:          db,
		Stakes:      stakes,
		Wallets:     wallets,
		Leaderboard: board,
		Registry:    reg,
	})

	if rules.LegacyDoubleAdd || rules.StrictWithdrawBound {
		utils.Logger.Warn("legacy ledger rules enabled",
			zap.Bool("legacy_deposit_double_add", rules.LegacyDoubleAdd),
			zap.Bool("strict_withdraw_bound", rules.StrictWithdrawBound),
		)
	}
	utils.Logger.Info("starting server",
		zap.String("port", cfg.AppPort),
		zap.String("db_driver", cfg.DBDriver),
		zap.String("program_id", cfg.ProgramID),
		zap.Bool("redis", rdb != nil),
	)
	return utils.GraceServer(cmd.Context(), ":"+cfg.AppPort, r)
}

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update database tables and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			config.InitDatabase(models.All()...)
			utils.Logger.Info("migration complete", zap.String("db_driver", config.Get().DBDriver))
			return nil
		},
	}
}

func userAddCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "useradd <username>",
		Short: "Create an account, including names reserved for admins",
		Long:  "Create an account. The password is read from STAKELEDGER_PASSWORD.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password := os.Getenv("STAKELEDGER_PASSWORD")
			if password == "" {
				return fmt.Errorf("STAKELEDGER_PASSWORD is not set")
			}
			db := config.InitDatabase(models.All()...)
			user, err := controllers.CreateUser(db.WithContext(cmd.Context()), args[0], password)
			if err != nil {
				return fmt.Errorf("create user %q: %w", args[0], err)
			}
			utils.Logger.Info("user created",
				zap.String("user_id", user.ID),
				zap.String("username", user.Username),
			)
			return nil
		},
	}
}

func tokenCommand() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <username>",
		Short: "Issue a JWT for an existing user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db := config.InitDatabase(models.All()...)
			var user models.User
			if err := db.WithContext(cmd.Context()).Where("username = ?", args[0]).First(&user).Error; err != nil {
				return fmt.Errorf("find user %q: %w", args[0], err)
			}
			token, claims, err := utils.GenerateToken(user.ID, user.Username, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			utils.Logger.Info("token issued",
				zap.String("user_id", user.ID),
				zap.Time("expires_at", claims.ExpiresAt.Time),
			)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
