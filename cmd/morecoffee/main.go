package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/morecoffee/internal/auth"
	"github.com/MarcoPoloResearchLab/morecoffee/internal/config"
	"github.com/MarcoPoloResearchLab/morecoffee/internal/consumption"
	"github.com/MarcoPoloResearchLab/morecoffee/internal/database"
	"github.com/MarcoPoloResearchLab/morecoffee/internal/logging"
	"github.com/MarcoPoloResearchLab/morecoffee/internal/server"
	"github.com/MarcoPoloResearchLab/morecoffee/internal/supplies"
	"github.com/MarcoPoloResearchLab/morecoffee/internal/tracking"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile      string
	tokenSubject string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "morecoffee",
		Short: "Coffee supply and consumption tracker",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Migrate the database and serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Back up the database and apply pending schema changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), cmd)
		},
	}

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a device token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd)
		},
	}
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "Device name embedded in the token")
	if err := tokenCmd.MarkFlagRequired("subject"); err != nil {
		panic(err)
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd, tokenCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("backup-retain", defaults.GetInt("backup.retain"), "Number of pre-migration backups to keep (0 keeps all)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "Optional rotating log file")
	cmd.PersistentFlags().Int("token-ttl-hours", defaults.GetInt("auth.token_ttl_hours"), "Device token TTL in hours")
	cmd.PersistentFlags().String("signing-secret", "", "Device token signing secret (overrides env)")
	cmd.PersistentFlags().Int("statistics-days", defaults.GetInt("statistics.days"), "Days shown by the statistics summary")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "backup.retain", "backup-retain")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "auth.token_ttl_hours", "token-ttl-hours")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "statistics.days", "statistics-days")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// application holds what every command needs once config is loaded and the
// database is migrated.
type application struct {
	config config.AppConfig
	logger *zap.Logger
	store  *database.Store
	report database.MigrationReport
}

func bootstrap(ctx context.Context) (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(logging.Options{
		Level:     appConfig.LogLevel,
		File:      appConfig.LogFile,
		MaxSizeMB: appConfig.LogMaxSizeMB,
		MaxFiles:  appConfig.LogMaxFiles,
	})
	if err != nil {
		return nil, err
	}

	store, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	migrator, err := database.NewMigrator(database.MigratorConfig{
		Store:           store,
		BackupRetention: appConfig.BackupRetention,
		Logger:          logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	report, err := migrator.Migrate(ctx)
	if err != nil {
		logger.Error("database migration failed", zap.Error(err))
		_ = store.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &application{config: appConfig, logger: logger, store: store, report: report}, nil
}

func (r *application) close() {
	_ = r.store.Close()
	_ = r.logger.Sync()
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
}

func runMigrate(ctx context.Context, cmd *cobra.Command) error {
	app, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer app.close()

	out := cmd.OutOrStdout()
	if app.report.BackupPath != "" {
		fmt.Fprintf(out, "backup: %s\n", app.report.BackupPath)
	}
	for _, column := range app.report.ColumnsAdded {
		fmt.Fprintf(out, "added column: %s\n", column)
	}
	for _, index := range app.report.IndexesCreated {
		fmt.Fprintf(out, "created index: %s\n", index)
	}
	for _, pruned := range app.report.BackupsPruned {
		fmt.Fprintf(out, "pruned backup: %s\n", pruned)
	}
	if !app.report.Changed() {
		fmt.Fprintln(out, "schema up to date")
	}
	return nil
}

func runToken(cmd *cobra.Command) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if !appConfig.AuthEnabled() {
		return errors.New("auth.signing_secret must be set to issue tokens")
	}
	issuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}
	token, expiresIn, err := issuer.Issue(tokenSubject)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	fmt.Fprintf(cmd.ErrOrStderr(), "expires in %s\n", time.Duration(expiresIn)*time.Second)
	return nil
}

func runServer(ctx context.Context) error {
	app, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer app.close()
	logger := app.logger

	supplyRepository, err := supplies.NewRepository(supplies.RepositoryConfig{
		Database: app.store.DB,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	consumptionRepository, err := consumption.NewRepository(consumption.RepositoryConfig{
		Database: app.store.DB,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	dispatcher := server.NewInventoryDispatcher()
	coordinator, err := tracking.NewCoordinator(tracking.CoordinatorConfig{
		Database:    app.store.DB,
		Supplies:    supplyRepository,
		Consumption: consumptionRepository,
		Publisher:   dispatcher,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	dependencies := server.Dependencies{
		Supplies:       supplyRepository,
		Consumption:    consumptionRepository,
		Coordinator:    coordinator,
		Realtime:       dispatcher,
		StatisticsDays: app.config.StatisticsDays,
		Logger:         logger,
	}
	if app.config.AuthEnabled() {
		issuer, err := newTokenIssuer(app.config)
		if err != nil {
			return err
		}
		dependencies.TokenValidator = issuer
	} else {
		logger.Warn("auth.signing_secret not set; API is unauthenticated")
	}

	handler, err := server.NewHTTPHandler(dependencies)
	if err != nil {
		return err
	}

	// event streams end when shutdown begins instead of holding it open
	streamCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()
	httpServer := &http.Server{
		Addr:              app.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return streamCtx
		},
	}
	httpServer.RegisterOnShutdown(cancelStreams)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
