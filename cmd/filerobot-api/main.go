package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/filerobot/internal/assets"
	"github.com/MarcoPoloResearchLab/filerobot/internal/auth"
	"github.com/MarcoPoloResearchLab/filerobot/internal/collections"
	"github.com/MarcoPoloResearchLab/filerobot/internal/config"
	"github.com/MarcoPoloResearchLab/filerobot/internal/database"
	"github.com/MarcoPoloResearchLab/filerobot/internal/designstate"
	"github.com/MarcoPoloResearchLab/filerobot/internal/logging"
	"github.com/MarcoPoloResearchLab/filerobot/internal/media"
	"github.com/MarcoPoloResearchLab/filerobot/internal/metrics"
	"github.com/MarcoPoloResearchLab/filerobot/internal/server"
	"github.com/MarcoPoloResearchLab/filerobot/internal/users"
	"github.com/MarcoPoloResearchLab/filerobot/internal/widget"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "filerobot-api",
		Short: "Image editor backend for the CMS",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newProvisionCommand(), newSessionTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "PostgreSQL connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("media-root", defaults.GetString("media.root"), "Directory uploaded images are stored in")
	cmd.PersistentFlags().String("media-url", defaults.GetString("media.url"), "URL prefix uploaded images are served under")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "media.root", "media-root")
	bindFlag(cmd, "media.url", "media-url")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

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

func newProvisionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Create the namespace root collection when it is missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, closeDB, err := openDatabase(appConfig, logger)
			if err != nil {
				return err
			}
			defer closeDB()

			resolver, _, err := newCollectionResolver(appConfig, db, nil, logger)
			if err != nil {
				return err
			}
			root, created, err := resolver.Provision(cmd.Context())
			if err != nil {
				return err
			}
			logger.Info("namespace root ready",
				zap.Uint64("collection_id", root.ID),
				zap.String("name", root.Name),
				zap.Bool("created", created))
			return nil
		},
	}
}

func newSessionTokenCommand() *cobra.Command {
	var identity auth.SessionIdentity
	command := &cobra.Command{
		Use:   "session-token",
		Short: "Mint a development session token signed with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if err := appConfig.RequireSigningSecret(); err != nil {
				return err
			}
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(appConfig.SessionSigningSecret),
				Issuer:        appConfig.SessionIssuer,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Mint(identity)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s; send it as the %q cookie or a bearer token\n",
				expiresAt.Format(time.RFC3339), appConfig.SessionCookieName)
			return nil
		},
	}
	command.Flags().StringVar(&identity.UserID, "user-id", "", "User id the session is minted for")
	command.Flags().StringVar(&identity.Username, "username", "", "Username the session is minted for")
	command.Flags().StringVar(&identity.Email, "email", "", "Optional email claim")
	command.Flags().StringVar(&identity.DisplayName, "display-name", "", "Optional display name claim")
	_ = command.MarkFlagRequired("user-id")
	_ = command.MarkFlagRequired("username")
	return command
}

func openDatabase(appConfig config.AppConfig, logger *zap.Logger) (*gorm.DB, func(), error) {
	db, err := database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	return db, func() { _ = sqlDB.Close() }, nil
}

func newCollectionResolver(appConfig config.AppConfig, db *gorm.DB, recorder *metrics.Recorder, logger *zap.Logger) (*collections.Resolver, *collections.Store, error) {
	cache := collections.NewTTLCache(collections.TTLCacheConfig{
		Key:         appConfig.CollectionCacheKey,
		TTL:         appConfig.CollectionCacheTTL,
		WatchedName: appConfig.CollectionName,
		Metrics:     recorder,
	})
	store, err := collections.NewStore(collections.StoreConfig{
		Database:    db,
		Invalidator: cache,
		Logger:      logger,
	})
	if err != nil {
		return nil, nil, err
	}
	resolver, err := collections.NewResolver(collections.ResolverConfig{
		Tree:          store,
		Cache:         cache,
		NamespaceName: appConfig.CollectionName,
		OriginalsName: appConfig.OriginalsCollectionName,
		Logger:        logger,
		Metrics:       recorder,
	})
	if err != nil {
		return nil, nil, err
	}
	return resolver, store, nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if err := appConfig.RequireSigningSecret(); err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, closeDB, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	var recorder *metrics.Recorder
	if appConfig.MetricsEnabled {
		recorder, err = metrics.NewRecorder()
		if err != nil {
			return err
		}
	}

	resolver, _, err := newCollectionResolver(appConfig, db, recorder, logger)
	if err != nil {
		return err
	}
	if _, _, err := resolver.Provision(ctx); err != nil {
		return err
	}

	fileSystem, err := media.NewFileSystem(media.Config{
		Root:     appConfig.MediaRoot,
		BaseURL:  appConfig.MediaURL,
		MaxBytes: appConfig.MaxUploadBytes,
		Metrics:  recorder,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	designStates, err := designstate.NewStore(designstate.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	assetService, err := assets.NewService(assets.ServiceConfig{
		Database:     db,
		Blobs:        fileSystem,
		DesignStates: designStates,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	protocol, err := widget.NewProtocol(widget.Config{
		Resolver:       resolver,
		Assets:         assetService,
		DesignStates:   designStates,
		Policy:         widget.OwnershipPolicy{UserMustMatch: appConfig.UserMustMatch},
		DisableHistory: appConfig.DisableHistory,
		MaxUploadBytes: appConfig.MaxUploadBytes,
		Metrics:        recorder,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Protocol:       protocol,
		Assets:         assetService,
		Sessions:       sessionValidator,
		Principals:     userService,
		Metrics:        recorder,
		MediaRoot:      fileSystem.Root(),
		MediaURL:       appConfig.MediaURL,
		MaxUploadBytes: appConfig.MaxUploadBytes,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
