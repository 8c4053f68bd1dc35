package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-extras/cobraflags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"conarchive/api/internal/app"
	"conarchive/api/internal/assets"
	"conarchive/api/internal/authpw"
	"conarchive/api/internal/clock"
	"conarchive/api/internal/config"
	"conarchive/api/internal/gitrepo"
	"conarchive/api/internal/moderation"
	"conarchive/api/internal/search"
	"conarchive/api/internal/session"
	"conarchive/api/internal/store"
)

const (
	configFlag            = "config"
	bootstrapAdminFlag    = "bootstrap-admin"
	bootstrapPasswordFlag = "bootstrap-password"
	userNameFlag          = "name"
	passwordFlag          = "password"
	roleFlag              = "role"
)

var rootFlags = map[string]cobraflags.Flag{
	configFlag: &cobraflags.StringFlag{
		Name:  configFlag,
		Value: "",
		Usage: "Optional YAML config file; environment variables override it",
	},
}

var serveFlags = map[string]cobraflags.Flag{
	bootstrapAdminFlag: &cobraflags.StringFlag{
		Name:  bootstrapAdminFlag,
		Value: "",
		Usage: "Create this admin account on startup if it does not exist",
	},
	bootstrapPasswordFlag: &cobraflags.StringFlag{
		Name:  bootstrapPasswordFlag,
		Value: "",
		Usage: "Password for --bootstrap-admin",
	},
}

var createUserFlags = map[string]cobraflags.Flag{
	userNameFlag: &cobraflags.StringFlag{
		Name:  userNameFlag,
		Value: "",
		Usage: "User name (required)",
	},
	passwordFlag: &cobraflags.StringFlag{
		Name:  passwordFlag,
		Value: "",
		Usage: "Password, at least 8 characters (required)",
	},
	roleFlag: &cobraflags.StringFlag{
		Name:  roleFlag,
		Value: "admin",
		Usage: "Role: editor, moderator or admin",
	},
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)
	if err := newRootCommand(logger).Execute(); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "archive-api",
		Short:         "Convention archive API with moderated submissions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(commandContext(cmd), logger)
		},
	}
	cobraflags.RegisterMap(serve, rootFlags)
	cobraflags.RegisterMap(serve, serveFlags)

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(commandContext(cmd), logger)
		},
	}
	cobraflags.RegisterMap(migrate, rootFlags)

	createUser := &cobra.Command{
		Use:   "create-user",
		Short: "Create or reactivate an account in the postgres store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCreateUser(commandContext(cmd), logger)
		},
	}
	cobraflags.RegisterMap(createUser, rootFlags)
	cobraflags.RegisterMap(createUser, createUserFlags)

	root.AddCommand(serve, migrate, createUser)
	root.RunE = serve.RunE
	cobraflags.RegisterMap(root, rootFlags)
	cobraflags.RegisterMap(root, serveFlags)
	return root
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(rootFlags[configFlag].GetString())
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func openPostgres(ctx context.Context, cfg config.Config, logger *slog.Logger) (*store.PostgresStore, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions())
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	migrations := store.Migrations()
	if cfg.MigrationsDir != "" {
		migrations = os.DirFS(cfg.MigrationsDir)
	}
	applied, err := store.ApplyMigrations(ctx, db, migrations)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", "versions", applied)
	}
	return store.NewPostgresStore(db), nil
}

func runMigrate(ctx context.Context, logger *slog.Logger) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Store != config.StorePostgres {
		return errors.New("migrate needs the postgres store")
	}
	pg, err := openPostgres(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return pg.DB().Close()
}

func runCreateUser(ctx context.Context, logger *slog.Logger) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Store != config.StorePostgres {
		return errors.New("create-user needs the postgres store; use serve --bootstrap-admin with the memory store")
	}
	pg, err := openPostgres(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pg.DB().Close()

	user, reactivated, err := authpw.NewService(pg).CreateUser(ctx,
		createUserFlags[userNameFlag].GetString(),
		createUserFlags[passwordFlag].GetString(),
		createUserFlags[roleFlag].GetString(),
	)
	if err != nil {
		return err
	}
	logger.Info("user saved", "user_id", user.ID, "user_name", user.Name, "role", user.Role, "reactivated", reactivated)
	return nil
}

func runServe(ctx context.Context, logger *slog.Logger) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var (
		dataStore store.Store
		pgfts     *search.PgFTS
	)
	switch cfg.Store {
	case config.StorePostgres:
		pg, err := openPostgres(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer pg.DB().Close()
		dataStore, pgfts = pg, search.NewPgFTS(pg.DB())
	default:
		logger.Warn("using in-memory store, data is lost on restart")
		dataStore = store.NewMemoryStore()
	}

	var sessions session.Store
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		sessions = redisStore
	} else {
		logger.Warn("REDIS_URL not set, sessions are kept in memory")
		sessions = session.NewMemoryStore(clock.New())
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
	}
	searchService := search.NewService(meiliClient, pgfts, logger)
	defer searchService.Close()
	go searchService.ReindexAllFromPG(ctx)

	if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}
	history := gitrepo.New(cfg.HistoryDir)

	files, err := openAssets(ctx, cfg)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	moderator := moderation.NewService(dataStore,
		moderation.WithLogger(logger),
		moderation.WithMetrics(moderation.NewMetrics(registry)),
		moderation.WithObservers(history, searchService),
		moderation.WithStorageTimeout(cfg.StorageTimeout),
	)
	service := app.New(cfg, app.Deps{
		Store:      dataStore,
		Sessions:   sessions,
		Moderation: moderator,
		History:    history,
		Search:     searchService,
		Assets:     files,
		Logger:     logger,
	})

	if name := serveFlags[bootstrapAdminFlag].GetString(); name != "" {
		_, _, err := authpw.NewService(dataStore).CreateUser(ctx, name, serveFlags[bootstrapPasswordFlag].GetString(), "admin")
		switch {
		case errors.Is(err, authpw.ErrUserExists):
		case err != nil:
			return fmt.Errorf("bootstrap admin: %w", err)
		default:
			logger.Info("bootstrap admin created", "user_name", name)
		}
	}

	httpServer := app.NewHTTPServer(service, app.Options{
		CORSOrigin:     cfg.CORSOrigin,
		Logger:         logger,
		Registry:       registry,
		MaxUploadBytes: cfg.MaxUploadBytes(),
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("archive API listening", "addr", cfg.Addr, "store", cfg.Store)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-sigCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	return nil
}

func openAssets(ctx context.Context, cfg config.Config) (assets.Store, error) {
	if cfg.AssetsBackend == config.AssetsMinio {
		return assets.NewMinioStore(ctx, assets.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
	}
	return assets.NewLocalStore(cfg.AssetsDir)
}
