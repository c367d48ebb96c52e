package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata"

	"github.com/asaskevich/EventBus"
	"github.com/bwmarrin/snowflake"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/waxline/waxline/config"
	"github.com/waxline/waxline/internal/conn"
	"github.com/waxline/waxline/internal/domain"
	"github.com/waxline/waxline/internal/ingest"
	"github.com/waxline/waxline/internal/media"
	"github.com/waxline/waxline/internal/reconcile"
	"github.com/waxline/waxline/internal/runtime"
	"github.com/waxline/waxline/internal/stability"
	"github.com/waxline/waxline/internal/store"
	"github.com/waxline/waxline/internal/webhookapi"
	"github.com/waxline/waxline/pkg/metrics"
)

// Application wires every component together and owns their lifecycles.
type Application struct {
	appConfig *config.AppConfig
	gormDB    *gorm.DB
	sched     *cron.Cron
	bus       EventBus.Bus
	node      *snowflake.Node

	instStore  store.InstanceStore
	mediaStore store.MediaCacheStore
	client     runtime.Client
	registry   *conn.Registry
	stab       *stability.Controller
	rec        *conn.Reconnector
	ingestor   *ingest.Ingestor
	recsvc     *reconcile.Service
	resolver   *media.Resolver
	server     *webhookapi.Server
}

var (
	_ DBProvider        = (*Application)(nil)
	_ ConfigProvider    = (*Application)(nil)
	_ SchedulerProvider = (*Application)(nil)
	_ BusProvider       = (*Application)(nil)
	_ AppContext        = (*Application)(nil)
)

func NewApplication(appConfig *config.AppConfig) *Application {
	return &Application{appConfig: appConfig}
}

func (a *Application) Config() *config.AppConfig {
	return a.appConfig
}

func (a *Application) DB() *gorm.DB {
	return a.gormDB
}

// OverrideDB replaces the application's database handle (used in tests).
func (a *Application) OverrideDB(db *gorm.DB) {
	a.gormDB = db
}

func (a *Application) Scheduler() *cron.Cron {
	return a.sched
}

func (a *Application) Bus() EventBus.Bus {
	return a.bus
}

func (a *Application) Init(cfg *config.AppConfig) {
	loc, err := time.LoadLocation(cfg.System.Location)
	if err != nil {
		zap.S().Error("timezone config error")
	} else {
		time.Local = loc
	}

	a.initLogger(cfg)

	if err := metrics.InitMetrics(cfg.System.Workdir); err != nil {
		zap.S().Warn("Failed to initialize metrics:", err)
	}

	if cfg.Database.Type == "" {
		cfg.Database.Type = "postgres"
	}
	a.gormDB = getDatabase(cfg.Database, cfg.System.Workdir)
	zap.S().Infof("Database connection successful, type: %s", cfg.Database.Type)

	if err := a.MigrateDB(false); err != nil {
		zap.S().Errorf("database migration failed: %v", err)
	}

	a.bus = EventBus.New()
	a.node, err = snowflake.NewNode(cfg.System.NodeID)
	if err != nil {
		zap.S().Errorf("snowflake node init failed: %v", err)
		a.node, _ = snowflake.NewNode(1)
	}

	a.instStore = store.NewGormInstanceStore(a.gormDB)
	a.mediaStore = store.NewGormMediaCacheStore(a.gormDB)
	a.client = runtime.NewHTTPClient(cfg.Runtime)
	a.registry = conn.NewRegistry()
	a.stab = stability.NewController(30 * time.Second)
	a.rec = conn.NewReconnector(cfg.Supervisor, a.instStore, a.client, a.registry, a.stab)
	a.ingestor = ingest.NewIngestor(a.instStore, a.registry, a.rec, a.bus)
	a.recsvc = reconcile.NewService(cfg.Reconcile, a.instStore, a.client, a.rec, a.stab, a.node)
	a.resolver = media.NewResolver(a.mediaStore)
	a.server = webhookapi.NewServer(cfg, a.instStore, a.ingestor, a.rec, a.registry,
		a.stab, a.recsvc, a.client, a.resolver, a.node)

	a.initJob()
}

func (a *Application) initLogger(cfg *config.AppConfig) {
	var zapConfig zap.Config
	if cfg.Logger.Mode == "production" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	var logger *zap.Logger
	if cfg.Logger.FileEnable {
		lumberJackLogger := &lumberjack.Logger{
			Filename:   cfg.Logger.Filename,
			MaxSize:    64,
			MaxBackups: 7,
			MaxAge:     7,
			Compress:   false,
		}
		core := zapcore.NewTee(
			zapcore.NewCore(
				zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
				zapcore.AddSync(lumberJackLogger),
				zapConfig.Level,
			),
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
				zapcore.AddSync(os.Stdout),
				zapConfig.Level,
			),
		)
		logger = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	} else {
		var err error
		logger, err = zapConfig.Build(zap.AddCaller(), zap.AddCallerSkip(1))
		if err != nil {
			panic(err)
		}
	}
	zap.ReplaceGlobals(logger)
}

func getDatabase(cfg config.DBConfig, workdir string) *gorm.DB {
	logLevel := gormlogger.Silent
	if cfg.Debug {
		logLevel = gormlogger.Info
	}
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(logLevel)}

	var db *gorm.DB
	var err error
	switch cfg.Type {
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(filepath.Join(workdir, "waxline.db")), gormCfg)
	default:
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable TimeZone=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Passwd, cfg.Name, time.Local.String())
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	}
	if err != nil {
		panic(err)
	}

	sqlDB, err := db.DB()
	if err == nil {
		sqlDB.SetMaxOpenConns(cfg.MaxConn)
		sqlDB.SetMaxIdleConns(cfg.IdleConn)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}
	return db
}

func (a *Application) MigrateDB(track bool) (err error) {
	defer func() {
		if ret := recover(); ret != nil {
			if err2, ok := ret.(error); ok {
				err = err2
				zap.S().Error(err2.Error())
			}
		}
	}()
	if track {
		if err := a.gormDB.Debug().Migrator().AutoMigrate(domain.Tables...); err != nil {
			zap.S().Error(err)
		}
	} else {
		if err := a.gormDB.Migrator().AutoMigrate(domain.Tables...); err != nil {
			zap.S().Error(err)
		}
	}
	return nil
}

func (a *Application) DropAll() {
	_ = a.gormDB.Migrator().DropTable(domain.Tables...)
}

func (a *Application) InitDb() {
	_ = a.gormDB.Migrator().DropTable(domain.Tables...)
	if err := a.gormDB.Migrator().AutoMigrate(domain.Tables...); err != nil {
		zap.S().Error(err)
	}
}

// StartBackgroundJobs starts the reconciliation loop. The cron scheduler is
// already running after Init.
func (a *Application) StartBackgroundJobs(ctx context.Context) {
	a.recsvc.Start()
}

// StartWebServer blocks serving the webhook/management API.
func (a *Application) StartWebServer() error {
	return a.server.Start()
}

// Release stops background work and flushes buffers.
func (a *Application) Release() {
	if a.sched != nil {
		a.sched.Stop()
	}
	if a.recsvc != nil {
		a.recsvc.Stop()
	}
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.server.Stop(ctx)
	}
	_ = metrics.Close()
	_ = zap.L().Sync()
}
