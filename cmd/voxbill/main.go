package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/voxnotehq/voxbill/app/controllers"
	"github.com/voxnotehq/voxbill/app/repository"
	"github.com/voxnotehq/voxbill/internal/pkg/cache"
	"github.com/voxnotehq/voxbill/internal/pkg/database"
	"github.com/voxnotehq/voxbill/internal/pkg/env"
	"github.com/voxnotehq/voxbill/internal/pkg/ledger"
	"github.com/voxnotehq/voxbill/internal/pkg/plancatalog"
	"github.com/voxnotehq/voxbill/internal/pkg/processor"
	"github.com/voxnotehq/voxbill/internal/pkg/ratelimit"
	"github.com/voxnotehq/voxbill/internal/pkg/reconciler"
	"github.com/voxnotehq/voxbill/internal/pkg/router"
	"github.com/voxnotehq/voxbill/internal/pkg/scheduler"
)

func main() {
	app, manager := NewApplication()

	manager.Start()
	defer manager.Stop()

	// Stop the billing workers cleanly on SIGINT/SIGTERM.
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		manager.Stop()
		_ = app.Shutdown()
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() (*fiber.App, *scheduler.Manager) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	repository.InitGlobalFactory(database.GetDB())
	repos := repository.GetGlobalFactory().GetRepositories()

	catalog := plancatalog.New(repos.Plan)
	if err := catalog.Load(); err != nil {
		log.Fatalf("Failed to load plan catalog: %v", err)
	}

	adapters := processor.NewRegistry()
	adapters.Register(processor.NewCardnetAdapterFromEnv())
	adapters.Register(processor.NewRedirectPayAdapterFromEnv())
	adapters.Register(processor.NewCoinPayAdapterFromEnv())

	limiter := ratelimit.New(ratelimit.NewRedisStore(cache.GetClient(), "ratelimit"))

	ledgerSvc := ledger.NewService(repos.Account, repos.Payment, catalog, adapters, limiter, ledger.DefaultConfig())
	reconcilerSvc := reconciler.NewService(repos.Payment, repos.WebhookEvent, ledgerSvc, catalog, reconciler.Config{
		RefundClawback: env.GetEnvBool("REFUND_CLAWBACK", false),
	})
	ledgerSvc.SetSettler(reconcilerSvc)

	schedCfg := scheduler.DefaultConfig()
	schedCfg.AcquireLock = cache.AcquireLock
	schedCfg.ReleaseLock = cache.ReleaseLock
	passes := scheduler.NewPasses(ledgerSvc, reconcilerSvc, repos.Account, repos.Payment, repos.WebhookEvent, adapters, schedCfg)
	manager := scheduler.NewManager(passes, schedCfg)

	controllers.Setup(controllers.Deps{
		Ledger:     ledgerSvc,
		Reconciler: reconcilerSvc,
		Adapters:   adapters,
		Scheduler:  manager,
		Catalog:    catalog,
		Accounts:   repos.Account,
		Payments:   repos.Payment,
	})

	app := fiber.New(fiber.Config{
		AppName: "VoxBill",
	})
	app.Use(recover.New(), logger.New())
	app.Get("/metrics", monitor.New())

	// SWAGGER / OPENAPI
	openAPICfg := swagger.Config{
		BasePath: "/docs/api/",
		FilePath: "./public/docs/v1/openapi.yml",
		Path:     "v1",
	}
	app.Use(swagger.New(openAPICfg))

	// ROUTER
	router.InstallRouter(app, repos.Account)

	return app, manager
}
