package main

import (
	"context"
	"fmt"
	"log"
	"time"

	common_api "flowcrm/internal/common/api"
	"flowcrm/internal/config"
	"flowcrm/internal/database"
	"flowcrm/internal/features/automation"
	"flowcrm/internal/features/email"
	"flowcrm/internal/features/events"
	"flowcrm/internal/features/notification"
	"flowcrm/internal/features/record"
	"flowcrm/internal/features/user"
	"flowcrm/internal/features/webhook"
	"flowcrm/internal/logger"
	"flowcrm/internal/middleware"
	"flowcrm/pkg/utils"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// NewFiberServer creates a new Fiber app instance
func NewFiberServer() *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})

	app.Use(middleware.CORSMiddleware())

	return app
}

// AsRoute is a helper function to reduce boilerplate.
// It tags the constructor so Fx knows to add it to the "routes" group.
func AsRoute(f any) any {
	return fx.Annotate(
		f,
		fx.As(new(common_api.Route)),
		fx.ResultTags(`group:"routes"`),
	)
}

// RegisterAllRoutes takes the group "routes" (slice of interfaces)
// and calls Setup() on each one.
func RegisterAllRoutes(app *fiber.App, routes []common_api.Route) {
	for _, route := range routes {
		route.Setup(app)
	}
	log.Printf("Registered %d routes\n", len(routes))
}

// RegisterAllRoutesWithAnnotation wraps RegisterAllRoutes with fx annotations
var RegisterAllRoutesWithAnnotation = fx.Annotate(
	RegisterAllRoutes,
	fx.ParamTags(``, `group:"routes"`),
)

// StartServer creates a lifecycle hook to start Fiber in a goroutine
// and shut it down when the app exits.
func StartServer(lc fx.Lifecycle, app *fiber.App, cfg *config.Config) {
	utils.SetSecret(cfg.JWTSecret)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				port := fmt.Sprintf(":%s", cfg.Port)
				if err := app.Listen(port); err != nil {
					log.Fatalf("Server failed to start: %v", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return app.Shutdown()
		},
	})
}

// InitializeIndexes ensures that necessary database indexes are created.
// The execution_records unique index is load-bearing: it is what makes
// execute-once rules race-safe.
func InitializeIndexes(
	lc fx.Lifecycle,
	ruleRepo automation.AutomationRepository,
	executionRepo automation.ExecutionRecordRepository,
	webhookRepo webhook.WebhookRepository,
	webhookLogRepo webhook.WebhookLogRepository,
) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()

				if err := ruleRepo.EnsureIndexes(ctx); err != nil {
					log.Printf("Failed to ensure rule indexes: %v", err)
				}
				if err := executionRepo.EnsureIndexes(ctx); err != nil {
					log.Printf("Failed to ensure execution record indexes: %v", err)
				}
				if err := webhookRepo.EnsureIndexes(ctx); err != nil {
					log.Printf("Failed to ensure webhook indexes: %v", err)
				}
				if err := webhookLogRepo.EnsureIndexes(ctx); err != nil {
					log.Printf("Failed to ensure webhook log indexes: %v", err)
				}
			}()
			return nil
		},
	})
}

// StartRetrySweeper runs the periodic webhook retry sweep for the app's
// lifetime.
func StartRetrySweeper(lc fx.Lifecycle, sweeper *webhook.RetrySweeper) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return sweeper.Start()
		},
		OnStop: func(ctx context.Context) error {
			sweeper.Stop()
			return nil
		},
	})
}

func main() {
	app := fx.New(
		fx.Provide(
			// Load Config
			config.LoadConfig,

			// Initialize Logger
			logger.NewLogger,

			// Initialize Fiber Server
			NewFiberServer,

			// Initialize Database
			database.NewDatabase,

			// Initialize Repositories
			record.NewRecordRepository,
			user.NewUserRepository,
			notification.NewNotificationRepository,
			automation.NewAutomationRepository,
			automation.NewExecutionRecordRepository,
			webhook.NewWebhookRepository,
			webhook.NewWebhookLogRepository,

			// Initialize Services
			email.NewEmailService,
			notification.NewNotificationService,
			automation.NewConditionEvaluator,
			automation.NewActionExecutor,
			automation.NewAutomationService,
			webhook.NewDispatcher,
			webhook.NewWebhookService,
			webhook.NewRetrySweeper,
			events.NewEventDispatcher,

			// Initialize Controllers
			notification.NewNotificationController,
			automation.NewAutomationController,
			webhook.NewWebhookController,

			// Initialize API Routes
			AsRoute(notification.NewNotificationApi),
			AsRoute(automation.NewAutomationApi),
			AsRoute(webhook.NewWebhookApi),
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
		fx.Invoke(
			RegisterAllRoutesWithAnnotation,
			StartServer,
			StartRetrySweeper,
			InitializeIndexes,
			// Force construction of the fan-out dispatcher so mutation
			// handlers can resolve it
			func(*events.EventDispatcher) {},
		),
	)

	app.Run()
}
