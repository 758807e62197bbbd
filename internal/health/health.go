// Package health exposes a liveness endpoint for the process
// supervisor: reachability of the source database and replication
// staleness. The remote-control surface (pause/resume/metrics) this
// endpoint could otherwise belong to is out of scope.
package health

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Pool is the slice of pgxpool.Pool the health check needs.
type Pool interface {
	Ping(ctx context.Context) error
}

// StalenessChecker reports how long it has been since the replicator
// last heard from the source.
type StalenessChecker interface {
	TimeSinceLastMessage() time.Duration
}

// StaleAfter is how long without a message from the source before the
// connection is considered stalled.
const StaleAfter = 30 * time.Second

// New builds a fiber app exposing GET /health.
func New(pool Pool, replicator StalenessChecker) *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Get("/health", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := pool.Ping(ctx); err != nil {
			c.Status(fiber.StatusInternalServerError)
			return err
		}

		if staleness := replicator.TimeSinceLastMessage(); staleness > StaleAfter {
			c.Status(fiber.StatusInternalServerError)
			return errors.New("replication connection stale")
		}

		return c.SendStatus(fiber.StatusOK)
	})

	return app
}
