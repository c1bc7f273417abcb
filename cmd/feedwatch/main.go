package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/massdialogue/massdialogue/config"
	"github.com/massdialogue/massdialogue/internal/clients"
	"github.com/massdialogue/massdialogue/internal/forum"
	"github.com/massdialogue/massdialogue/internal/logging"
)

// feedwatch runs the synchronizer against the live change feed and logs
// every view it derives, which is handy for watching reconciliation happen
// without a UI in front of it.
func main() {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "dev"
	}
	config.LoadEnv(env)
	logging.InitLogger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	realtime := clients.GetRealtimeClient()
	subscribe := func(ctx context.Context, table, filter string) (forum.Subscription, error) {
		return realtime.Subscribe(ctx, table, filter)
	}

	// No images are submitted from here, so no image store is wired.
	sync := forum.NewSynchronizer(clients.GetStoreClient(), subscribe, nil)

	views := sync.SubscribeViews()
	defer views.Cancel()
	go func() {
		for view := range views.C {
			top := ""
			if len(view) > 0 {
				top = view[0].Body
			}
			slog.Info("[feedwatch] View updated",
				slog.Int("posts", len(view)),
				slog.String("top", top))
		}
	}()

	if err := sync.Run(ctx); err != nil {
		slog.Error("[feedwatch] Synchronizer stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
