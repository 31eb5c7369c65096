package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/phira-community/phira-mp-server/internal/admin"
	"github.com/phira-community/phira-mp-server/internal/ban"
	"github.com/phira-community/phira-mp-server/internal/config"
	"github.com/phira-community/phira-mp-server/internal/identity"
	"github.com/phira-community/phira-mp-server/internal/logging"
	"github.com/phira-community/phira-mp-server/internal/observer"
	"github.com/phira-community/phira-mp-server/internal/room"
	"github.com/phira-community/phira-mp-server/internal/server"
	"github.com/phira-community/phira-mp-server/internal/session"
)

const version = "0.4.0"

func main() {
	configPath := flag.String("config", "config.yml", "path to the YAML configuration file")
	development := flag.Bool("dev", false, "development mode: console logging, gin debug")
	flag.Parse()

	// Local development convenience; production deploys set real env vars.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.Logging.Level, *development); err != nil {
		fmt.Fprintln(os.Stderr, "logger init:", err)
		os.Exit(1)
	}
	if !*development {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info(ctx, "starting phira-mp server",
		zap.String("version", version), zap.Any("config", cfg.Redacted()))

	audit, err := logging.NewAudit(cfg.AuditLogDir)
	if err != nil {
		logging.Error(ctx, "audit log setup failed", zap.Error(err))
		os.Exit(1)
	}
	audit.Server("server starting version=%s", version)

	// --- Wiring ---
	table := session.NewTable()
	gw := server.NewGateway(table)
	rooms := room.NewRegistry(gw, room.Options{
		DefaultCapacity: uint8(cfg.RoomSize),
		ReconnectGrace:  time.Duration(cfg.Room.ReconnectGraceSeconds) * time.Second,
	})
	bans := ban.NewRegistry(cfg.BanIDWhitelist, cfg.BanIPWhitelist, audit)
	bans.SetTerminator(table)

	idc := identity.NewClient(cfg.PhiraAPIURL, cfg.DefaultAvatar)
	dispatcher := server.NewDispatcher(idc, bans, table, rooms, gw,
		cfg.ServerName, cfg.ServerAnnouncement, logging.NewSilencer(cfg.SilentPhiraIDs))

	hub := observer.NewHub(server.NewDirectory(cfg.ServerName, table, rooms))
	gw.SetNotify(hub.Invalidate)

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Protocol.TCP {
		tcp := server.New(
			fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			cfg.UseProxyProtocol,
			dispatcher,
			table,
			session.Config{MaxFrame: cfg.MaxFrameSize},
		)
		g.Go(func() error { return tcp.Run(ctx) })
	} else {
		logging.Warn(ctx, "tcp transport disabled by configuration; no game clients can connect")
	}

	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})

	if cfg.EnableWebServer {
		router := admin.New(rooms, table, bans, hub, audit, cfg.AdminToken, nil)
		web := &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.WebPort),
			Handler: router.Handler(),
		}
		g.Go(func() error {
			logging.Info(ctx, "web server listening", zap.String("addr", web.Addr))
			if err := web.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return web.Shutdown(shutdownCtx)
		})
	}

	if cfg.EnableUpdateCheck {
		go checkForUpdate(ctx)
	}

	err = g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	rooms.Shutdown(drainCtx, "server shutting down")
	cancel()
	audit.Server("server stopped")

	if err != nil {
		logging.Error(context.Background(), "server exited with error", zap.Error(err))
		os.Exit(1)
	}
	logging.Info(context.Background(), "server exiting")
}

// checkForUpdate asks GitHub for the latest release tag and logs when a
// newer build is available. Purely informational.
func checkForUpdate(ctx context.Context) {
	const releasesURL = "https://api.github.com/repos/phira-community/phira-mp-server/releases/latest"

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, releasesURL, nil)
	if err != nil {
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		logging.Debug(ctx, "update check failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}

	var release struct {
		TagName string `json:"tag_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return
	}
	if release.TagName != "" && release.TagName != "v"+version {
		logging.Info(ctx, "a newer release is available",
			zap.String("current", version), zap.String("latest", release.TagName))
	}
}
