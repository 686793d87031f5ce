// Command m360d is the Monitor360 monitoring daemon: it loads tenant
// devices, monitors, and sensors from Postgres, runs every sensor's
// poll loop, evaluates alerts, fans results out over WebSocket, and
// serves the tenant-facing HTTP API — all in one process, the same way
// bamgate's "up" command wires internal/agent and runs it to
// completion under signal.NotifyContext.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuuji/monitor360/internal/alerts"
	"github.com/kuuji/monitor360/internal/authn"
	m360config "github.com/kuuji/monitor360/internal/config"
	"github.com/kuuji/monitor360/internal/events"
	"github.com/kuuji/monitor360/internal/history"
	"github.com/kuuji/monitor360/internal/httpapi"
	"github.com/kuuji/monitor360/internal/netadmin"
	"github.com/kuuji/monitor360/internal/qrpairing"
	"github.com/kuuji/monitor360/internal/reachability"
	"github.com/kuuji/monitor360/internal/routeros"
	"github.com/kuuji/monitor360/internal/rotation"
	"github.com/kuuji/monitor360/internal/sensors"
	"github.com/kuuji/monitor360/internal/store"
	"github.com/kuuji/monitor360/internal/vpn"
	"github.com/kuuji/monitor360/internal/wgpeer"
	"github.com/kuuji/monitor360/internal/wsfanout"
)

// qrSessionTTL is spec.md §3's QR_SESSION_TTL.
const qrSessionTTL = 300 * time.Second

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "m360d",
	Short: "Monitor360 monitoring daemon",
	RunE:  runServe,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to config file (default: $M360_CONFIG_FILE or /etc/monitor360/config.toml)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	if configPath != "" {
		os.Setenv("M360_CONFIG_FILE", configPath)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := m360config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("assembling daemon: %w", err)
	}
	defer d.shutdown(context.Background())

	if err := d.startAll(ctx); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	logger.Info("m360d started", "addr", cfg.ListenAddr)
	<-ctx.Done()
	logger.Info("m360d shutting down")
	return nil
}

// daemon holds every long-lived collaborator, assembled once at startup
// and torn down once at shutdown, mirroring bamgate's internal/agent.Agent
// holding one field per subsystem.
type daemon struct {
	cfg   *m360config.Config
	log   *slog.Logger
	db    *store.Pool
	pool  *routeros.Pool
	hub   *wsfanout.Hub
	sched *sensors.Scheduler
	qr    *qrpairing.Store
	http  *httpapi.Server
}

func newDaemon(ctx context.Context, cfg *m360config.Config, logger *slog.Logger) (*daemon, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	verifier, err := authn.NewVerifier(ctx, authn.Options{
		HMACSecret: cfg.SupabaseJWTSecret,
		JWKSURL:    jwksURL(cfg.SupabaseURL),
	})
	if err != nil {
		return nil, fmt.Errorf("building jwt verifier: %w", err)
	}

	runner := netadmin.DefaultRunner(logger)
	vpnManager := vpn.NewManager(runner, vpnWorkDir(), logger)
	routerPool := routeros.NewPool(routeros.DefaultDialer, routeros.DefaultPort)

	loginProbe := func(ctx context.Context, deviceIP string, cred routeros.Credential) error {
		client, err := routeros.DefaultDialer(ctx, deviceIP, routeros.DefaultPort, cred)
		if err != nil {
			return err
		}
		return client.Close()
	}

	hub := wsfanout.NewHub(verifier, db, logger)
	rotationBridge := events.NewRotationBridge(db, hub, logger)
	rotator := rotation.NewRotator(db, rotationBridge, loginProbe, routerPool.Invalidate, logger)
	sessions := sensors.NewPoolSessionProvider(routerPool, rotator)

	alertEngine := alerts.NewEngine(alerts.LoggingNotifier{}, db, logger)

	scheduler := sensors.NewScheduler(sensors.Deps{
		Store:       db,
		Sessions:    sessions,
		VPN:         events.SensorVPNManager{Manager: vpnManager},
		LoadProfile: db.VPNProfileForSensor,
		Alerts:      alertEngine,
		Broadcast:   hub,
		Kinds:       sensors.NewKindDetector(),
		Logger:      logger,
	})

	prober := reachability.NewProber(
		events.ReachabilityVPNManager{Manager: vpnManager},
		db.VPNProfileForReachability,
		db,
		routeros.DefaultDialer,
		runner,
	)

	registrar := wgpeer.NewRegistrar(db, runner, wgpeer.Options{
		PoolCIDR:        cfg.WGPoolCIDR,
		ServerInterface: cfg.WGInterface,
		ServerPublicKey: cfg.WGServerPublicKey,
		EndpointHost:    cfg.WGEndpointHost,
		EndpointPort:    cfg.WGEndpointPort,
		DNSDefault:      cfg.WGDNSDefault,
	})

	qr := qrpairing.NewStore(cfg.FrontendBaseURL, qrSessionTTL)
	aggregator := history.NewAggregator(history.NewPGStore(db.DB))

	httpServer := httpapi.NewServer(httpapi.Deps{
		Store:     db,
		Verifier:  verifier,
		Hub:       hub,
		History:   aggregator,
		Registrar: registrar,
		Prober:    prober,
		QR:        qr,
		Log:       logger,
	})

	return &daemon{
		cfg:   cfg,
		log:   logger,
		db:    db,
		pool:  routerPool,
		hub:   hub,
		sched: scheduler,
		qr:    qr,
		http:  httpServer,
	}, nil
}

// startAll loads every tenant's persisted sensors and starts a worker for
// each, then starts the HTTP listener, per spec.md §5's startup ordering.
func (d *daemon) startAll(ctx context.Context) error {
	rows, err := d.db.ListAllSensors(ctx)
	if err != nil {
		d.log.Warn("listing sensors at startup failed; starting with none", "error", err)
		rows = nil
	}

	for _, row := range rows {
		d.sched.Start(ctx, sensors.Sensor{
			ID:        row.ID,
			MonitorID: row.MonitorID,
			Type:      sensors.Type(row.Type),
			Name:      row.Name,
			Config:    row.Config,
			OwnerID:   row.OwnerID,
		})
	}

	return d.http.Start(d.cfg.ListenAddr)
}

// shutdown tears every subsystem down in reverse dependency order, per
// spec.md §5: stop serving new work first, then let in-flight workers
// release their VPN/session state, then close the database last.
func (d *daemon) shutdown(ctx context.Context) {
	if err := d.http.Stop(ctx); err != nil {
		d.log.Error("stopping http server", "error", err)
	}
	d.sched.StopAll()
	d.qr.Close()
	d.pool.CloseAll()
	d.db.Close()
}

func jwksURL(supabaseURL string) string {
	if supabaseURL == "" {
		return ""
	}
	return supabaseURL + "/auth/v1/.well-known/jwks.json"
}

func vpnWorkDir() string {
	if dir := os.Getenv("M360_VPN_WORKDIR"); dir != "" {
		return dir
	}
	return "/var/lib/monitor360/vpn"
}
