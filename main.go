// TalonWatch — self-hosted host monitoring panel with traffic accounting and alerts.
// Author: vesaa | License: MIT | https://github.com/vesaa/talonwatch
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/vesaa/talonwatch/internal/agent"
	"github.com/vesaa/talonwatch/internal/config"
	"github.com/vesaa/talonwatch/internal/hub"
	"github.com/vesaa/talonwatch/internal/instrument"
	"github.com/vesaa/talonwatch/internal/models"
	"github.com/vesaa/talonwatch/internal/notify"
	"github.com/vesaa/talonwatch/internal/server"
	"github.com/vesaa/talonwatch/internal/store"
	"github.com/vesaa/talonwatch/internal/traffic"
	"github.com/vesaa/talonwatch/internal/uptime"
)

const asciiLogo = `
 ████████╗ █████╗ ██╗      ██████╗ ███╗   ██╗██╗    ██╗ █████╗ ████████╗ ██████╗██╗  ██╗
 ╚══██╔══╝██╔══██╗██║     ██╔═══██╗████╗  ██║██║    ██║██╔══██╗╚══██╔══╝██╔════╝██║  ██║
    ██║   ███████║██║     ██║   ██║██╔██╗ ██║██║ █╗ ██║███████║   ██║   ██║     ███████║
    ██║   ██╔══██║██║     ██║   ██║██║╚██╗██║██║███╗██║██╔══██║   ██║   ██║     ██╔══██║
    ██║   ██║  ██║███████╗╚██████╔╝██║ ╚████║╚███╔███╔╝██║  ██║   ██║   ╚██████╗██║  ██║
    ╚═╝   ╚═╝  ╚═╝╚══════╝ ╚═════╝ ╚═╝  ╚═══╝ ╚══╝╚══╝ ╚═╝  ╚═╝   ╚═╝    ╚═════╝╚═╝  ╚═╝
`

const version = "v0.1.0"

func printBanner(mode string) {
	fmt.Print(asciiLogo + "\n")
	fmt.Printf("  ► TalonWatch %s  |  Author: vesaa  |  Mode: %s\n\n", version, mode)
}

func main() {
	root := &cobra.Command{
		Use:   "talonwatch",
		Short: "TalonWatch — self-hosted host monitoring panel",
		Long: `TalonWatch collects live telemetry from agents over a persistent socket,
accounts monthly traffic per billing cycle, computes uptime and sends alerts.`,
		SilenceUsage: true,
	}

	// ── server subcommand ─────────────────────────────────────────────────────
	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the TalonWatch server (dual-port: 6677 control + 1616 data)",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner("SERVER")
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return runServer(cmd.Context(), cfg)
		},
	}

	// ── agent subcommand ──────────────────────────────────────────────────────
	agentCmd := &cobra.Command{
		Use:   "agent",
		Short: "Start the TalonWatch agent on this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner("AGENT")
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			// CLI flags override config values.
			if url, _ := cmd.Flags().GetString("server"); url != "" {
				cfg.AgentServerURL = url
			}
			if id, _ := cmd.Flags().GetUint("machine"); id != 0 {
				cfg.AgentMachineID = id
			}
			if key, _ := cmd.Flags().GetString("key"); key != "" {
				cfg.AgentKey = key
			}
			if cfg.AgentMachineID == 0 || cfg.AgentKey == "" {
				return errors.New("agent needs a machine id and key (see `talonwatch machine add`)")
			}

			fmt.Printf("  ✓ Server:  %s\n", cfg.AgentServerURL)
			fmt.Printf("  ✓ Machine: %d\n\n", cfg.AgentMachineID)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return agent.New(agent.Options{
				ServerURL: cfg.AgentServerURL,
				MachineID: cfg.AgentMachineID,
				Key:       cfg.AgentKey,
			}).Run(ctx)
		},
	}
	agentCmd.Flags().String("server", "", "Data-plane socket URL, e.g. ws://192.168.1.1:1616/ws/agent")
	agentCmd.Flags().Uint("machine", 0, "Machine id issued by `machine add` (overrides config)")
	agentCmd.Flags().String("key", "", "Agent key issued by `machine add` (overrides config)")

	// ── machine subcommand ────────────────────────────────────────────────────
	machineCmd := &cobra.Command{
		Use:   "machine",
		Short: "Manage monitored machines",
	}
	addCmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a machine and print its agent key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			anchor, _ := cmd.Flags().GetInt("anchor-day")
			expiresRaw, _ := cmd.Flags().GetString("expires")

			st, err := store.Open(cfg)
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer st.Close()

			m, key, err := addMachine(cmd.Context(), st, args[0], anchor, expiresRaw)
			if err != nil {
				return err
			}
			fmt.Printf("  ✓ Machine %q created\n", m.Name)
			fmt.Printf("  ✓ Machine id: %d\n", m.ID)
			fmt.Printf("  ✓ Agent key:  %s  (shown once)\n", key)
			return nil
		},
	}
	addCmd.Flags().Int("anchor-day", 0, "Billing anchor day 1-31 (0 = use the global default)")
	addCmd.Flags().String("expires", "", "Service expiry date, YYYY-MM-DD (UTC)")
	machineCmd.AddCommand(addCmd)

	// ── version subcommand ────────────────────────────────────────────────────
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print TalonWatch version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("TalonWatch %s  |  Author: vesaa\n", version)
		},
	}

	root.AddCommand(serverCmd, agentCmd, machineCmd, versionCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(parent context.Context, cfg *config.Config) error {
	st, err := store.Open(cfg)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := instrument.New(reg)

	resolve := func(ctx context.Context) config.Resolver {
		r, err := config.LoadResolver(ctx, cfg, st)
		if err != nil {
			log.Printf("[config] reading settings: %v", err)
		}
		return r
	}

	acct := traffic.New(st, func(ctx context.Context, explicit int) int {
		return resolve(ctx).AnchorDay(explicit)
	})
	h := hub.New(hub.Options{
		Store:       st,
		Traffic:     acct,
		Limiter:     hub.NewLimiter(nil, cfg.HelloRateRPS, cfg.HelloRateBurst),
		Metrics:     metrics,
		IntervalSec: cfg.AgentInterval,
	})

	var sender notify.Sender
	if cfg.NotifierConfigured() {
		sender = notify.NewTelegram(cfg.TelegramAPIBase, cfg.TelegramToken, cfg.TelegramChatID)
	}
	engine := notify.NewEngine(notify.Options{
		Store:  st,
		Sender: sender,
		Policy: func(ctx context.Context) notify.Policy {
			r := resolve(ctx)
			return notify.Policy{
				OfflineAfter:  r.OfflineAfter(0),
				NotifyOffline: r.NotifyOffline(),
				NotifyOnline:  r.NotifyOnline(),
				NotifyExpiry:  r.NotifyExpiry(),
				WarnDays:      r.ExpiryWarnDays(),
			}
		},
		Interval: time.Duration(cfg.NotifyInterval) * time.Second,
		Metrics:  metrics,
	})
	retention := &server.Retention{Pruner: st, Days: cfg.SampleRetentionDays, Metrics: metrics}

	srv := server.New(server.Options{
		Config:   cfg,
		Store:    st,
		Traffic:  acct,
		Uptime:   uptime.NewService(st, nil),
		Hub:      h,
		Auth:     server.NewAuth(cfg.JWTSecret, cfg.AdminUser, cfg.AdminPass, nil),
		Gatherer: reg,
	})

	gin.SetMode(gin.ReleaseMode)
	corsMiddleware := func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}

	// ── Control-plane engine (6677) ────────────────────────────────────────
	ctrlEngine := gin.New()
	ctrlEngine.Use(gin.Recovery(), corsMiddleware)
	srv.RegisterControlRoutes(ctrlEngine)

	// ── Data-plane engine (1616) ───────────────────────────────────────────
	dataEngine := gin.New()
	dataEngine.Use(gin.Recovery())
	srv.RegisterDataRoutes(dataEngine)

	ctrlAddr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ControlPort)
	dataAddr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.DataPort)

	fmt.Printf("  ✓ Control plane (JWT API + viewer socket) → http://%s\n", ctrlAddr)
	fmt.Printf("  ✓ Data    plane (agent socket)            → ws://%s/ws/agent\n", dataAddr)
	fmt.Printf("  ✓ Default login: %s\n", cfg.AdminUser)
	if sender == nil {
		fmt.Printf("  ✓ Alerts: disabled (no Telegram token/chat configured)\n\n")
	} else {
		fmt.Printf("  ✓ Alerts: Telegram chat %s\n\n", cfg.TelegramChatID)
	}

	ctrlSrv := &http.Server{Addr: ctrlAddr, Handler: ctrlEngine}
	dataSrv := &http.Server{Addr: dataAddr, Handler: dataEngine}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	listen := func(s *http.Server) func() error {
		return func() error {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}
	}
	g.Go(listen(ctrlSrv))
	g.Go(listen(dataSrv))
	g.Go(func() error { return engine.Run(ctx) })
	g.Go(func() error { return retention.Run(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		fmt.Println("\n  → Shutting down gracefully…")
		server.Shutdown(ctrlSrv, 5*time.Second)
		server.Shutdown(dataSrv, 5*time.Second)
		return nil
	})
	return g.Wait()
}

// addMachine creates a machine with a fresh random agent key. Only the bcrypt
// hash is stored; the plaintext key is returned once.
func addMachine(ctx context.Context, st *store.Store, name string, anchorDay int, expires string) (*models.Machine, string, error) {
	if anchorDay < 0 || anchorDay > 31 {
		return nil, "", fmt.Errorf("anchor day %d out of range 1-31", anchorDay)
	}
	m := &models.Machine{Name: name, BillingAnchorDay: anchorDay}
	if expires != "" {
		t, err := time.Parse(time.DateOnly, expires)
		if err != nil {
			return nil, "", fmt.Errorf("parsing --expires: %w", err)
		}
		m.ExpiresAt = &t
	}

	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return nil, "", fmt.Errorf("generating key: %w", err)
	}
	key := hex.EncodeToString(buf)
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hashing key: %w", err)
	}
	m.AgentKeyHash = string(hash)

	if err := st.CreateMachine(ctx, m); err != nil {
		return nil, "", fmt.Errorf("creating machine: %w", err)
	}
	return m, key, nil
}
