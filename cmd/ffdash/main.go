package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tazhate/ffdash/config"
	"github.com/tazhate/ffdash/internal/agent"
	"github.com/tazhate/ffdash/internal/api"
	"github.com/tazhate/ffdash/internal/bot"
	"github.com/tazhate/ffdash/internal/clients/caldav"
	"github.com/tazhate/ffdash/internal/delivery"
	"github.com/tazhate/ffdash/internal/metrics"
	"github.com/tazhate/ffdash/internal/monitor"
	"github.com/tazhate/ffdash/internal/scheduler"
	"github.com/tazhate/ffdash/internal/service"
	"github.com/tazhate/ffdash/internal/storage"
)

const Version = "1.4.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "ffdash",
		Short:         "FF Dashboard reminders",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("FFDASH_CONFIG"), "Config file path (YAML)")

	load := func() (*config.Config, error) {
		return config.LoadFile(configPath)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the dashboard API and the reminder sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "agent",
		Short: "Run the local reminder agent next to the dashboard page",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runAgent(cfg)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "monitor",
		Short: "Watch the API health endpoint and alert the channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runMonitor(cfg)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ffdash %s\n", Version)
		},
	})

	return cmd
}

// signalContext отменяется по SIGINT/SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serve(cfg *config.Config) error {
	if err := cfg.ValidateServer(); err != nil {
		return err
	}

	// Инициализация storage
	store, err := storage.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	defer store.Close()

	// Инициализация сервисов
	reminderSvc := service.NewReminderService(store)
	leadSvc := service.NewLeadService(store)

	var caldavClient *caldav.Client
	if cfg.CalDAVConfigured() {
		caldavClient = caldav.NewClient(cfg.CalDAVURL, cfg.CalDAVUsername, cfg.CalDAVPassword)
	}
	calendarSvc := service.NewCalendarService(caldavClient, leadSvc, cfg.Timezone)
	calendarSvc.SetSettings(store)

	ctx, cancel := signalContext()
	defer cancel()

	// Зеркало в CalDAV не обязательно: без него работает только .ics
	if calendarSvc.IsConfigured() {
		if err := calendarSvc.Connect(ctx, cfg.CalDAVCalendar); err != nil {
			log.Printf("CalDAV mirror disabled: %v", err)
		} else {
			reminderSvc.SetMirror(calendarSvc)
		}
	}

	channel := bot.NewChannel(cfg.TelegramToken, cfg.TelegramChatID, cfg.TelegramEndpoint)
	if !channel.IsConfigured() {
		log.Println("Telegram channel not configured, the sweep will only mark reminders")
	}
	sweep := scheduler.New(cfg, reminderSvc, delivery.New(metrics.PathSweep, nil, channel, leadSvc))

	server := api.NewServer(cfg, reminderSvc, leadSvc, calendarSvc, store)

	// Запуск scheduler в горутине
	go func() {
		if err := sweep.Start(ctx); err != nil {
			log.Printf("Scheduler error: %v", err)
			cancel()
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	log.Println("FF Dashboard API started")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		cancel()
	}

	log.Println("Shutting down...")
	sweep.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Printf("Error stopping API: %v", err)
	}
	calendarSvc.Wait()

	log.Println("FF Dashboard API stopped")
	return runErr
}

func runAgent(cfg *config.Config) error {
	if err := cfg.ValidateAgent(); err != nil {
		return err
	}

	a, err := agent.New(cfg)
	if err != nil {
		return fmt.Errorf("init agent: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	err = a.Run(ctx)
	cancel()
	a.Stop()
	return err
}

func runMonitor(cfg *config.Config) error {
	if err := cfg.ValidateMonitor(); err != nil {
		return err
	}

	channel := bot.NewChannel(cfg.TelegramToken, cfg.TelegramChatID, cfg.TelegramEndpoint)
	m := monitor.New(cfg, channel)

	ctx, cancel := signalContext()
	defer cancel()

	err := m.Start(ctx)
	m.Stop()
	return err
}
