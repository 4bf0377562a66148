package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ostapchuk/crmsync/internal/auth"
	"github.com/ostapchuk/crmsync/internal/config"
	"github.com/ostapchuk/crmsync/internal/crm"
	"github.com/ostapchuk/crmsync/internal/delta"
	"github.com/ostapchuk/crmsync/internal/httpapi"
	"github.com/ostapchuk/crmsync/internal/ledger"
	"github.com/ostapchuk/crmsync/internal/logging"
	"github.com/ostapchuk/crmsync/internal/publish"
	"github.com/ostapchuk/crmsync/internal/realtime"
	"github.com/ostapchuk/crmsync/internal/record"
	"github.com/ostapchuk/crmsync/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the push/pull sync server",
	Long: `Start the sync server.

Endpoints:
  /ws                WebSocket push channel (bearer token at handshake)
  /sync/{entity}     Cursor-delta pull endpoint
  /contacts, /tasks  Record write API feeding the engine
  /health            Health check

Clients connected over /ws join rooms derived from their role: admins join
the shared admin room, owners join their private owner room. Events dropped
while a client is away are recovered through /sync/{entity} with the client's
last cursor.

Example usage:
  crmsyncd serve                           # Port 8080, ./crmsync.db
  crmsyncd serve --port 9000 --db crm.db`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile, cmd.Flags())
		if err != nil {
			return err
		}

		logs := logging.NewFactory(logging.Options{
			File:       cfg.LogFile,
			MaxSizeMB:  cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
		})

		db, err := store.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer db.Close()

		if err := db.InitSchema(); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}

		verifier, err := auth.NewVerifier([]byte(cfg.JWTSecret))
		if err != nil {
			return err
		}

		audit := ledger.New(db.RawDB())
		registry := realtime.NewRegistry(logs.New("[realtime] "))
		publisher := publish.NewPublisher(registry, logs.New("[publish] "))

		contacts := crm.NewContacts(db, publisher, logs.New("[contacts] "))
		tasks := crm.NewTasks(db, publisher, logs.New("[tasks] "))

		syncSvc := delta.NewService(map[string]delta.Source{
			record.EntityContact: db.ContactSource(),
			record.EntityTask:    db.TaskSource(),
		}, audit, logs.New("[delta] "))
		syncHandler := delta.NewHandler(syncSvc, verifier, logs.New("[delta] "))

		api := httpapi.New(contacts, tasks, syncHandler, verifier, logs.New("[api] "))

		server := realtime.NewServer(&realtime.Config{
			Port:   cfg.Port,
			Logger: logs.New("[server] "),
		}, registry, verifier, api)

		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}

		fmt.Printf("Sync server started on http://%s\n", server.Addr())
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", server.Addr())
		fmt.Printf("Pull endpoint: http://%s/sync/{entity}\n", server.Addr())
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		<-ctx.Done()

		fmt.Println("\nShutting down...")
		if err := server.Stop(); err != nil {
			return fmt.Errorf("error during shutdown: %w", err)
		}

		fmt.Println("Server stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	serveCmd.Flags().String("db", "crmsync.db", "Path to the sqlite database")

	rootCmd.AddCommand(serveCmd)
}
