package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/danshapiro/verdict/internal/archive"
	"github.com/danshapiro/verdict/internal/server"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP host",
		Long: `Run the HTTP host for one pipeline controller.

Endpoints:
  GET  /health                 liveness and current run status
  POST /documents              upload a deck (multipart "file") or {"path": ...}
  POST /runs                   start a run ({"document": ...} optional)
  GET  /runs/current           snapshot of the current run
  POST /runs/current/cancel    cancel the active run
  GET  /runs/history           archived decisions
  GET  /approvals/pending      the outstanding approval request
  POST /approvals/{id}         {"decision": "yes", "feedback": "..."}
  GET  /events                 Server-Sent Events, status snapshot first`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			store, err := archive.Open(cfg.Archive.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			logger := log.New(os.Stderr, "[verdict-engine] ", log.LstdFlags)
			ctl, err := buildController(cfg, store, logger)
			if err != nil {
				return err
			}
			srv := server.New(server.Config{
				Addr:      cfg.Server.Addr,
				UploadDir: cfg.Documents.UploadDir,
				History:   store,
			}, ctl)
			return srv.ListenAndServe()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "Listen address (overrides server.addr)")
	return cmd
}
