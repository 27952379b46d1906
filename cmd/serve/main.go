package main

import (
	"flag"
	"log"

	"github.com/danielpatrickdp/face-scorer/internal/config"
	"github.com/danielpatrickdp/face-scorer/internal/infer"
	"github.com/danielpatrickdp/face-scorer/internal/server"
)

// #region main
func main() {
	configPath := flag.String("config", config.EnvOr("FACE_SCORER_CONFIG", ""), "path to config YAML")
	addr := flag.String("addr", "", "listen address (overrides config)")
	ckptPath := flag.String("checkpoint", "", "checkpoint path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *addr != "" {
		cfg.Serve.Addr = *addr
	}
	if *ckptPath != "" {
		cfg.Data.CheckpointPath = *ckptPath
	}

	ctx := infer.NewContext(cfg.Data.CheckpointPath)
	// A missing checkpoint is not fatal: the service starts degraded and
	// flips healthy once training drops one in place.
	if err := ctx.Load(); err != nil {
		log.Printf("starting without a model: %v", err)
	}

	srv := server.New(ctx)
	log.Printf("listening on %s (checkpoint %s)", cfg.Serve.Addr, cfg.Data.CheckpointPath)
	if err := srv.Run(cfg.Serve.Addr); err != nil {
		log.Fatalf("serve: %v", err)
	}
}

// #endregion main
