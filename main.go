package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"videoCaption/config"
	"videoCaption/logging"
	"videoCaption/processors"
	"videoCaption/server"
	"videoCaption/storage"
)

func main() {
	godotenv.Load()
	logging.Init(os.Getenv("LOG_LEVEL") == "debug")
	log := logging.WithComponent("main")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.UploadDir).Msg("create upload dir")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	records, index, closeStores := storage.Open(ctx, cfg, cfg.ModelConfig().FeatureDim, log)
	cancel()
	defer closeStores()

	captioner, err := processors.NewCaptioner(cfg, logging.WithComponent("captioner"))
	if err != nil {
		log.Fatal().Err(err).Msg("init captioner")
	}
	log.Info().Str("provider", captioner.Name()).Bool("mock", captioner.Mock()).Msg("caption provider ready")

	srv := server.New(cfg, captioner, records, index)
	addr := ":" + cfg.Port
	log.Info().Str("addr", addr).Msg("listening")
	if err := http.ListenAndServe(addr, srv.Routes()); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
