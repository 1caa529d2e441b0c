package main

import (
	"log"

	"github.com/absfi/presale/internal/auth"
	"github.com/absfi/presale/internal/config"
	"github.com/absfi/presale/internal/handler"
	"github.com/absfi/presale/internal/logger"
	"github.com/absfi/presale/internal/service"
	"github.com/absfi/presale/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg := config.GetConfig()

	zaplog, err := logger.NewZapLog(cfg.Logger)
	if err != nil {
		return err
	}

	var st store.Store
	if cfg.Store.DBDsn == "" {
		st = store.NewMemStore()
	} else {
		st, err = store.NewStore(cfg.Store)
		if err != nil {
			return err
		}
	}

	auth := auth.NewAuth(st)
	service := service.NewService(cfg.Service, st, zaplog)

	return handler.Serve(cfg.Handler, auth, service, zaplog)
}
