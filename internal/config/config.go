package config

import (
	"flag"
	"os"

	handlerConfig "github.com/absfi/presale/internal/handler/config"
	loggerConfig "github.com/absfi/presale/internal/logger/config"
	serviceConfig "github.com/absfi/presale/internal/service/config"
	storeConfig "github.com/absfi/presale/internal/store/config"
)

type Config struct {
	Handler handlerConfig.Config
	Service serviceConfig.Config
	Store   storeConfig.Config
	Logger  loggerConfig.Config
}

func GetConfig() Config {
	var cfg Config

	flag.StringVar(&cfg.Handler.ServerAddr, "a", ":8080", "server address")
	flag.StringVar(&cfg.Store.DBDsn, "d", "", "database dsn (empty = in-memory store)")
	flag.StringVar(&cfg.Service.FactoryAddr, "f", "", "token factory address")
	flag.StringVar(&cfg.Service.AdminAccount, "admin", "", "admin account code")
	flag.StringVar(&cfg.Logger.LogLevel, "l", "info", "log level")
	flag.Parse()

	// environment overrides flags
	if addr, ok := os.LookupEnv("RUN_ADDRESS"); ok {
		cfg.Handler.ServerAddr = addr
	}
	if dsn, ok := os.LookupEnv("DATABASE_URI"); ok {
		cfg.Store.DBDsn = dsn
	}
	if factory, ok := os.LookupEnv("TOKEN_FACTORY_ADDRESS"); ok {
		cfg.Service.FactoryAddr = factory
	}
	if admin, ok := os.LookupEnv("ADMIN_ACCOUNT"); ok {
		cfg.Service.AdminAccount = admin
	}
	if lvl, ok := os.LookupEnv("LOG_LEVEL"); ok {
		cfg.Logger.LogLevel = lvl
	}

	return cfg
}
