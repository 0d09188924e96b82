package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"coin_ledger/internal/config"
	"coin_ledger/internal/store/gormstore"
)

// Creates or updates the MySQL schema for every ledger table
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	s := gormstore.NewMySQL(cfg.DSN())
	if err := s.Open(ctx); err != nil {
		logrus.Fatalf("connect: %v", err)
	}
	defer s.Close()

	if err := s.Migrate(ctx); err != nil {
		logrus.Fatalf("migrate: %v", err)
	}
	logrus.WithField("database", cfg.DBName).Info("migration complete")
}
