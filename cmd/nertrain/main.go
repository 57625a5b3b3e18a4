package main

import (
	"flag"

	"go.uber.org/zap"

	nertrain "github.com/nertrain/nertrain"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the run configuration")
	bertPath := flag.String("bert", "bert-base-chinese.pth", "pretrained encoder weights")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := nertrain.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	// The entry point is the one place that injects the pretrained weight
	// path into the otherwise read-only configuration.
	if cfg.BertPath == "" {
		cfg.BertPath = *bertPath
	}

	if _, _, err := nertrain.Train(cfg, logger); err != nil {
		logger.Fatal("training failed", zap.Error(err))
	}
}
