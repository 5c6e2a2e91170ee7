package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/devbis/template-water-heater/internal/api"
	"github.com/devbis/template-water-heater/internal/config"
	"github.com/devbis/template-water-heater/internal/ha"
	"github.com/devbis/template-water-heater/internal/mqtt"
	"github.com/devbis/template-water-heater/internal/waterheater"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	haURL := os.Getenv("HA_URL")
	haToken := os.Getenv("HA_TOKEN")
	readOnly := os.Getenv("READ_ONLY") == "true"

	configFile := os.Getenv("CONFIG_FILE")
	if configFile == "" {
		configFile = "water_heater.yaml"
	}

	port := 8080
	if p := os.Getenv("PORT"); p != "" {
		parsed, err := strconv.Atoi(p)
		if err != nil {
			logger.Fatal("Invalid PORT value", zap.String("port", p))
		}
		port = parsed
	}

	if haURL == "" || haToken == "" {
		logger.Fatal("HA_URL and HA_TOKEN environment variables must be set")
	}

	logger.Info("Starting Template Water Heater",
		zap.String("url", haURL),
		zap.String("config", configFile),
		zap.Bool("read_only", readOnly))

	// Load water heater definitions
	cfg, err := config.Load(configFile, logger)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Connect to Home Assistant
	haClient := ha.NewClient(haURL, haToken, logger)
	if err := haClient.Connect(); err != nil {
		logger.Fatal("Failed to connect to Home Assistant", zap.Error(err))
	}
	defer haClient.Disconnect()

	// Connect to the MQTT broker
	mqttClient := mqtt.NewClient(cfg.MQTT, logger)
	if err := mqttClient.Connect(); err != nil {
		logger.Fatal("Failed to connect to MQTT broker", zap.Error(err))
	}
	defer mqttClient.Disconnect()

	// Create and start the water heaters
	heaters := make([]*waterheater.Heater, 0, len(cfg.WaterHeaters))
	for _, whCfg := range cfg.WaterHeaters {
		heater := waterheater.New(whCfg, haClient, mqttClient, logger, readOnly)

		if err := heater.Start(); err != nil {
			logger.Fatal("Failed to start water heater",
				zap.String("name", whCfg.Name),
				zap.Error(err))
		}
		defer heater.Stop()

		if err := mqttClient.RegisterWaterHeater(heater); err != nil {
			logger.Fatal("Failed to register water heater over MQTT",
				zap.String("name", whCfg.Name),
				zap.Error(err))
		}

		heaters = append(heaters, heater)
	}

	// Start the status API
	server := api.NewServer(heaters, logger, port)
	server.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("API server shutdown failed", zap.Error(err))
		}
	}()

	if readOnly {
		logger.Info("Running in READ-ONLY mode - commands will not be forwarded")
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Water heaters running", zap.Int("count", len(heaters)))

	// Wait for shutdown signal
	<-sigChan

	logger.Info("Shutting down gracefully...")
}
