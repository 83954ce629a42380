package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"espzb/internal/diag"
	"espzb/internal/flashstore"
	"espzb/internal/gateway"
	"espzb/internal/mqtt"
	"espzb/internal/phy"
	"espzb/internal/stack"
	"espzb/internal/zigbee"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Role string `yaml:"role"` // coordinator, router, end-device
	IEEE string `yaml:"ieee"` // 16 hex digits

	Network struct {
		Channel    uint8  `yaml:"channel"`
		PanID      uint16 `yaml:"pan_id"`
		ExtPanID   string `yaml:"extended_pan_id"`
		Key        string `yaml:"key"` // 32 hex digits; coordinator generates one when empty
		Security   bool   `yaml:"security"`
		MaxDevices int    `yaml:"max_devices"`
	} `yaml:"network"`

	Radio struct {
		Port     string `yaml:"port"`
		Baud     int    `yaml:"baud"`
		ResetPin int    `yaml:"reset_pin"` // GPIO pulsed before opening the port, 0 = none
	} `yaml:"radio"`

	Store struct {
		Path string `yaml:"path"`
		Size uint32 `yaml:"size"`
	} `yaml:"store"`

	Registry struct {
		Path string `yaml:"path"`
	} `yaml:"registry"`

	Diag struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"diag"`

	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		ClientID    string `yaml:"client_id"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.Radio.Port == "" {
		return fmt.Errorf("radio.port is required")
	}
	if c.IEEE == "" {
		return fmt.Errorf("ieee is required")
	}
	if !zigbee.ValidChannel(c.Network.Channel) {
		return fmt.Errorf("network.channel must be 11-26, got %d", c.Network.Channel)
	}
	if c.Network.PanID == 0 || c.Network.PanID == 0xFFFF {
		return fmt.Errorf("network.pan_id must not be 0x0000 or 0xFFFF")
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("espzb starting", "version", version)

	stackCfg, err := buildStackConfig(cfg)
	if err != nil {
		logger.Error("invalid network parameters", "err", err)
		os.Exit(1)
	}

	// Persistent store for network state and tables.
	flash, err := flashstore.OpenFileFlash(cfg.Store.Path, cfg.Store.Size)
	if err != nil {
		logger.Error("open flash store", "err", err)
		os.Exit(1)
	}
	defer flash.Close()
	store, err := flashstore.New(flash, 0, cfg.Store.Size, logger)
	if err != nil {
		logger.Error("init flash store", "err", err)
		os.Exit(1)
	}

	// Radio co-processor.
	if cfg.Radio.ResetPin > 0 {
		if err := phy.PulseResetPin(cfg.Radio.ResetPin, 100*time.Millisecond); err != nil {
			logger.Warn("radio reset pin", "err", err)
		}
	}
	radio, err := phy.OpenSerialRadio(cfg.Radio.Port, cfg.Radio.Baud, logger)
	if err != nil {
		logger.Error("open radio", "err", err)
		os.Exit(1)
	}
	defer radio.Close()

	st, err := stack.New(stackCfg, radio, store, logger)
	if err != nil {
		logger.Error("create stack", "err", err)
		os.Exit(1)
	}
	st.Start()

	// Device registry, kept current from stack events.
	registry, err := gateway.Open(cfg.Registry.Path, logger)
	if err != nil {
		logger.Error("open device registry", "err", err)
		os.Exit(1)
	}
	defer registry.Close()
	registry.Attach(st.Events())

	if err := bringUpNetwork(st, stackCfg.Role, logger); err != nil {
		logger.Error("bring up network", "err", err)
		os.Exit(1)
	}

	// Diagnostic HTTP/WebSocket server.
	var diagOpts []diag.Option
	if cfg.Diag.APIKey != "" {
		diagOpts = append(diagOpts, diag.WithAPIKey(cfg.Diag.APIKey))
	}
	if len(cfg.Diag.AllowedOrigins) > 0 {
		diagOpts = append(diagOpts, diag.WithAllowedOrigins(cfg.Diag.AllowedOrigins))
	}
	diagServer := diag.NewServer(st, registry, logger, diagOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Diag.Listen,
		Handler:      diagServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("diag server starting", "addr", cfg.Diag.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// MQTT bridge.
	var bridge *mqtt.Bridge
	if cfg.MQTT.Enabled {
		bridge, err = mqtt.NewBridge(st, registry, mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, logger)
		if err != nil {
			logger.Error("connect mqtt", "err", err)
			os.Exit(1)
		}
		bridge.Start()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if bridge != nil {
		bridge.Stop()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	diagServer.Stop()
	if err := st.Close(); err != nil {
		logger.Error("stack shutdown", "err", err)
	}

	logger.Info("goodbye")
}

// bringUpNetwork forms or joins depending on role, skipping nodes that
// restored an existing network from the store.
func bringUpNetwork(st *stack.Stack, role zigbee.Role, logger *slog.Logger) error {
	if info, ok := st.NetworkInfo(); ok {
		logger.Info("already on network", "pan", info.PANID, "short", info.ShortAddr)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if role == zigbee.RoleCoordinator {
		return st.FormNetwork(ctx)
	}
	return st.JoinNetwork(ctx)
}

func buildStackConfig(cfg *Config) (stack.Config, error) {
	role, err := parseRole(cfg.Role)
	if err != nil {
		return stack.Config{}, err
	}
	ieee, err := strconv.ParseUint(cfg.IEEE, 16, 64)
	if err != nil {
		return stack.Config{}, fmt.Errorf("parse ieee %q: %w", cfg.IEEE, err)
	}
	var extPan uint64
	if cfg.Network.ExtPanID != "" {
		extPan, err = strconv.ParseUint(cfg.Network.ExtPanID, 16, 64)
		if err != nil {
			return stack.Config{}, fmt.Errorf("parse extended_pan_id %q: %w", cfg.Network.ExtPanID, err)
		}
	}
	var key *[16]byte
	if cfg.Network.Key != "" {
		raw, err := hex.DecodeString(cfg.Network.Key)
		if err != nil || len(raw) != 16 {
			return stack.Config{}, fmt.Errorf("network.key must be 32 hex digits")
		}
		key = new([16]byte)
		copy(key[:], raw)
	}
	return stack.Config{
		Role:        role,
		IEEE:        zigbee.IEEEAddr(ieee),
		PANID:       zigbee.PANID(cfg.Network.PanID),
		ExtendedPAN: extPan,
		Channel:     cfg.Network.Channel,
		MaxDevices:  cfg.Network.MaxDevices,
		NetworkKey:  key,
		Security:    cfg.Network.Security,
	}, nil
}

func parseRole(s string) (zigbee.Role, error) {
	switch strings.ToLower(s) {
	case "coordinator", "":
		return zigbee.RoleCoordinator, nil
	case "router":
		return zigbee.RoleRouter, nil
	case "end-device", "end_device":
		return zigbee.RoleEndDevice, nil
	default:
		return 0, fmt.Errorf("unknown role %q (supported: coordinator, router, end-device)", s)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Diag.Listen == "" {
		cfg.Diag.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "espzb-flash.bin"
	}
	if cfg.Store.Size == 0 {
		cfg.Store.Size = 16 * flashstore.SectorSize
	}
	if cfg.Registry.Path == "" {
		cfg.Registry.Path = "espzb-devices.db"
	}
	if cfg.Radio.Baud == 0 {
		cfg.Radio.Baud = 460800
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "espzb"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
