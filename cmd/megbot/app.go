package main

import (
	"fmt"
	"log/slog"

	"github.com/megbot-dev/megbot/pkg/chat"
	"github.com/megbot-dev/megbot/pkg/config"
	"github.com/megbot-dev/megbot/pkg/gateway"
	"github.com/megbot-dev/megbot/pkg/vault"
)

// app holds the pieces shared by serve and chat.
type app struct {
	gateway *gateway.Gateway
	vault   *vault.Vault
	chat    *chat.Service
}

func newApp(cfg *config.Config, log *slog.Logger) (*app, error) {
	key, source, err := vault.ResolveKey(cfg.Vault)
	if err != nil {
		return nil, fmt.Errorf("vault key: %w", err)
	}
	switch source {
	case vault.SourceEphemeral:
		log.Warn("no vault key configured; saved API keys will not survive a restart")
	case vault.SourceGenerated:
		log.Info("generated vault key", "file", cfg.Vault.KeyFile)
	default:
		log.Debug("vault key loaded", "source", source)
	}

	v, err := vault.New(key)
	if err != nil {
		return nil, err
	}

	catalog := cfg.Catalog()
	gw := gateway.New(catalog, gateway.Options{
		ServerKeys:  cfg.APIKeys.ByProvider(),
		BaseURLs:    cfg.Gateway.BaseURLs,
		Timeout:     cfg.Gateway.Timeout,
		MaxTokens:   cfg.Chat.MaxTokens,
		Temperature: cfg.Gateway.Temperature,
		Logger:      log,
	})

	return &app{
		gateway: gw,
		vault:   v,
		chat:    chat.NewService(cfg.Chat, catalog, gw, v, log),
	}, nil
}
