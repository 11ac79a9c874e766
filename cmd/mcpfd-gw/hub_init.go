package main

import (
	"log/slog"

	"github.com/kstaniek/go-mcpfd/internal/hub"
)

// initHub builds the broadcast hub; cfg is already validated.
func initHub(cfg *appConfig, l *slog.Logger) *hub.Hub {
	h := hub.New()
	h.OutBufSize = cfg.hubBuffer
	h.Policy, _ = hub.ParsePolicy(cfg.hubPolicy)
	l.Info("hub_config", "policy", h.Policy.String(), "buffer", h.OutBufSize, "error_frames", cfg.errFrames)
	return h
}
