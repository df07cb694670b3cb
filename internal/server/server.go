// Package server holds the wired-up dependencies every API handler needs.
package server

import (
	"github.com/hashicorp/go-hclog"

	"github.com/karstenhoffmann/nexus-os/internal/config"
	"github.com/karstenhoffmann/nexus-os/pkg/digest"
	"github.com/karstenhoffmann/nexus-os/pkg/embeddings"
	"github.com/karstenhoffmann/nexus-os/pkg/jobs"
	"github.com/karstenhoffmann/nexus-os/pkg/llm"
	"github.com/karstenhoffmann/nexus-os/pkg/prompts"
	"github.com/karstenhoffmann/nexus-os/pkg/store"
)

// Server contains the server configuration and shared services.
type Server struct {
	// Config is the process configuration.
	Config *config.Config

	// Store is the SQLite persistence layer.
	Store *store.Store

	// Embedder is the active embedding backend.
	Embedder embeddings.Provider

	// Chat is the chat-completion backend for digests.
	Chat llm.Provider

	// Prompts resolves prompt templates with user overrides.
	Prompts *prompts.Registry

	// Jobs tracks every background job in the process.
	Jobs *jobs.Registry

	// Fetch, Embed, Import and Pipeline run the background work.
	Fetch    *jobs.FetchManager
	Embed    *jobs.EmbedManager
	Import   *jobs.ImportManager
	Pipeline *jobs.PipelineManager

	// Digest generates reading digests.
	Digest *digest.Generator

	// Logger is the logger for the server.
	Logger hclog.Logger
}
