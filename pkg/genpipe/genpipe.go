// Package genpipe provides the public API for embedding the pipeline
// supervisor. This is the stable API for external consumers.
package genpipe

import (
	"github.com/tjfontaine/genpipe/internal/runtime"
)

// Service runs the supervisor and its HTTP API.
// See internal/runtime.Service for full documentation.
type Service = runtime.Service

// Option is a functional option for configuring a Service.
type Option = runtime.Option

// New creates a new Service with the given options.
// Example:
//
//	svc, err := genpipe.New(
//	    genpipe.WithFileConfig("config.yaml"),
//	    genpipe.WithSQLite("./data/genpipe.db"),
//	)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig     = runtime.WithFileConfig
	WithConfigProvider = runtime.WithConfigProvider

	// Storage
	WithSQLite      = runtime.WithSQLite
	WithPostgres    = runtime.WithPostgres
	WithMemoryStore = runtime.WithMemoryStore
	WithStore       = runtime.WithStore

	// Pipeline collaborators
	WithSteps           = runtime.WithSteps
	WithResourceLoaders = runtime.WithResourceLoaders
	WithJudge           = runtime.WithJudge
	WithArtifacts       = runtime.WithArtifacts

	// Advanced options
	WithLogger = runtime.WithLogger
	WithClock  = runtime.WithClock
)
