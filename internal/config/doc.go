// Package config provides centralized configuration management for the
// settlement daemon, covering the API surface, storage and event-queue
// backends, proof verification, chain endpoints and logging. Configuration is
// loaded from a JSON file with sensible defaults applied for omitted fields.
package config
