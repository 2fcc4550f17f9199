// Package config handles configuration loading for coven-inbox.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by extension)
// with environment variable expansion, duration parsing, defaults and
// validation.
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${COVEN_INBOX_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"    # control API, websocket stream
//	  grpc_addr: "0.0.0.0:50051"   # grpc health; empty disables it
//
//	database:
//	  dsn: "sqlite://coven-inbox.db"   # or memory:, postgres://...
//
//	sessions:
//	  event_buffer: 64
//	  store_timeout: "10s"
//	  dedupe_ttl: "10m"
//	  dedupe_size: 10000
//	  autostart: ["acme"]
//
//	whatsapp:
//	  enabled: true
//	  device_store: "whatsmeow.db"
//
//	matrix:
//	  enabled: false
//	  homeserver: "https://matrix.org"
//	  user_id: "@inbox:matrix.org"
//	  access_token: "${MATRIX_TOKEN}"
//
//	notify:
//	  amqp_url: "${AMQP_URL}"   # empty disables notifications
//	  exchange: "coven.inbox"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() rejects unparseable durations, a JWT secret shorter than 32 bytes,
// an enabled Matrix section with missing credentials, and unknown logging
// levels or formats.
package config
