// Package config handles configuration loading for clinic-chat.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by the .toml
// extension) with environment variable expansion, CLINIC_* overrides,
// struct-tag validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	identity:
//	  token: "${CLINIC_SESSION_TOKEN}"
//
// Syntax: ${VAR_NAME}
//
// # Overrides
//
// CLINIC_SERVER_URL, CLINIC_SELF_ID, CLINIC_TOKEN and CLINIC_LOG_LEVEL
// replace the corresponding file values when set. The CLI loads a .env file
// first, so these may live there.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	presence:
//	  idle_threshold: "1.5s"
//	reconnect:
//	  backoff: "2s"
//
// # Configuration Sections
//
//	server:
//	  url: "wss://clinic.example.com/ws"
//	identity:
//	  self_id: "d1"
//	  token: "${CLINIC_SESSION_TOKEN}"
//	directory:
//	  url: "https://clinic.example.com"
//	  timeout: "10s"
//	transport:
//	  ping_interval: "30s"
//	  write_timeout: "10s"
//	  read_timeout: "60s"
//	  handshake_timeout: "10s"
//	  max_message_size: 65536
//	dedupe:
//	  ttl: "10m"
//	  max_size: 10000
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Either identity.self_id or identity.token is required; when only the
// token is given the CLI takes the self id from its subject claim.
package config
