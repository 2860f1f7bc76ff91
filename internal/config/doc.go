// Package config handles configuration loading for warden.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${WARDEN_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	admission:
//	  terminate_grace: "10s"
//	  stuck_lock_after: "30m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server and storage:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	database:
//	  path: "/var/lib/warden/warden.db"
//
// Authentication (empty secret disables auth; warden warns at startup):
//
//	auth:
//	  jwt_secret: "${WARDEN_JWT_SECRET}"
//
// Runtime manager sockets and the invoke circuit breaker:
//
//	runtime:
//	  socket_root: "/run/warden/agents"
//	  breaker:
//	    max_failures: 5
//	    open_for: "30s"
//	    interval: "60s"
//
// Admission policy, with optional per-agent overrides:
//
//	admission:
//	  queue_depth: 50
//	  concurrent_slots: 4
//	  terminate_grace: "10s"
//	  stuck_lock_after: "30m"
//	  watchdog_interval: "1m"
//	  workers: 16
//	  agents:
//	    heavy-agent:
//	      concurrent_slots: 8
//
// Scheduled triggers (cron expression or plain interval):
//
//	schedules:
//	  - name: "morning-briefing"
//	    spec: "0 9 * * *"
//	    agent_id: "assistant"
//	    payload: '{"task": "briefing"}'
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, err := config.Load("/etc/warden/warden.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
