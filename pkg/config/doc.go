// Package config loads host settings for the tessera engine.
//
// Settings come from three layers, later layers winning:
//
//  1. built-in defaults (Default)
//  2. a YAML or JSON file, given explicitly or found as ./tessera.yaml
//  3. TESSERA_* environment variables, with dots in keys replaced by
//     underscores (TESSERA_ENGINE_MAX_PARALLEL=8)
//
// A complete file:
//
//	engine:
//	  mode: concurrent        # or blocking
//	  max_parallel: 10
//	  max_retries: 3
//	  retry_base_delay: 1s
//	  retry_max_delay: 1m
//	  call_timeout: 30s
//	  checkpoint_every: 1
//	  agent_rate_limit: 0     # calls per second, 0 is unlimited
//	  agent_burst: 0
//	store:
//	  backend: sqlite         # sqlite, redis or badger
//	  path: tessera.db
//	  redis_addr: localhost:6379
//	  redis_db: 0
//	  namespace: tessera
//	agents:
//	  scripts: [functions.star]
//	  modules: [math.wasm]
//	  command: tessera-agent
//	policy:
//	  paths: [policies/]
//	  disabled: [orphan-concepts]
//	telemetry:
//	  logging:
//	    level: info
//	    format: console
//
// Load validates the result and returns ValidationErrors naming every
// offending key.
package config
