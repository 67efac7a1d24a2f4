// Package config loads opencode-bridge configuration.
//
// # Sources
//
// The file is found in this order:
//
//  1. the --config flag
//  2. OPENCODE_BRIDGE_CONFIG
//  3. $XDG_CONFIG_HOME/opencode-bridge/config.yaml (~/.config when unset)
//
// A missing default file is fine: built-in defaults apply. A file named by
// the flag or environment must exist.
//
// Files ending in .toml are parsed as TOML; anything else is YAML. Before
// parsing, ${VAR} references are replaced with environment values (unset
// variables become empty strings). After parsing, OPENCODE_BASE_URL,
// OPENCODE_SERVER_USERNAME and OPENCODE_SERVER_PASSWORD override the file.
//
// # Durations
//
// Durations are written as Go duration strings ("500ms", "30s", "10m") and
// parsed after decoding:
//
//	await:
//	  default_timeout: "30s"
//	  poll_interval: "500ms"
//
// See ExampleYAML for every key.
package config
