// ABOUTME: Annotated starter configuration written by the init command.
// ABOUTME: Kept loadable so tests can prove the example stays valid.

package config

// ExampleYAML is a commented configuration with every section at its default.
const ExampleYAML = `# opencode-bridge configuration
# ${VAR} references are expanded from the environment when loading.

opencode:
  base_url: "http://127.0.0.1:4096"
  # Basic auth for the agent server. The username defaults to "opencode"
  # when only a password is set.
  username: ""
  password: "${OPENCODE_SERVER_PASSWORD}"
  # Project directory for sessions created without an explicit directory.
  directory: ""
  request_timeout: "30s"

await:
  default_timeout: "30s"
  max_timeout: "10m"
  poll_interval: "500ms"   # floor 300ms
  poll_limit: 200          # cap 200

pages:
  default_limit: 50
  max_limit: 200
  default_max_output_tokens: 5000
  max_output_tokens: 20000

server:
  # Used by serve-http only.
  http_addr: "127.0.0.1:8765"
  require_auth: false
  # HS256 secret for bearer tokens minted with "opencode-bridge token".
  jwt_secret: ""
  # Static bearer tokens, principal name -> token.
  tokens: {}

tailscale:
  # Serve the HTTP transport on your tailnet instead of a local port.
  enabled: false
  hostname: "opencode-bridge"
  auth_key: "${TS_AUTHKEY}"
  state_dir: ""
  ephemeral: false
  # Serve HTTPS on :443 with the node's tailnet certificate instead of HTTP on :80.
  https: false

logging:
  level: "info"    # debug, info, warn, error
  format: "text"   # text, json
`
