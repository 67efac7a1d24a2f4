// Package listen opens the listener behind the Streamable HTTP transport.
//
// By default it binds server.http_addr. With tailscale.enabled it starts an
// embedded tsnet node instead and serves on the tailnet only: HTTP on :80,
// or HTTPS on :443 with the node's tailnet certificate when tailscale.https
// is set. The node needs an auth key from tailscale.auth_key or TS_AUTHKEY
// on first start; its state is kept in tailscale.state_dir.
package listen
