// Package config loads and watches the console section of config.yaml.
//
// Top-level types:
//   - Config{Console} - the `console:` tree (ports, endpoints, log level);
//     the `simulator:` key is ignored
//   - AuthConfig - token_env / token_file for the backend bearer token,
//     api_key_env / header for the local API; Token() and APIKey() resolve
//     secrets at call time so rotated credentials are picked up
//   - StatusConfig - devices to subscribe, ping interval, exponential
//     reconnect bounds, store TTL
//   - ResultsConfig - device and language for the ASR session, fixed
//     reconnect delay and attempt cap
//   - AlertsConfig - rules and webhook targets
//
// Load(path) applies defaults, unmarshals, then validates. Watch(ctx, path,
// onChange) reloads on save and hands the new Config to onChange; DeviceDelta
// turns two device lists into subscribe/unsubscribe sets.
package config
