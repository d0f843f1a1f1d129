// Package mqtt publishes the health of watched MCP servers to an MQTT
// broker as Home Assistant discovery entities. Each server appears as a
// connectivity binary sensor under a single mcpwire device, and client
// events are forwarded as they happen.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads and a
// birth message ("online") to the availability topic. A will message
// ensures the availability topic transitions to "offline" on
// unexpected disconnects.
package mqtt
