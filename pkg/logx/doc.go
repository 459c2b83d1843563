// Package logx configures relaybot's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - console output readable (short timestamp + short caller)
//   - file output JSON-structured, one event per line
//   - levels and sinks swappable at runtime through Service.Apply
package logx
