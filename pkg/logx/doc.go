// Package logx configures datawatch's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Hot-reloadable levels and sinks (Service.Apply)
package logx
