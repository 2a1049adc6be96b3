// Package config provides centralized configuration management for the
// streamvestd daemon. It loads a JSON file describing the API server, ledger
// storage, event channel, token backend, and logging setup, and fills in
// sensible defaults for anything the operator leaves out.
package config
