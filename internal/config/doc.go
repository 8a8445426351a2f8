// Package config loads, validates, and normalizes chronicle's TOML
// configuration, including ledger rates, quotas, and pipeline tuning.
package config
