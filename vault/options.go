package vault

import "log/slog"

// Option configures a Vault.
type Option func(*Vault)

// WithTable stores rows under a table other than DefaultTable.
func WithTable(table string) Option {
	return func(v *Vault) {
		v.table = table
	}
}

// WithLogger sets the logger used for rejected saves.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Vault) {
		v.logger = logger
	}
}
