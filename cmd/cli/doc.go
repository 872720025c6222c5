// Package cli builds the prmigrate command-line interface: the Cobra command
// tree, layered configuration (embedded defaults, config file, dotenv files
// and PRMIGRATE_ environment variables) and the run-scoped zap logger.
package cli
