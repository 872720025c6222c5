// Package utils holds the CLI plumbing shared by commands: the Viper
// configuration loader with dotenv support, the zap logger factory and
// accessors for run metadata carried in command contexts.
package utils
