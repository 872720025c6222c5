package utils

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	configurationKeySeparatorConstant               = "."
	environmentKeySeparatorConstant                 = "_"
	configurationReadErrorTemplateConstant          = "failed to read configuration: %w"
	configurationUnmarshalErrorTemplateConstant     = "failed to parse configuration: %w"
	embeddedConfigurationMergeErrorTemplateConstant = "failed to merge embedded configuration: %w"
	environmentFileErrorTemplateConstant            = "failed to load environment file %s: %w"
	defaultsFlattenErrorTemplateConstant            = "failed to flatten configuration defaults: %w"
)

// ConfigurationLoader layers embedded defaults, a configuration file and prefixed environment variables with Viper.
type ConfigurationLoader struct {
	configurationName         string
	configurationType         string
	environmentPrefix         string
	searchPaths               []string
	embeddedConfiguration     []byte
	embeddedConfigurationType string
}

// LoadedConfiguration surfaces metadata about the resolved configuration.
type LoadedConfiguration struct {
	ConfigFileUsed   string
	EnvironmentFiles []string
}

// NewConfigurationLoader creates a loader that searches searchPaths for configurationName.
func NewConfigurationLoader(configurationName string, configurationType string, environmentPrefix string, searchPaths []string) *ConfigurationLoader {
	return &ConfigurationLoader{
		configurationName: configurationName,
		configurationType: configurationType,
		environmentPrefix: environmentPrefix,
		searchPaths:       append([]string(nil), searchPaths...),
	}
}

// SetEmbeddedConfiguration stores configuration merged beneath any user-provided file.
func (loader *ConfigurationLoader) SetEmbeddedConfiguration(configurationData []byte, configurationType string) {
	if loader == nil {
		return
	}
	loader.embeddedConfigurationType = strings.TrimSpace(configurationType)
	loader.embeddedConfiguration = nil
	if len(configurationData) > 0 {
		loader.embeddedConfiguration = append([]byte(nil), configurationData...)
	}
}

// LoadEnvironmentFiles exports variables from dotenv files without overriding variables already set.
// Missing optional files are skipped; a missing required file is an error.
func (loader *ConfigurationLoader) LoadEnvironmentFiles(requiredFiles []string, optionalFiles []string) ([]string, error) {
	loaded := make([]string, 0, len(requiredFiles)+len(optionalFiles))
	for _, filePath := range requiredFiles {
		if len(strings.TrimSpace(filePath)) == 0 {
			continue
		}
		if loadError := godotenv.Load(filePath); loadError != nil {
			return loaded, fmt.Errorf(environmentFileErrorTemplateConstant, filePath, loadError)
		}
		loaded = append(loaded, filePath)
	}
	for _, filePath := range optionalFiles {
		if _, statError := os.Stat(filePath); errors.Is(statError, fs.ErrNotExist) {
			continue
		}
		if loadError := godotenv.Load(filePath); loadError != nil {
			return loaded, fmt.Errorf(environmentFileErrorTemplateConstant, filePath, loadError)
		}
		loaded = append(loaded, filePath)
	}
	return loaded, nil
}

// LoadConfiguration populates targetConfiguration. Precedence from lowest to highest:
// defaultValues, embedded configuration, configuration file, environment variables.
func (loader *ConfigurationLoader) LoadConfiguration(configurationFilePath string, defaultValues map[string]any, targetConfiguration any) (LoadedConfiguration, error) {
	viperInstance := viper.New()
	viperInstance.SetConfigName(loader.configurationName)
	viperInstance.SetConfigType(loader.configurationType)

	if len(loader.embeddedConfiguration) > 0 {
		if len(loader.embeddedConfigurationType) > 0 {
			viperInstance.SetConfigType(loader.embeddedConfigurationType)
		}
		if mergeError := viperInstance.MergeConfig(bytes.NewReader(loader.embeddedConfiguration)); mergeError != nil {
			return LoadedConfiguration{}, fmt.Errorf(embeddedConfigurationMergeErrorTemplateConstant, mergeError)
		}
		viperInstance.SetConfigType(loader.configurationType)
	}

	for _, searchPath := range loader.searchPaths {
		viperInstance.AddConfigPath(searchPath)
	}

	viperInstance.SetEnvPrefix(loader.environmentPrefix)
	viperInstance.SetEnvKeyReplacer(strings.NewReplacer(configurationKeySeparatorConstant, environmentKeySeparatorConstant))
	viperInstance.AutomaticEnv()

	for defaultKey, defaultValue := range defaultValues {
		viperInstance.SetDefault(defaultKey, defaultValue)
	}

	if len(configurationFilePath) > 0 {
		viperInstance.SetConfigFile(configurationFilePath)
	}

	if readError := viperInstance.MergeInConfig(); readError != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readError, &notFound) {
			return LoadedConfiguration{}, fmt.Errorf(configurationReadErrorTemplateConstant, readError)
		}
	}

	if unmarshalError := viperInstance.Unmarshal(targetConfiguration); unmarshalError != nil {
		return LoadedConfiguration{}, fmt.Errorf(configurationUnmarshalErrorTemplateConstant, unmarshalError)
	}

	return LoadedConfiguration{ConfigFileUsed: viperInstance.ConfigFileUsed()}, nil
}

// FlattenDefaults converts a mapstructure-tagged value into dotted Viper keys beneath prefix.
// Registering every leaf key lets environment variables override values absent from files.
func FlattenDefaults(prefix string, value any) (map[string]any, error) {
	decoded := map[string]any{}
	if decodeError := mapstructure.Decode(value, &decoded); decodeError != nil {
		return nil, fmt.Errorf(defaultsFlattenErrorTemplateConstant, decodeError)
	}
	flattened := map[string]any{}
	flattenInto(flattened, prefix, decoded)
	return flattened, nil
}

func flattenInto(target map[string]any, prefix string, values map[string]any) {
	for key, value := range values {
		qualifiedKey := key
		if len(prefix) > 0 {
			qualifiedKey = prefix + configurationKeySeparatorConstant + key
		}
		if nested, isMap := value.(map[string]any); isMap {
			flattenInto(target, qualifiedKey, nested)
			continue
		}
		target[qualifiedKey] = value
	}
}
