package config

// ConfigPath is the default location of the YAML config file.
const ConfigPath = "config.yaml"
