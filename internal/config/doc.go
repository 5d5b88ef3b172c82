// Package config provides configuration types and loading for the gateway
// response cache.
//
// The configuration is a single YAML document of kind Gateway. Values of
// the form ${VAR} or ${VAR:-default} are expanded from the environment
// before decoding, and "$$" yields a literal dollar sign.
//
//	cfg, err := config.LoadConfig("gateway.yaml")
//	if err != nil {
//	    return err
//	}
//	if err := config.ValidateConfig(cfg); err != nil {
//	    return err
//	}
//
// A Watcher reloads the file on change and hands every configuration that
// validates to a ReloadFunc. Invalid edits are logged and ignored.
package config
