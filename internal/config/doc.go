// Package config loads daemon settings.
//
// Settings come from a YAML file overlaid by environment variables with the
// PIPELINED_ prefix, where a double underscore separates levels
// (PIPELINED_TIMEOUTS__STAGE sets timeouts.stage). A .env file in the working
// directory is loaded into the environment first. Keys missing from both
// sources take the defaults in this package; directories default to XDG
// locations.
//
// Example usage:
//
//	cfg, err := config.Load("")
//	if err != nil {
//		return err
//	}
//
//	prov := agent.NewProvisioner(rt, creds, cfg.Timeouts.Provision)
package config
