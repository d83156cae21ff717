// Package config loads bus settings from a property store. Stores are a
// static map, a config file read through viper, or a redis hash; file and
// redis stores also report changes to watchers.
package config
