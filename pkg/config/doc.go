// Package config loads the plugin configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then a
// .env file, then the process environment. The merged result is validated
// before use.
//
// # Environment
//
//	GA_CLIENT_EMAIL        service account email for the Analytics Data API
//	GA_PRIVATE_KEY         service account private key; literal "\n" sequences
//	                       are turned into newlines
//	GA_PROPERTY_ID         default GA4 property id
//	LOG_LEVEL              minimum log level
//	GAPLUGIN_HOST_ADDRESS  host bridge address; empty means stdio
//	GAPLUGIN_LISTEN        API listen address
//
// # Reloading
//
// Watcher re-reads the file on change and hands the new Config to a
// callback. Only settings that are safe to change at runtime, such as the
// log level, take effect without a restart.
package config
