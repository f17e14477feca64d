// Package config defines application configuration and its loading logic.
package config
