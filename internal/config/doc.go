// Package config loads the datawatch config file.
//
// JSON and YAML are both accepted; YAML is converted to JSON first so one
// strict decoder (unknown fields rejected) serves both. Manager.Watch
// reloads the file on change and only publishes configs that validate.
package config
