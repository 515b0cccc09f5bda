package config

import (
	"fmt"
	"slices"
)

// validateExtensionsConfig checks attitude names in the enabled and disabled
// lists.
func validateExtensionsConfig(config *ExtensionsConfig) error {
	for _, name := range slices.Concat(config.Enabled, config.Disabled) {
		if name == "" {
			return fmt.Errorf("attitude name cannot be empty")
		}
		for _, char := range name {
			if !((char >= 'a' && char <= 'z') ||
				(char >= 'A' && char <= 'Z') ||
				(char >= '0' && char <= '9') ||
				char == '-' || char == '_') {
				return fmt.Errorf("attitude name contains invalid character: %s", name)
			}
		}
	}

	for _, name := range config.Disabled {
		if slices.Contains(config.Enabled, name) {
			return fmt.Errorf("attitude %s cannot be both enabled and disabled", name)
		}
	}

	return nil
}
