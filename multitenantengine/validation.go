package multitenantengine

import (
	"fmt"
	"regexp"
)

const maxTenantIDLength = 255

// tenantIDPattern accepts shop domains ("acme.myshopify.com") and plain slugs
var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidateTenantID validates a tenant identifier.
// Must be 1-255 characters, start with a letter or digit and contain only
// letters, digits, dots, underscores or hyphens.
func ValidateTenantID(tenantID string) error {
	if len(tenantID) == 0 {
		return fmt.Errorf("tenant id cannot be empty")
	}
	if len(tenantID) > maxTenantIDLength {
		return fmt.Errorf("tenant id length %d exceeds maximum of %d characters", len(tenantID), maxTenantIDLength)
	}
	if !tenantIDPattern.MatchString(tenantID) {
		return fmt.Errorf("invalid tenant id %q: must match pattern %s", tenantID, tenantIDPattern.String())
	}
	return nil
}
