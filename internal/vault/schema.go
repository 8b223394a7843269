package vault

import (
	"fmt"

	"github.com/ocx/flowengine/internal/domain"
)

// requiredFields lists the keys a payload must carry for each integration
// type, validated against a per-integrationType required-field schema.
var requiredFields = map[domain.IntegrationType][]string{
	domain.IntegrationSMTP:      {"host", "port", "username", "password"},
	domain.IntegrationOAuth2:    {"clientId", "clientSecret", "tokenUrl"},
	domain.IntegrationJWT:       {"algorithm", "secretOrKey"},
	domain.IntegrationCookie:    {"loginUrl", "username", "password"},
	domain.IntegrationSFTP:      {"host", "port", "username"},
	domain.IntegrationDB:        {"driver", "dsn"},
	domain.IntegrationAPIKey:    {"key"},
	domain.IntegrationQueue:     {"brokers"},
	domain.IntegrationAzureBlob: {"accountName", "accountKey", "container"},
	domain.IntegrationCustom:    {},
}

// ValidatePayload checks that payload carries every field required for
// integrationType. Custom payloads are schema-free by design.
func ValidatePayload(integrationType domain.IntegrationType, payload map[string]any) error {
	fields, ok := requiredFields[integrationType]
	if !ok {
		return fmt.Errorf("vault: unknown integration type %q", integrationType)
	}
	for _, f := range fields {
		v, present := payload[f]
		if !present || v == nil || v == "" {
			return fmt.Errorf("vault: integration type %q requires field %q", integrationType, f)
		}
	}
	return nil
}
