package billsync

import "strings"

// Metadata key names by gateway convention. Exact-case lookup is tried
// first; a case-insensitive scan is the fallback, since gateways have
// historically emitted these keys with inconsistent casing.
const (
	MetadataOrganizationID = "organizationId"
	MetadataUserID         = "userId"
	MetadataProviderID     = "providerId"
	MetadataRegion         = "region"
)

// ResolveSubscriber extracts at most one subscriber reference from gateway
// object metadata. When metadata encodes more than one id, organization
// takes precedence over user over provider. Absence of all three yields the
// zero SubscriberRef, which callers treat as "not attributable", not an error.
func ResolveSubscriber(metadata map[string]string) SubscriberRef {
	if id := metadataValue(metadata, MetadataOrganizationID); id != "" {
		return SubscriberRef{Kind: SubscriberOrganization, ID: id}
	}
	if id := metadataValue(metadata, MetadataUserID); id != "" {
		return SubscriberRef{Kind: SubscriberUser, ID: id}
	}
	if id := metadataValue(metadata, MetadataProviderID); id != "" {
		return SubscriberRef{Kind: SubscriberProvider, ID: id}
	}
	return SubscriberRef{}
}

// metadataValue looks up key exactly, then case-insensitively.
func metadataValue(metadata map[string]string, key string) string {
	if len(metadata) == 0 {
		return ""
	}
	if v, ok := metadata[key]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	for k, v := range metadata {
		if strings.EqualFold(k, key) && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// MetadataValue exposes the case-insensitive metadata lookup used by the
// resolver, for handlers that read other convention keys (receipts, linked
// wallet customer ids, region).
func MetadataValue(metadata map[string]string, key string) string {
	return metadataValue(metadata, key)
}
