package redis

import (
	"fmt"

	"github.com/MrSnakeDoc/servicesync/internal/domain"
)

const (
	// KeyPrefixService is the prefix for service record keys
	KeyPrefixService = "servicesync:service:"
	// KeyAllServices is the key for the set of all service IDs
	KeyAllServices = "servicesync:services:all"
)

// ServiceKey returns the Redis key for a service record
func ServiceKey(id domain.ServiceID) string {
	return KeyPrefixService + id.String()
}

// AllServicesKey returns the key for the set of all service IDs
func AllServicesKey() string {
	return KeyAllServices
}

// ExtractServiceID extracts the service ID from a Redis key
func ExtractServiceID(key string) (domain.ServiceID, error) {
	if len(key) <= len(KeyPrefixService) || key[:len(KeyPrefixService)] != KeyPrefixService {
		return domain.ServiceID{}, fmt.Errorf("invalid service key: %s", key)
	}
	return domain.ParseServiceID(key[len(KeyPrefixService):])
}
