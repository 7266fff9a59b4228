package broker

import (
	"fmt"

	"broker-auth-service/internal/broker/zerodha"
	"broker-auth-service/internal/interfaces"
)

// ForName returns the adapter implementation for a broker name.
// Adding a broker means adding a case here and nothing else.
func ForName(name string) (interfaces.Adapter, error) {
	switch name {
	case zerodha.BrokerName:
		return zerodha.New(), nil
	default:
		return nil, fmt.Errorf("unsupported broker %q", name)
	}
}

// Supported lists the broker names the factory can build.
func Supported() []string {
	return []string{zerodha.BrokerName}
}
