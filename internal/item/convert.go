package item

import (
	"encoding/json"
	"fmt"
	"sync"
)

// ConvertFunc reshapes a raw metadata value into the typed value expected by
// the push item field it is registered for.
type ConvertFunc func(value any) (any, error)

var (
	convertMu sync.RWMutex
	// converters maps a metadata attribute name to its ConvertFunc.
	// Attributes without an entry take the metadata value as-is.
	converters = map[string]ConvertFunc{}
)

// RegisterConverter registers fn as the converter for the named attribute,
// replacing any previous registration.
func RegisterConverter(name string, fn ConvertFunc) {
	convertMu.Lock()
	defer convertMu.Unlock()
	converters[name] = fn
}

func convertValue(name string, value any) (any, error) {
	convertMu.RLock()
	fn := converters[name]
	convertMu.RUnlock()
	if fn == nil {
		return value, nil
	}
	out, err := fn(value)
	if err != nil {
		return nil, fmt.Errorf("converting attribute %q: %w", name, err)
	}
	return out, nil
}

// reshape decodes a loosely typed metadata value into out through a JSON
// round trip. Metadata maps come from YAML or JSON payloads so their values
// are always JSON-compatible.
func reshape(value, out any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func securityGroupsConverter(value any) (any, error) {
	var groups []SecurityGroup
	if err := reshape(value, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

func accessEndpointURLConverter(value any) (any, error) {
	var endpoint AccessEndpointURL
	if err := reshape(value, &endpoint); err != nil {
		return nil, err
	}
	return &endpoint, nil
}

func billingCodesConverter(value any) (any, error) {
	var codes BillingCodes
	if err := reshape(value, &codes); err != nil {
		return nil, err
	}
	return &codes, nil
}

func init() {
	RegisterConverter("security_groups", securityGroupsConverter)
	RegisterConverter("access_endpoint_url", accessEndpointURLConverter)
	RegisterConverter("billing_codes", billingCodesConverter)
}
