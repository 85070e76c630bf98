package sqlite

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"cryptoRiskGuard/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// encodeSource splits an order source into its kind and a JSON payload.
func encodeSource(s domain.OrderSource) (string, string, error) {
	kind := domain.SourceKind(s)
	if s == nil {
		return kind, "{}", nil
	}
	data, err := json.MarshalToString(s)
	if err != nil {
		return "", "", err
	}
	return kind, data, nil
}

func decodeSource(kind, data string) (domain.OrderSource, error) {
	switch kind {
	case domain.SourceKind(domain.ManualSource{}):
		return domain.ManualSource{}, nil
	case domain.SourceKind(domain.SignalSource{}):
		var s domain.SignalSource
		err := json.UnmarshalFromString(data, &s)
		return s, err
	case domain.SourceKind(domain.ProtectionSource{}):
		var s domain.ProtectionSource
		err := json.UnmarshalFromString(data, &s)
		return s, err
	case domain.SourceKind(domain.LiquidationSource{}):
		var s domain.LiquidationSource
		err := json.UnmarshalFromString(data, &s)
		return s, err
	case domain.SourceKind(domain.OpaqueSource{}):
		var s domain.OpaqueSource
		err := json.UnmarshalFromString(data, &s)
		return s, err
	default:
		return nil, fmt.Errorf("unknown order source kind %q", kind)
	}
}
