// Package opcua implements the OPC UA client driver on gopcua, using
// server-side subscriptions per poll group instead of polling tickers.
package opcua

import (
	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"fieldgate/config"
)

// clientOpts maps a connection definition and a discovered endpoint
// onto gopcua dial options. Empty security selection means None/None
// with anonymous auth.
func clientOpts(cfg *config.ConnConfig, ep *ua.EndpointDescription) []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityPolicy(policyOf(cfg)),
		opcua.SecurityModeString(modeOf(cfg)),
	}

	if cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(cfg.Username, cfg.Password))
		if ep != nil {
			opts = append(opts, opcua.SecurityFromEndpoint(ep, ua.UserTokenTypeUserName))
		}
	} else {
		opts = append(opts, opcua.AuthAnonymous())
		if ep != nil {
			opts = append(opts, opcua.SecurityFromEndpoint(ep, ua.UserTokenTypeAnonymous))
		}
	}
	return opts
}

func policyOf(cfg *config.ConnConfig) string {
	if cfg.SecurityPolicy == "" {
		return "None"
	}
	return cfg.SecurityPolicy
}

func modeOf(cfg *config.ConnConfig) string {
	if cfg.SecurityMode == "" {
		return "None"
	}
	return cfg.SecurityMode
}

// nodeClassName renders a browse node class for transport.
func nodeClassName(nc ua.NodeClass) string {
	switch nc {
	case ua.NodeClassObject:
		return "Object"
	case ua.NodeClassVariable:
		return "Variable"
	case ua.NodeClassMethod:
		return "Method"
	case ua.NodeClassObjectType:
		return "ObjectType"
	case ua.NodeClassVariableType:
		return "VariableType"
	case ua.NodeClassReferenceType:
		return "ReferenceType"
	case ua.NodeClassDataType:
		return "DataType"
	case ua.NodeClassView:
		return "View"
	}
	return "Unspecified"
}
