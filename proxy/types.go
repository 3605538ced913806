package proxy

import (
	"github.com/corewire/mitmcore/proxy/internal/conn"
	"github.com/corewire/mitmcore/proxy/internal/pipeline"
	"github.com/corewire/mitmcore/proxy/internal/types"
)

// Re-export types from internal packages for external use.
// This maintains backward compatibility while allowing internal packages to share types.

type (
	// Flow represents a complete HTTP request/response flow.
	Flow = types.Flow

	// Request represents an HTTP request in the proxy flow.
	Request = types.Request

	// Response represents an HTTP response in the proxy flow.
	Response = types.Response

	// ClientConn represents a client connection.
	ClientConn = conn.ClientConn

	// ServerConn represents a server connection.
	ServerConn = conn.ServerConn

	// ConnContext represents the connection context.
	ConnContext = conn.Context

	// Addon defines the interface for proxy addons.
	Addon = types.Addon

	// BaseAddon provides default no-op implementations of all Addon methods.
	BaseAddon = types.BaseAddon

	// UpstreamManager defines the interface for managing upstream proxy connections.
	UpstreamManager = types.UpstreamManager

	// ClientFactory is responsible for creating HTTP clients for different scenarios.
	ClientFactory = types.ClientFactory

	// DefaultClientFactory is the default implementation of ClientFactory.
	DefaultClientFactory = types.DefaultClientFactory

	// Interceptor is a single stage in the interceptor pipeline.
	Interceptor = pipeline.Interceptor

	// ConnectInterceptor inspects CONNECT requests before any dial happens.
	ConnectInterceptor = pipeline.ConnectInterceptor

	// UpgradeInterceptor inspects protocol-upgrade requests before relay.
	UpgradeInterceptor = pipeline.UpgradeInterceptor

	// FuncInterceptor adapts single-function request/response hooks into
	// a priority-0 Interceptor.
	FuncInterceptor = pipeline.FuncInterceptor

	// InterceptResult is the tagged outcome of an interceptor call.
	InterceptResult = pipeline.Result
)

// Interceptor verdicts, re-exported for callers building InterceptResult values.
const (
	InterceptNext             = pipeline.Next
	InterceptModifyAndForward = pipeline.ModifyAndForward
	InterceptDirectResponse   = pipeline.DirectResponse
)

// NewDefaultClientFactory creates a new DefaultClientFactory.
func NewDefaultClientFactory() *DefaultClientFactory {
	return types.NewDefaultClientFactory()
}
