// Package pluginhost implements the Plugin Executor sandbox contract: tools
// may run out-of-process, hosted as hashicorp/go-plugin subprocesses rather
// than in-process Go functions. The host launches the plugin binary, performs
// the handshake, and dispenses a ToolPlugin the executor can call exactly like
// an in-process tools.Handler.
package pluginhost

import (
	"fmt"
	"net/rpc"
	"os/exec"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"
)

// handshakeConfig is shared between host and plugin binaries. CookieKey/Value
// guard against accidentally executing a non-plugin binary as a plugin.
var handshakeConfig = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "DISTRI_PLUGIN",
	MagicCookieValue: "tool-sandbox",
}

type (
	// ToolPlugin is the sandbox-side contract a plugin binary implements.
	// It mirrors toolregistry's in-process Handler but crosses a process
	// boundary via net/rpc.
	ToolPlugin interface {
		ExecuteTool(req ToolCallRequest) (ToolCallResponse, error)
	}

	// ToolCallRequest carries a single tool invocation across the plugin boundary.
	ToolCallRequest struct {
		Tool    string
		Payload []byte
	}

	// ToolCallResponse carries the result of a sandboxed tool invocation.
	ToolCallResponse struct {
		Result []byte
		Err    string
	}

	// Plugin adapts a ToolPlugin to hashicorp/go-plugin's net/rpc plugin model.
	Plugin struct {
		Impl ToolPlugin
	}
)

// Server returns the RPC server the plugin binary registers.
func (p *Plugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &rpcServer{impl: p.Impl}, nil
}

// Client returns the RPC client stub the host process uses.
func (p *Plugin) Client(_ *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &rpcClient{client: c}, nil
}

// Host launches and manages a single tool-plugin subprocess.
type Host struct {
	client *plugin.Client
}

// Launch starts the plugin binary at path and performs the handshake.
// Callers must call Close when done with the returned Host.
func Launch(path string, pluginName string, logger hclog.Logger) (*Host, ToolPlugin, error) {
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{Name: "distri-plugin-host", Level: hclog.Warn})
	}
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig: handshakeConfig,
		Plugins:         map[string]plugin.Plugin{pluginName: &Plugin{}},
		Cmd:             exec.Command(path),
		Logger:          logger,
		AllowedProtocols: []plugin.Protocol{
			plugin.ProtocolNetRPC,
		},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("pluginhost: connect to %s: %w", path, err)
	}

	raw, err := rpcClient.Dispense(pluginName)
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("pluginhost: dispense %s: %w", pluginName, err)
	}

	tp, ok := raw.(ToolPlugin)
	if !ok {
		client.Kill()
		return nil, nil, fmt.Errorf("pluginhost: %s does not implement ToolPlugin", pluginName)
	}

	return &Host{client: client}, tp, nil
}

// Close terminates the plugin subprocess.
func (h *Host) Close() {
	if h != nil && h.client != nil {
		h.client.Kill()
	}
}

// Serve blocks, serving impl as a tool plugin. Call this from a plugin
// binary's main function; it never returns.
func Serve(pluginName string, impl ToolPlugin) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: handshakeConfig,
		Plugins:         map[string]plugin.Plugin{pluginName: &Plugin{Impl: impl}},
	})
}

