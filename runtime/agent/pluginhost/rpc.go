package pluginhost

import "net/rpc"

// rpcServer is the net/rpc-visible wrapper around a ToolPlugin implementation,
// running inside the plugin subprocess.
type rpcServer struct {
	impl ToolPlugin
}

// ExecuteTool is the net/rpc method invoked by the host's rpcClient.
func (s *rpcServer) ExecuteTool(req ToolCallRequest, resp *ToolCallResponse) error {
	out, err := s.impl.ExecuteTool(req)
	if err != nil {
		out.Err = err.Error()
	}
	*resp = out
	return nil
}

// rpcClient is the host-side stub that implements ToolPlugin by calling the
// plugin subprocess over net/rpc.
type rpcClient struct {
	client *rpc.Client
}

func (c *rpcClient) ExecuteTool(req ToolCallRequest) (ToolCallResponse, error) {
	var resp ToolCallResponse
	if err := c.client.Call("Plugin.ExecuteTool", req, &resp); err != nil {
		return ToolCallResponse{}, err
	}
	if resp.Err != "" {
		return resp, errString(resp.Err)
	}
	return resp, nil
}

type errString string

func (e errString) Error() string { return string(e) }
