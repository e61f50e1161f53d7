package guest

import (
	"context"
	"encoding/json"
	"fmt"
)

// Callable is how a host-provided function (pybox_ioctl_host, pybox_json_rpc)
// is represented inside an environment's globals, so a VM implementation can
// invoke it the same way it invokes any other name it resolves from scope.
type Callable func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error)

// newIoctlHost returns the pybox_ioctl_host(handle, data) builtin: it calls
// upcall and returns (success, response_bytes), mirroring the guest-module
// function of the same name.
func newIoctlHost(upcall HostUpcallFunc) Callable {
	return func(ctx context.Context, args []interface{}, _ map[string]interface{}) (interface{}, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("pybox_ioctl_host() takes exactly 2 arguments (%d given)", len(args))
		}
		handle, ok := toHandle(args[0])
		if !ok {
			return nil, fmt.Errorf("pybox_ioctl_host(): handle must be an integer")
		}
		data, ok := args[1].([]byte)
		if !ok {
			return nil, fmt.Errorf("pybox_ioctl_host(): data must be bytes")
		}

		resp, err := upcall(ctx, handle, data)
		if err != nil {
			return []interface{}{false, []byte{}}, nil
		}
		return []interface{}{true, resp}, nil
	}
}

// newJSONRPC returns the pybox_json_rpc(handler_id, *args, **kwargs) builtin.
// It JSON-encodes {"args": args, "kwargs": kwargs}, sends it to handler_id
// via pybox_ioctl_host, and decodes the JSON response: an "exception" key
// (optionally paired with "traceback") is raised as an error, a response
// missing "result" is an infrastructure error, otherwise "result" is
// returned.
func newJSONRPC(ioctlHost Callable) Callable {
	return func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		if len(args) < 1 {
			return nil, fmt.Errorf("pybox_json_rpc() missing required argument: 'handler_id'")
		}
		handle, ok := toHandle(args[0])
		if !ok {
			return nil, fmt.Errorf("pybox_json_rpc(): handler_id must be an integer")
		}

		request := map[string]interface{}{
			"args":   args[1:],
			"kwargs": kwargs,
		}
		requestJSON, err := json.Marshal(request)
		if err != nil {
			return nil, fmt.Errorf("pybox_json_rpc(): encode request: %w", err)
		}

		result, err := ioctlHost(ctx, []interface{}{handle, []byte(requestJSON)}, nil)
		if err != nil {
			return nil, err
		}
		pair := result.([]interface{})
		ok = pair[0].(bool)
		respBytes := pair[1].([]byte)
		if !ok {
			return nil, fmt.Errorf("JSON-RPC communication failed with handler_id %d!", handle)
		}

		var response map[string]interface{}
		if err := json.Unmarshal(respBytes, &response); err != nil {
			return nil, fmt.Errorf("pybox_json_rpc(): decode response: %w", err)
		}

		if exception, ok := response["exception"]; ok {
			if traceback, ok := response["traceback"]; ok {
				return nil, fmt.Errorf("JSON-RPC Error: %v\nTraceback:\n%v", exception, traceback)
			}
			return nil, fmt.Errorf("JSON-RPC Error: %v", exception)
		}

		result, ok = response["result"]
		if !ok {
			return nil, fmt.Errorf("JSON-RPC response missing 'result' field")
		}
		return result, nil
	}
}

func toHandle(v interface{}) (uint32, bool) {
	switch n := v.(type) {
	case uint32:
		return n, true
	case int:
		return uint32(n), true
	case int32:
		return uint32(n), true
	case int64:
		return uint32(n), true
	case float64:
		return uint32(n), true
	default:
		return 0, false
	}
}
