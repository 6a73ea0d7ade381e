package kvm

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
)

// qmpClient is a minimal QEMU Machine Protocol client over a unix domain
// socket. It issues commands and waits for the matching response,
// ignoring asynchronous events in between -- enough for the
// introspection engine's needs (pmemsave, human-monitor-command,
// stop/cont, query-memory-size-summary).
type qmpClient struct {
	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

func dialQMP(socketPath string) (*qmpClient, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("kvm: dial qmp socket %s: %w", socketPath, err)
	}
	c := &qmpClient{conn: conn, r: bufio.NewReader(conn)}

	// QMP greets with a capabilities banner; read and discard it, then
	// negotiate capabilities.
	var greeting map[string]any
	if err := c.readJSON(&greeting); err != nil {
		conn.Close()
		return nil, fmt.Errorf("kvm: read qmp greeting: %w", err)
	}
	if _, err := c.execute("qmp_capabilities", nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("kvm: negotiate qmp capabilities: %w", err)
	}
	return c, nil
}

func (c *qmpClient) Close() error {
	return c.conn.Close()
}

func (c *qmpClient) readJSON(v any) error {
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return err
	}
	return json.Unmarshal(line, v)
}

// execute sends {"execute": cmd, "arguments": args} and returns the
// "return" field of the matching response, skipping any asynchronous
// "event" messages interleaved on the wire.
func (c *qmpClient) execute(cmd string, args map[string]any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := map[string]any{"execute": cmd}
	if args != nil {
		req["arguments"] = args
	}
	enc, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("kvm: encode qmp request: %w", err)
	}
	enc = append(enc, '\n')
	if _, err := c.conn.Write(enc); err != nil {
		return nil, fmt.Errorf("kvm: write qmp request: %w", err)
	}

	for {
		var resp struct {
			Return json.RawMessage `json:"return"`
			Error  *struct {
				Class string `json:"class"`
				Desc  string `json:"desc"`
			} `json:"error"`
			Event string `json:"event"`
		}
		if err := c.readJSON(&resp); err != nil {
			return nil, fmt.Errorf("kvm: read qmp response: %w", err)
		}
		if resp.Event != "" {
			continue // ignore async events between request and reply
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("kvm: qmp command %q failed: %s: %s", cmd, resp.Error.Class, resp.Error.Desc)
		}
		return resp.Return, nil
	}
}

// unmarshalReturn decodes a QMP "return" payload into v.
func unmarshalReturn(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("kvm: decode qmp return value: %w", err)
	}
	return nil
}

// humanMonitorCommand runs a legacy HMP command (e.g. "info registers")
// through QMP and returns its text output.
func (c *qmpClient) humanMonitorCommand(command string) (string, error) {
	raw, err := c.execute("human-monitor-command", map[string]any{"command-line": command})
	if err != nil {
		return "", err
	}
	var out string
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("kvm: decode human-monitor-command output: %w", err)
	}
	return out, nil
}
