package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/ChuLiYu/warden/internal/metrics"
	"github.com/ChuLiYu/warden/pkg/types"
)

// Control socket routes.
const (
	routeStatus      = "/status"
	routeConnections = "/connections"
	routeReload      = "/reload"
)

// ControlClient talks to a running master over its control socket.
type ControlClient struct {
	socket string
	http   *http.Client
}

func NewControlClient(socket string, timeout time.Duration) *ControlClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ControlClient{socket: socket, http: metrics.UnixClient(socket, timeout)}
}

// Status fetches the master status.
func (c *ControlClient) Status(ctx context.Context) (types.Status, error) {
	var st types.Status
	err := c.do(ctx, http.MethodGet, routeStatus, &st)
	return st, err
}

// Connections lists live connections across every worker process.
func (c *ControlClient) Connections(ctx context.Context) ([]types.ConnectionInfo, error) {
	var out []types.ConnectionInfo
	err := c.do(ctx, http.MethodGet, routeConnections, &out)
	return out, err
}

// Reload restarts the workers of service, or of every service when empty.
func (c *ControlClient) Reload(ctx context.Context, service string) error {
	path := routeReload
	if service != "" {
		path += "?service=" + url.QueryEscape(service)
	}
	return c.do(ctx, http.MethodPost, path, nil)
}

func (c *ControlClient) do(ctx context.Context, method, path string, out any) error {
	if _, err := os.Stat(c.socket); errors.Is(err, os.ErrNotExist) {
		return types.ErrNotRunning
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://master"+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrNotRunning, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("control %s: %s: %s", path, resp.Status, msg)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
