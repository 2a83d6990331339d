package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/BetaCatPro/ws-guard/pkg/types"
	"golang.org/x/net/http2"
)

// ServerReport 服务端状态查询结果
type ServerReport struct {
	Status            string  `json:"status"`
	Load              float64 `json:"load,omitempty"`
	MemoryUsage       float64 `json:"memory_usage,omitempty"`
	ActiveConnections int     `json:"active_connections,omitempty"`
}

// Healthy 服务端自报的状态是否正常
func (r ServerReport) Healthy() bool {
	switch r.Status {
	case "", "ok", "healthy", "up":
		return true
	default:
		return false
	}
}

// Prober 旁路状态查询
type Prober interface {
	Probe(ctx context.Context) (ServerReport, error)
}

// HTTPProber 通过 HTTP(S) GET 查询状态接口，TLS 下优先协商 HTTP/2
type HTTPProber struct {
	url    string
	client *http.Client
}

// NewHTTPProber 创建 HTTP 探测器
func NewHTTPProber(statusURL string, timeout time.Duration) (*HTTPProber, error) {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("configure http2 transport: %w", err)
	}
	return &HTTPProber{
		url:    statusURL,
		client: &http.Client{Transport: transport, Timeout: timeout},
	}, nil
}

// Probe 查询状态接口
func (p *HTTPProber) Probe(ctx context.Context) (ServerReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return ServerReport{}, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return ServerReport{}, fmt.Errorf("status query: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ServerReport{}, fmt.Errorf("status query: unexpected status %d", resp.StatusCode)
	}
	var report ServerReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return ServerReport{}, fmt.Errorf("decode status: %w", err)
	}
	return report, nil
}

// StatusURLFromWS 由 ws/wss 地址推导同主机的 /api/status 地址
func StatusURLFromWS(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/api/status"
	u.RawQuery = ""
	return u.String(), nil
}

// TransportProber 没有旁路地址时，经由连接发送关联请求查询状态
type TransportProber struct {
	transport Transport
}

// NewTransportProber 创建基于连接的探测器
func NewTransportProber(t Transport) *TransportProber {
	return &TransportProber{transport: t}
}

// Probe 发送 server_status 请求
func (p *TransportProber) Probe(ctx context.Context) (ServerReport, error) {
	req := types.NewEnvelope(types.TypeRequest, map[string]any{"action": "server_status"})
	resp, err := p.transport.RequestWithTimeout(ctx, req, 0)
	if err != nil {
		return ServerReport{}, err
	}
	report := ServerReport{}
	if s, ok := resp.Data["status"].(string); ok {
		report.Status = s
	}
	if v, ok := resp.Data["load"].(float64); ok {
		report.Load = v
	}
	if v, ok := resp.Data["memory_usage"].(float64); ok {
		report.MemoryUsage = v
	}
	if v, ok := resp.Data["active_connections"].(float64); ok {
		report.ActiveConnections = int(v)
	}
	return report, nil
}
