package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client 诊断服务 HTTP 客户端
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewClient 创建客户端
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// CreateDiagnosisRequest 创建诊断任务请求
type CreateDiagnosisRequest struct {
	TaskID  string          `json:"task_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CreateDiagnosisResponse 创建诊断任务响应
type CreateDiagnosisResponse struct {
	TaskID string    `json:"task_id"`
	Status TaskState `json:"status"`
}

// ReportRequest 执行端进度上报
type ReportRequest struct {
	Status       TaskState       `json:"status"`
	Stage        string          `json:"stage,omitempty"`
	Progress     int             `json:"progress"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Results      json.RawMessage `json:"results,omitempty"`
}

// FetchStatus 拉取任务状态快照，签名与 FetchFunc 一致
func (c *Client) FetchStatus(ctx context.Context, taskID string) (*StatusSnapshot, error) {
	u := fmt.Sprintf("%s/api/v1/diagnosis/%s/status", c.BaseURL, url.PathEscape(taskID))

	var result struct {
		Item json.RawMessage `json:"item"`
	}
	if err := c.do(ctx, http.MethodGet, u, nil, &result); err != nil {
		return nil, err
	}

	snap, err := DecodeSnapshot(result.Item)
	if err != nil {
		return nil, err
	}
	if snap.TaskID == "" {
		snap.TaskID = taskID
	}
	return &snap, nil
}

// CreateDiagnosis 创建诊断任务
func (c *Client) CreateDiagnosis(ctx context.Context, req CreateDiagnosisRequest) (*CreateDiagnosisResponse, error) {
	u := fmt.Sprintf("%s/api/v1/diagnosis", c.BaseURL)

	var result CreateDiagnosisResponse
	if err := c.do(ctx, http.MethodPost, u, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ReportStatus 上报任务进度（执行端使用）
func (c *Client) ReportStatus(ctx context.Context, taskID string, req ReportRequest) error {
	u := fmt.Sprintf("%s/api/v1/diagnosis/%s/report", c.BaseURL, url.PathEscape(taskID))
	return c.do(ctx, http.MethodPost, u, req, nil)
}

// PushURL 推送端点地址（http/https 转为 ws/wss）
func (c *Client) PushURL(taskID string) string {
	base := c.BaseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return fmt.Sprintf("%s/api/v1/ws/diagnosis/%s", base, url.PathEscape(taskID))
}

// AuthHeader 鉴权请求头，推送连接复用
func (c *Client) AuthHeader() http.Header {
	h := http.Header{}
	if c.Token != "" {
		h.Set("Authorization", "Bearer "+c.Token)
	}
	return h
}

func (c *Client) do(ctx context.Context, method, u string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrProtocolParse, err)
	}
	return nil
}

// statusError 将非 2xx 响应映射为错误分类
func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", ErrAuthentication, resp.StatusCode, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrIllegalTransition, msg)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d", ErrTimeout, resp.StatusCode)
	default:
		return fmt.Errorf("%w: unexpected status %d: %s", ErrNetwork, resp.StatusCode, msg)
	}
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: send request: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: send request: %v", ErrNetwork, err)
}
