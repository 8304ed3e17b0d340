// 包 notify：把新紧急事件通知外部主管部门服务
// 约束：通知失败只记日志与指标，不回传给创建记录的调用方
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"nijasafe/internal/emergency"
	"nijasafe/internal/geo"
	"nijasafe/internal/logger"
)

// Notifier：投递单条紧急事件
type Notifier interface {
	Notify(ctx context.Context, r *emergency.Record) error
}

// Alert：webhook 请求体
type Alert struct {
	EmergencyID string    `json:"emergencyId"`
	UserID      string    `json:"userId"`
	Type        string    `json:"type"`
	Severity    string    `json:"severity"`
	Coordinates geo.Point `json:"coordinates"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func alertOf(r *emergency.Record) Alert {
	return Alert{
		EmergencyID: r.ID,
		UserID:      r.UserID,
		Type:        string(r.Type),
		Severity:    string(r.Severity),
		Coordinates: r.Coordinates,
		Description: r.Description,
		CreatedAt:   r.CreatedAt,
	}
}

// HTTPNotifier：以 JSON POST 到 webhook
type HTTPNotifier struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPNotifier：client 为 nil 时使用 5s 超时的默认客户端
func NewHTTPNotifier(url, token string, client *http.Client) *HTTPNotifier {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPNotifier{url: url, token: token, client: client}
}

func (n *HTTPNotifier) Notify(ctx context.Context, r *emergency.Record) error {
	if n.url == "" {
		return errors.New("missing notify url")
	}
	body, err := json.Marshal(alertOf(r))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notify status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// LogNotifier：未配置 webhook 时仅记录日志
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier() *LogNotifier { return &LogNotifier{log: logger.For("notify")} }

func (n *LogNotifier) Notify(ctx context.Context, r *emergency.Record) error {
	n.log.Info("authorities_notified", "id", r.ID, "type", r.Type, "severity", r.Severity,
		"lat", r.Coordinates.Lat, "lng", r.Coordinates.Lng, "sink", "log")
	return nil
}
