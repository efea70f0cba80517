package proofs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const defaultCheckTimeout = 30 * time.Second

// HTTPCheckerConfig 描述访问外部验证服务所需的信息。
type HTTPCheckerConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPChecker 通过 HTTP 调用独立部署的证明验证服务。
type HTTPChecker struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPChecker 根据配置创建 HTTPChecker。
func NewHTTPChecker(cfg HTTPCheckerConfig) (*HTTPChecker, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("未配置证明验证服务地址")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}

	return &HTTPChecker{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Check 实现 Checker 接口。
func (c *HTTPChecker) Check(ctx context.Context, imageCommitment common.Hash, journalBytes, proofBytes []byte) (bool, error) {
	payload, err := json.Marshal(struct {
		ImageCommitment common.Hash   `json:"image_commitment"`
		Journal         hexutil.Bytes `json:"journal"`
		Proof           hexutil.Bytes `json:"proof"`
	}{
		ImageCommitment: imageCommitment,
		Journal:         journalBytes,
		Proof:           proofBytes,
	})
	if err != nil {
		return false, fmt.Errorf("编码验证请求失败: %w", err)
	}

	endpoint := c.baseURL + "/v1/verify"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("构建验证请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("请求验证服务失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return false, fmt.Errorf("验证服务返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Valid bool `json:"valid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return false, fmt.Errorf("解析验证服务响应失败: %w", err)
	}
	return decoded.Valid, nil
}
