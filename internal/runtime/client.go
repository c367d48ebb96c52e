package runtime

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/guonaihong/gout"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/waxline/waxline/config"
)

// RemoteInstance is one live session as reported by the external runtime's
// list endpoint. Field names vary between runtime builds, so the JSON tags
// cover the canonical spelling and normalization happens in the ingest layer.
type RemoteInstance struct {
	ID          string `json:"instanceId"`
	Name        string `json:"instanceName"`
	Status      string `json:"status"`
	Phone       string `json:"phone"`
	ProfileName string `json:"profileName"`
}

// Client is the outbound control surface of the external connection runtime.
// All calls are bounded by the configured timeout and treated as failed on
// expiry.
type Client interface {
	CreateInstance(ctx context.Context, instanceID string) error
	DeleteInstance(ctx context.Context, instanceID string) error
	GetPairingPayload(ctx context.Context, instanceID string) (string, error)
	ListInstances(ctx context.Context) ([]RemoteInstance, error)
	Health(ctx context.Context) error
}

// HTTPClient talks to the runtime over its small JSON HTTP API.
type HTTPClient struct {
	baseURL string
	token   string
	timeout time.Duration
}

func NewHTTPClient(cfg config.RuntimeConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &HTTPClient{baseURL: cfg.BaseURL, token: cfg.Token, timeout: timeout}
}

func (c *HTTPClient) headers() gout.H {
	return gout.H{
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + c.token,
		"X-API-Token":   c.token,
	}
}

type apiResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (c *HTTPClient) CreateInstance(ctx context.Context, instanceID string) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(ErrUnreachable, err.Error())
	}
	var rsp apiResult
	var code int
	err := gout.POST(c.baseURL+"/instance/create").
		SetHeader(c.headers()).
		SetTimeout(c.timeout).
		SetJSON(gout.H{"instanceId": instanceID}).
		BindJSON(&rsp).
		Code(&code).
		Do()
	if err != nil {
		return errors.Wrapf(ErrUnreachable, "create instance %s: %v", instanceID, err)
	}
	if code >= http.StatusInternalServerError {
		return errors.Wrapf(ErrUnreachable, "create instance %s: http %d", instanceID, code)
	}
	if code >= http.StatusBadRequest || (!rsp.Success && rsp.Error != "") {
		return fmt.Errorf("runtime rejected create for %s: http %d %s", instanceID, code, rsp.Error)
	}
	return nil
}

func (c *HTTPClient) DeleteInstance(ctx context.Context, instanceID string) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(ErrUnreachable, err.Error())
	}
	var rsp apiResult
	var code int
	err := gout.POST(c.baseURL+"/instance/delete").
		SetHeader(c.headers()).
		SetTimeout(c.timeout).
		SetJSON(gout.H{"instanceId": instanceID}).
		BindJSON(&rsp).
		Code(&code).
		Do()
	if err != nil {
		return errors.Wrapf(ErrUnreachable, "delete instance %s: %v", instanceID, err)
	}
	if code >= http.StatusInternalServerError {
		return errors.Wrapf(ErrUnreachable, "delete instance %s: http %d", instanceID, code)
	}
	// 404 on delete is fine: the session is already gone.
	if code == http.StatusNotFound {
		zap.L().Debug("runtime delete: instance already absent", zap.String("instance_id", instanceID))
		return nil
	}
	if code >= http.StatusBadRequest {
		return fmt.Errorf("runtime rejected delete for %s: http %d %s", instanceID, code, rsp.Error)
	}
	return nil
}

func (c *HTTPClient) GetPairingPayload(ctx context.Context, instanceID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.Wrap(ErrUnreachable, err.Error())
	}
	var rsp struct {
		apiResult
		QRCode string `json:"qrCode"`
	}
	var code int
	err := gout.GET(c.baseURL+"/instance/"+instanceID+"/qr").
		SetHeader(c.headers()).
		SetTimeout(c.timeout).
		BindJSON(&rsp).
		Code(&code).
		Do()
	if err != nil {
		return "", errors.Wrapf(ErrUnreachable, "get pairing payload %s: %v", instanceID, err)
	}
	if code >= http.StatusInternalServerError {
		return "", errors.Wrapf(ErrUnreachable, "get pairing payload %s: http %d", instanceID, code)
	}
	if code >= http.StatusBadRequest {
		return "", fmt.Errorf("runtime rejected pairing fetch for %s: http %d %s", instanceID, code, rsp.Error)
	}
	return rsp.QRCode, nil
}

func (c *HTTPClient) ListInstances(ctx context.Context) ([]RemoteInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(ErrUnreachable, err.Error())
	}
	var rsp struct {
		apiResult
		Instances []RemoteInstance `json:"instances"`
	}
	var code int
	err := gout.GET(c.baseURL+"/instances").
		SetHeader(c.headers()).
		SetTimeout(c.timeout).
		BindJSON(&rsp).
		Code(&code).
		Do()
	if err != nil {
		return nil, errors.Wrapf(ErrUnreachable, "list instances: %v", err)
	}
	if code != http.StatusOK {
		return nil, errors.Wrapf(ErrUnreachable, "list instances: http %d", code)
	}
	return rsp.Instances, nil
}

func (c *HTTPClient) Health(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(ErrUnreachable, err.Error())
	}
	var code int
	err := gout.GET(c.baseURL+"/health").
		SetHeader(c.headers()).
		SetTimeout(c.timeout).
		Code(&code).
		Do()
	if err != nil {
		return errors.Wrapf(ErrUnreachable, "health: %v", err)
	}
	if code != http.StatusOK {
		return errors.Wrapf(ErrUnreachable, "health: http %d", code)
	}
	return nil
}
