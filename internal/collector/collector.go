package collector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AgentCollector pulls payloads from the fleet gateway, which fans the
// request out to the SSH gatherers. The gateway owns the SSH transport, this
// side only sees an HTTP pull.
type AgentCollector struct {
	baseURL string
	client  *http.Client
}

func NewAgentCollector(baseURL string, timeout time.Duration) *AgentCollector {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AgentCollector{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (a *AgentCollector) Collect(ctx context.Context, dataType string, deviceID uuid.UUID) (json.RawMessage, error) {
	url := fmt.Sprintf("%s/devices/%s/%s", a.baseURL, deviceID, dataType)

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	response, err := a.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned %d for %s", response.StatusCode, url)
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("gateway returned invalid JSON for %s", url)
	}

	zap.S().Debugf("Collected %s for device %s in %s", dataType, deviceID, time.Since(start))
	return body, nil
}
