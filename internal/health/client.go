package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/common/expfmt"
)

// Fetch retrieves the Status from a health server at addr. addr may be a
// bare host:port or a full http URL.
func Fetch(ctx context.Context, client *http.Client, addr string) (*Status, error) {
	resp, err := get(ctx, client, addr, "/health")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode health status: %w", err)
	}
	return &st, nil
}

// FetchDrops scrapes /metrics at addr and returns the drop counters keyed
// by reason. Reasons that never fired are absent.
func FetchDrops(ctx context.Context, client *http.Client, addr string) (map[string]float64, error) {
	resp, err := get(ctx, client, addr, "/metrics")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse metrics: %w", err)
	}

	drops := make(map[string]float64)
	mf, ok := families["echotun_drops_total"]
	if !ok {
		return drops, nil
	}
	for _, m := range mf.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == "reason" {
				drops[l.GetValue()] = m.GetCounter().GetValue()
			}
		}
	}
	return drops, nil
}

func get(ctx context.Context, client *http.Client, addr, path string) (*http.Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	url := strings.TrimSuffix(addr, "/")
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query health server: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("health server returned %s", resp.Status)
	}
	return resp, nil
}
