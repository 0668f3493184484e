// Documentation: https://ascom-standards.org/api/?urls.primaryName=ASCOM+Alpaca+Management+API

package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// ManagementClient queries the management API of an Alpaca server.
type ManagementClient struct {
	baseURL string
	http    *http.Client
}

func NewManagementClient(baseURL string, hc *http.Client) *ManagementClient {
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	return &ManagementClient{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

func (m *ManagementClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return fmt.Errorf("management %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &HTTPError{Method: path, StatusCode: resp.StatusCode}
	}

	var base baseResponse
	if err := json.NewDecoder(resp.Body).Decode(&base); err != nil {
		return fmt.Errorf("management %s: %w", path, err)
	}
	if base.ErrorNumber != 0 {
		return &Error{Method: path, Number: base.ErrorNumber, Message: base.ErrorMessage}
	}
	return json.Unmarshal(base.Value, out)
}

func (m *ManagementClient) APIVersions(ctx context.Context) ([]int, error) {
	var versions []int
	err := m.get(ctx, "/management/apiversions", &versions)
	return versions, err
}

func (m *ManagementClient) Description(ctx context.Context) (ServerDescription, error) {
	var desc ServerDescription
	err := m.get(ctx, "/management/v1/description", &desc)
	return desc, err
}

func (m *ManagementClient) ConfiguredDevices(ctx context.Context) ([]DeviceInfo, error) {
	var devices []DeviceInfo
	err := m.get(ctx, "/management/v1/configureddevices", &devices)
	return devices, err
}
