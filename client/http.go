package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// httpGetJSON performs a GET request and decodes the JSON response.
// Accepts 200 and 202; a pending collection answers 202 with a JSON body.
func httpGetJSON(url string, result any) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("GET %s:\n%w", url, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

// httpGetBytes performs a GET request and returns the raw response body.
func httpGetBytes(url string) ([]byte, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("GET %s:\n%w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// httpPostBytes POSTs an encoded protocol message and checks the status.
// When result is non-nil the JSON response is decoded into it.
func httpPostBytes(url string, body []byte, wantStatus int, result any) error {
	return httpSendBytes(http.MethodPost, url, body, wantStatus, result)
}

// httpPutBytes is httpPostBytes over PUT.
func httpPutBytes(url string, body []byte, wantStatus int, result any) error {
	return httpSendBytes(http.MethodPut, url, body, wantStatus, result)
}

// httpSendBytes sends an encoded protocol message and checks the status.
// Refusals carry a JSON error body; its error field becomes part of the
// returned error so callers see why the aggregator said no.
func httpSendBytes(method, url string, body []byte, wantStatus int, result any) error {
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s %s:\n%w", method, url, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s:\n%w", method, url, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode != wantStatus {
		var failure struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		json.NewDecoder(resp.Body).Decode(&failure)

		if failure.Error != "" {
			return fmt.Errorf("%s %s: status %d: %s (%s)", method, url, resp.StatusCode, failure.Error, failure.Detail)
		}

		return fmt.Errorf("%s %s: status %d", method, url, resp.StatusCode)
	}

	if result == nil {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(result)
}
