// Package registry talks to the CDR Register to fetch the accreditation status
// of data recipients and their software products.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Kind selects the Register listing to fetch.
type Kind string

const (
	DataRecipients   Kind = "dataRecipients"
	SoftwareProducts Kind = "softwareProducts"
)

// StatusRecord is one entity id and the status the Register reports for it.
type StatusRecord struct {
	EntityID string
	Status   string
}

// Config describes how to reach the Register.
type Config struct {
	BaseURL  string
	Username string
	Password string
	// Paths maps each Kind to the path appended to BaseURL.
	Paths map[Kind]string
	// Versions maps each Kind to the x-v header value.
	Versions map[Kind]string
	Timeout  time.Duration
}

var defaultPaths = map[Kind]string{
	DataRecipients:   "/cdr-register/v1/all/data-recipients/status",
	SoftwareProducts: "/cdr-register/v1/all/data-recipients/brands/software-products/status",
}

var defaultVersions = map[Kind]string{
	DataRecipients:   "2",
	SoftwareProducts: "2",
}

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Client fetches status listings. It performs a single attempt per call;
// retries belong to the caller.
type Client struct {
	base     *url.URL
	username string
	password string
	paths    map[Kind]string
	versions map[Kind]string
	http     httpDoer
}

// NewClient validates cfg and builds a client. doer may be nil, in which case
// an http.Client with cfg.Timeout is used.
func NewClient(cfg Config, doer httpDoer) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("registry: base url required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("registry: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("registry: base url %q must be http or https", cfg.BaseURL)
	}
	if doer == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		doer = &http.Client{Timeout: timeout}
	}
	c := &Client{
		base:     base,
		username: cfg.Username,
		password: cfg.Password,
		paths:    merge(defaultPaths, cfg.Paths),
		versions: merge(defaultVersions, cfg.Versions),
		http:     doer,
	}
	return c, nil
}

// Statuses returns the status of every entity of the given kind.
func (c *Client) Statuses(ctx context.Context, kind Kind) ([]StatusRecord, error) {
	path, ok := c.paths[kind]
	if !ok {
		return nil, fmt.Errorf("registry: unknown kind %q", kind)
	}
	target := c.base.JoinPath(path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("registry: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if v := c.versions[kind]; v != "" {
		req.Header.Set("x-v", v)
	}
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry: %s request: %w", kind, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("registry: %s read body: %w", kind, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("registry: %s unexpected status %d", kind, resp.StatusCode)
	}
	records, err := decode(kind, body)
	if err != nil {
		return nil, fmt.Errorf("registry: %s decode: %w", kind, err)
	}
	return records, nil
}

type statusItem struct {
	LegalEntityID         string `json:"legalEntityId"`
	DataRecipientID       string `json:"dataRecipientId"`
	SoftwareProductID     string `json:"softwareProductId"`
	Status                string `json:"status"`
	DataRecipientStatus   string `json:"dataRecipientStatus"`
	SoftwareProductStatus string `json:"softwareProductStatus"`
}

type statusPayload struct {
	Data             []statusItem `json:"data"`
	DataRecipients   []statusItem `json:"dataRecipients"`
	SoftwareProducts []statusItem `json:"softwareProducts"`
}

func decode(kind Kind, body []byte) ([]StatusRecord, error) {
	var payload statusPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	items := payload.Data
	switch kind {
	case DataRecipients:
		if items == nil {
			items = payload.DataRecipients
		}
	case SoftwareProducts:
		if items == nil {
			items = payload.SoftwareProducts
		}
	}
	if items == nil {
		return nil, errors.New("payload has no status list")
	}

	records := make([]StatusRecord, 0, len(items))
	for _, item := range items {
		id, status := item.identify(kind)
		if id == "" {
			continue
		}
		records = append(records, StatusRecord{EntityID: id, Status: status})
	}
	return records, nil
}

func (i statusItem) identify(kind Kind) (string, string) {
	if kind == SoftwareProducts {
		return firstNonEmpty(i.SoftwareProductID), firstNonEmpty(i.Status, i.SoftwareProductStatus)
	}
	return firstNonEmpty(i.LegalEntityID, i.DataRecipientID), firstNonEmpty(i.Status, i.DataRecipientStatus)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func merge(defaults, overrides map[Kind]string) map[Kind]string {
	out := make(map[Kind]string, len(defaults))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		if strings.TrimSpace(v) != "" {
			out[k] = v
		}
	}
	return out
}
