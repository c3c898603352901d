package catalog

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const (
	// DefaultHost and DefaultPort locate the directory service when the
	// CATALOG_HOST / CATALOG_PORT environment is silent.
	DefaultHost = "catalog.cse.nd.edu"
	DefaultPort = 9097

	// compressedMarker prefixes a zlib-compressed update payload.
	compressedMarker = 0x1A

	// defaultUpdateLimit is the byte threshold above which updates are
	// compressed.
	defaultUpdateLimit = 1024

	queryTimeout = 60 * time.Second
)

// Client queries and updates one directory service endpoint.
type Client struct {
	Host string
	Port int

	// Protocol selects "udp" (default) or "tcp" for outbound updates.
	Protocol string

	// UpdateLimit is the payload size above which updates are compressed.
	UpdateLimit int

	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient builds a client from explicit values, falling back to the
// CATALOG_* environment.
func NewClient(host string, port int) *Client {
	if host == "" {
		host = os.Getenv("CATALOG_HOST")
	}
	if host == "" {
		host = DefaultHost
	}
	if port == 0 {
		if v := os.Getenv("CATALOG_PORT"); v != "" {
			port, _ = strconv.Atoi(v)
		}
	}
	if port == 0 {
		port = DefaultPort
	}

	protocol := os.Getenv("CATALOG_UPDATE_PROTOCOL")
	if protocol != "tcp" {
		protocol = "udp"
	}

	limit := defaultUpdateLimit
	if v := os.Getenv("CATALOG_UPDATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	return &Client{
		Host:        host,
		Port:        port,
		Protocol:    protocol,
		UpdateLimit: limit,
		httpClient:  &http.Client{Timeout: queryTimeout},
		logger:      log.WithComponent("catalog"),
	}
}

// Address returns the host:port the client points at, in the form workers
// take on their command line.
func (c *Client) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// QueryManagers fetches the published manager records whose project name
// matches the given pattern.
func (c *Client) QueryManagers(pattern *regexp.Regexp) ([]*types.ManagerStatus, error) {
	url := fmt.Sprintf("http://%s:%d/query.json", c.Host, c.Port)
	resp, err := c.httpClient.Get(url)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("querying %s: status %s", url, resp.Status)
	}

	var records []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("decoding catalog response: %w", err)
	}

	var managers []*types.ManagerStatus
	for _, raw := range records {
		var probe struct {
			Type    string `json:"type"`
			Project string `json:"project"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			continue
		}
		if probe.Type != "manager" && probe.Type != "wq_master" {
			continue
		}
		if !pattern.MatchString(probe.Project) {
			continue
		}
		var m types.ManagerStatus
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		managers = append(managers, &m)
	}

	// A manager that published twice within its lifetime window shows up
	// once; the first of its records in the response is kept.
	managers = lo.UniqBy(managers, func(m *types.ManagerStatus) string {
		return fmt.Sprintf("%s:%d", m.Name, m.Port)
	})
	return managers, nil
}

// SendUpdate publishes one status object, compressing payloads above the
// update limit.
func (c *Client) SendUpdate(status any) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encoding update: %w", err)
	}
	if len(payload) > c.UpdateLimit {
		payload, err = compressUpdate(payload)
		if err != nil {
			return err
		}
	}

	addr := net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	conn, err := net.DialTimeout(c.Protocol, addr, queryTimeout)
	if err != nil {
		return fmt.Errorf("dialing catalog at %s: %w", addr, err)
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(queryTimeout))
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("sending update: %w", err)
	}
	c.logger.Debug().Int("bytes", len(payload)).Str("protocol", c.Protocol).Msg("Sent status update")
	return nil
}

// compressUpdate deflates a payload and prefixes the compressed marker.
func compressUpdate(payload []byte) ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte(compressedMarker)
	w := zlib.NewWriter(&b)
	if _, err := w.Write(payload); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}
