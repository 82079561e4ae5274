// Package monitor queries the RabbitMQ management API for queue, channel and
// binding state.
package monitor

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

// ManagementClient reads broker state from the RabbitMQ management HTTP API
type ManagementClient struct {
	baseURL    string
	vhost      string
	username   string
	password   string
	httpClient *http.Client
}

// QueueInfo contains queue statistics
type QueueInfo struct {
	Name            string `json:"name"`
	VHost           string `json:"vhost"`
	Messages        int    `json:"messages"`
	MessagesReady   int    `json:"messages_ready"`
	MessagesUnacked int    `json:"messages_unacknowledged"`
	Consumers       int    `json:"consumers"`
	State           string `json:"state"`
	Durable         bool   `json:"durable"`
	AutoDelete      bool   `json:"auto_delete"`
}

// ChannelInfo describes one open channel
type ChannelInfo struct {
	Name              string `json:"name"`
	Number            int    `json:"number"`
	User              string `json:"user"`
	VHost             string `json:"vhost"`
	Consumers         int    `json:"consumer_count"`
	MessagesUnacked   int    `json:"messages_unacknowledged"`
	PrefetchCount     int    `json:"prefetch_count"`
	ConnectionDetails struct {
		Name     string `json:"name"`
		PeerHost string `json:"peer_host"`
		PeerPort int    `json:"peer_port"`
	} `json:"connection_details"`
}

// ConnectionName returns the broker-side name of the channel's connection
func (c ChannelInfo) ConnectionName() string {
	return c.ConnectionDetails.Name
}

// ConnectionInfo describes one client connection
type ConnectionInfo struct {
	Name             string `json:"name"`
	UserProvidedName string `json:"user_provided_name"`
	User             string `json:"user"`
	VHost            string `json:"vhost"`
	State            string `json:"state"`
	Channels         int    `json:"channels"`
}

// BindingInfo describes one binding of a queue
type BindingInfo struct {
	Source          string `json:"source"`
	Destination     string `json:"destination"`
	DestinationType string `json:"destination_type"`
	RoutingKey      string `json:"routing_key"`
	VHost           string `json:"vhost"`
}

// APIError is returned for management API responses with an error status
type APIError struct {
	Endpoint   string
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("management API error: %s %s", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("management API error: %s %s: %s", e.Endpoint, e.Status, e.Body)
}

// IsNotFound reports whether err is a 404 from the management API
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// ManagementOption configures the management client
type ManagementOption func(*ManagementClient)

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(client *http.Client) ManagementOption {
	return func(c *ManagementClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithManagementURL sets the API base URL, e.g. http://rabbit:15672/api,
// instead of deriving it from the AMQP URL
func WithManagementURL(base string) ManagementOption {
	return func(c *ManagementClient) {
		c.baseURL = strings.TrimRight(base, "/")
	}
}

// NewManagementClient derives the management API endpoint, credentials and
// vhost from an AMQP URL. The API is assumed on port 15672, or 15671 for
// amqps.
func NewManagementClient(amqpURL string, opts ...ManagementOption) (*ManagementClient, error) {
	u, err := url.Parse(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("invalid AMQP URL: %w", err)
	}

	scheme, port := "http", "15672"
	switch u.Scheme {
	case "amqp":
	case "amqps":
		scheme, port = "https", "15671"
	default:
		return nil, fmt.Errorf("invalid AMQP URL: unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("invalid AMQP URL: missing host")
	}

	username, password := "guest", "guest"
	if u.User != nil {
		username = u.User.Username()
		if p, ok := u.User.Password(); ok {
			password = p
		}
	}

	vhost := strings.TrimPrefix(u.Path, "/")
	if vhost == "" {
		vhost = "/"
	}

	c := &ManagementClient{
		baseURL:    fmt.Sprintf("%s://%s:%s/api", scheme, u.Hostname(), port),
		vhost:      vhost,
		username:   username,
		password:   password,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the management API base URL
func (c *ManagementClient) BaseURL() string {
	return c.baseURL
}

// VHost returns the virtual host the client inspects
func (c *ManagementClient) VHost() string {
	return c.vhost
}

// ListQueues returns the queues of the vhost
func (c *ManagementClient) ListQueues(ctx context.Context) ([]QueueInfo, error) {
	var queues []QueueInfo
	if err := c.get(ctx, "/queues/"+url.PathEscape(c.vhost), &queues); err != nil {
		return nil, err
	}
	return queues, nil
}

// GetQueue returns one queue. A missing queue yields an error for which
// IsNotFound is true.
func (c *ManagementClient) GetQueue(ctx context.Context, name string) (*QueueInfo, error) {
	var queue QueueInfo
	endpoint := fmt.Sprintf("/queues/%s/%s", url.PathEscape(c.vhost), url.PathEscape(name))
	if err := c.get(ctx, endpoint, &queue); err != nil {
		return nil, err
	}
	return &queue, nil
}

// ListChannels returns every open channel on the broker
func (c *ManagementClient) ListChannels(ctx context.Context) ([]ChannelInfo, error) {
	var channels []ChannelInfo
	if err := c.get(ctx, "/channels", &channels); err != nil {
		return nil, err
	}
	return channels, nil
}

// ListConnections returns every client connection on the broker
func (c *ManagementClient) ListConnections(ctx context.Context) ([]ConnectionInfo, error) {
	var conns []ConnectionInfo
	if err := c.get(ctx, "/connections", &conns); err != nil {
		return nil, err
	}
	return conns, nil
}

// ListBindings returns the bindings of a queue, including the implicit one
// from the default exchange
func (c *ManagementClient) ListBindings(ctx context.Context, queue string) ([]BindingInfo, error) {
	var bindings []BindingInfo
	endpoint := fmt.Sprintf("/queues/%s/%s/bindings", url.PathEscape(c.vhost), url.PathEscape(queue))
	if err := c.get(ctx, endpoint, &bindings); err != nil {
		return nil, err
	}
	return bindings, nil
}

func (c *ManagementClient) get(ctx context.Context, endpoint string, out any) error {
	resp, err := c.managementRequest(ctx, http.MethodGet, endpoint)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}

// managementRequest makes an authenticated request to the management API
func (c *ManagementClient) managementRequest(ctx context.Context, method, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("management API request %s failed: %w", endpoint, err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &APIError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	return resp, nil
}
