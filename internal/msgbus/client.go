package msgbus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/adamscao/nodetrust/internal/errs"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultTimeout bounds every call to the management API
const DefaultTimeout = 10 * time.Second

// Permissions are the RabbitMQ resource permission regexes of a user
type Permissions struct {
	Configure string `json:"configure"`
	Read      string `json:"read"`
	Write     string `json:"write"`
}

// FullPermissions grants configure, read and write on every resource
func FullPermissions() Permissions {
	return Permissions{Configure: ".*", Read: ".*", Write: ".*"}
}

// Provisioner grants message bus access to a newly trusted identity and
// withdraws it when the identity is removed
type Provisioner interface {
	CreateUserWithPermissions(ctx context.Context, identity string, perms Permissions, tls bool) error
	DeleteUser(ctx context.Context, identity string) error
}

// Config configures a management API client
type Config struct {
	URL      string
	Username string
	Password string
	VHost    string
	// DefaultPassword is given to users created without TLS authentication
	DefaultPassword string
	Timeout         time.Duration
}

// Client talks to the RabbitMQ management HTTP API
type Client struct {
	baseURL         string
	username        string
	password        string
	vhost           string
	defaultPassword string
	httpClient      *http.Client
	logger          *zap.Logger
}

type userRequest struct {
	Password     *string `json:"password,omitempty"`
	PasswordHash *string `json:"password_hash,omitempty"`
	Tags         string  `json:"tags"`
}

type errorMessage struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// NewClient creates a management API client
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.Wrap(errs.ErrConfiguration, "messaging.management_url is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, errors.Wrapf(errs.ErrConfiguration, "invalid messaging.management_url: %v", err)
	}

	if cfg.VHost == "" {
		cfg.VHost = "/"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:         strings.TrimRight(cfg.URL, "/"),
		username:        cfg.Username,
		password:        cfg.Password,
		vhost:           cfg.VHost,
		defaultPassword: cfg.DefaultPassword,
		httpClient:      &http.Client{Timeout: cfg.Timeout},
		logger:          logger,
	}, nil
}

// CreateUserWithPermissions creates identity on the broker and grants perms on
// the configured vhost. Users authenticated by TLS client certificates are
// created without a password.
func (c *Client) CreateUserWithPermissions(ctx context.Context, identity string, perms Permissions, tls bool) error {
	user := userRequest{}
	if tls {
		empty := ""
		user.PasswordHash = &empty
	} else {
		password := c.defaultPassword
		user.Password = &password
	}

	c.logger.Debug("creating message bus user", zap.String("identity", identity), zap.Bool("tls", tls))

	if err := c.request(ctx, http.MethodPut, "users/"+url.PathEscape(identity), user); err != nil {
		return errors.Wrapf(err, "failed to create message bus user %s", identity)
	}

	path := fmt.Sprintf("permissions/%s/%s", url.PathEscape(c.vhost), url.PathEscape(identity))
	if err := c.request(ctx, http.MethodPut, path, perms); err != nil {
		return errors.Wrapf(err, "failed to set permissions for %s", identity)
	}

	return nil
}

// DeleteUser removes identity from the broker. A missing user is not an error.
func (c *Client) DeleteUser(ctx context.Context, identity string) error {
	err := c.request(ctx, http.MethodDelete, "users/"+url.PathEscape(identity), nil)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	return errors.Wrapf(err, "failed to delete message bus user %s", identity)
}

func (c *Client) request(ctx context.Context, method, path string, data interface{}) error {
	var body io.Reader
	if data != nil {
		jv, err := json.Marshal(data)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(jv)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/"+path, body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return errors.Wrap(errs.ErrUnauthorized, "management api rejected credentials")
	case resp.StatusCode == http.StatusNotFound:
		return errors.Wrapf(errs.ErrNotFound, "%s %s", method, path)
	case resp.StatusCode < 200 || resp.StatusCode > 204:
		var msg errorMessage
		_ = json.NewDecoder(resp.Body).Decode(&msg)
		return errors.Errorf("management api returned %d: %s %s", resp.StatusCode, msg.Error, msg.Reason)
	}

	return nil
}
