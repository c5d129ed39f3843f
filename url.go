package testdb

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// NamePrefix marks every generated database as test-scoped.
const NamePrefix = "test_"

// newName returns NamePrefix followed by a random UUID. Collisions are not
// retried; one would surface as a CREATE DATABASE failure.
func newName() string {
	return NamePrefix + uuid.NewString()
}

// FormatServerURL renders structured coordinates as an administrative URL.
// An empty password omits the credential segment entirely, so the result
// reads user@host rather than user:@host.
func FormatServerURL(host string, port uint16, user, password string) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host, strconv.Itoa(int(port))),
	}
	if password == "" {
		u.User = url.User(user)
	} else {
		u.User = url.UserPassword(user, password)
	}
	return u.String()
}

func resolveServerURL(cfg Config) (string, error) {
	if cfg.URL == "" {
		return FormatServerURL(cfg.Host, cfg.Port, cfg.User, cfg.Password), nil
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("testdb: parsing server URL: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", fmt.Errorf("testdb: server URL scheme must be postgres or postgresql, got %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("testdb: server URL has no host")
	}
	return strings.TrimSuffix(cfg.URL, "/"), nil
}

// instanceURL addresses database name on the server behind serverURL,
// keeping credentials and query options.
func instanceURL(serverURL, name string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("testdb: parsing server URL: %w", err)
	}
	u.Path = "/" + name
	u.RawPath = ""
	return u.String(), nil
}
