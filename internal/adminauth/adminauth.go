// Package adminauth gates the admin API's one mutating endpoint with a bind
// against an LDAP/AD directory, narrowed from a full user/group sync client
// down to a single Authenticate entry point: the agents have no local user
// database to provision into, only an operator who must prove they hold a
// directory account before forcing a reconcile.
package adminauth

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	ldap "github.com/go-ldap/ldap/v3"
)

// Config holds the directory connection parameters needed to bind-as-auth
// an operator.
type Config struct {
	Server       string
	Port         int
	UseTLS       bool
	BindDN       string
	BindPassword string
	BaseDN       string
	UserFilter   string // must contain "{username}"
	Timeout      time.Duration
}

// Authenticator binds a username/password pair against a directory server.
type Authenticator struct {
	cfg Config
}

func New(cfg Config) *Authenticator {
	return &Authenticator{cfg: cfg}
}

// Authenticate connects, binds with the service account, locates the user by
// UserFilter, then re-binds as that user with password to verify it. Returns
// nil only if all three steps succeed.
func (a *Authenticator) Authenticate(username, password string) error {
	conn, err := a.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Bind(a.cfg.BindDN, a.cfg.BindPassword); err != nil {
		return fmt.Errorf("adminauth: service bind failed: %w", err)
	}

	filter := strings.ReplaceAll(a.cfg.UserFilter, "{username}", ldap.EscapeFilter(username))
	req := ldap.NewSearchRequest(
		a.cfg.BaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		0, 0, false,
		filter,
		[]string{"dn"},
		nil,
	)
	result, err := conn.Search(req)
	if err != nil {
		return fmt.Errorf("adminauth: user search failed: %w", err)
	}
	if len(result.Entries) != 1 {
		return fmt.Errorf("adminauth: expected exactly one match for %q, got %d", username, len(result.Entries))
	}

	if err := conn.Bind(result.Entries[0].DN, password); err != nil {
		return fmt.Errorf("adminauth: invalid credentials")
	}
	return nil
}

func (a *Authenticator) dial() (*ldap.Conn, error) {
	addr := fmt.Sprintf("%s:%d", a.cfg.Server, a.cfg.Port)
	var conn *ldap.Conn
	var err error
	if a.cfg.UseTLS {
		conn, err = ldap.DialTLS("tcp", addr, &tls.Config{ServerName: a.cfg.Server, MinVersion: tls.VersionTLS12})
	} else {
		conn, err = ldap.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("adminauth: dial %s: %w", addr, err)
	}
	if a.cfg.Timeout > 0 {
		conn.SetTimeout(a.cfg.Timeout)
	}
	return conn, nil
}
