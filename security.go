package mqttd

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/golang-io/mqttd/topic"
	"golang.org/x/crypto/bcrypt"
)

// Access is the kind of topic access checked against the ACLs.
type Access int

const (
	AccessRead Access = 1 << iota
	AccessWrite
)

var ErrNotAuthorized = errors.New("mqttd: not authorized")

// Security authenticates clients and checks topic access. Init runs once
// during startup and Cleanup once during shutdown.
type Security interface {
	Init(ctx context.Context) error
	Cleanup() error
	Reload(ctx context.Context) error

	Authenticate(c *Client, username, password string) error
	// FindACLs associates the rules for the client's username with c.
	FindACLs(c *Client) error
	Allow(c *Client, topic string, access Access) bool
}

// ACLRule lists the filters a user may read and write. "%c" and "%u" in a
// filter are replaced by the client id and username.
type ACLRule struct {
	Read  []string `json:"read" yaml:"read"`
	Write []string `json:"write" yaml:"write"`
}

type aclSet struct {
	rule ACLRule
}

func (a *aclSet) allow(c *Client, name string, access Access) bool {
	var filters []string
	switch access {
	case AccessRead:
		filters = a.rule.Read
	case AccessWrite:
		filters = a.rule.Write
	}
	for _, f := range filters {
		f = strings.NewReplacer("%c", c.id, "%u", c.username).Replace(f)
		if topic.Match(f, name) {
			return true
		}
	}
	return false
}

// PasswordSecurity checks credentials against a user table. Passwords that
// look like bcrypt hashes are compared with bcrypt, others literally. An
// empty table accepts every username.
type PasswordSecurity struct {
	// Users maps username to password or bcrypt hash.
	Users map[string]string
	// PasswordFile holds "user:password" lines merged over Users.
	PasswordFile string
	// ACL maps username to its rules; "" holds the anonymous rules.
	// An empty map allows everything.
	ACL map[string]ACLRule

	mu     sync.RWMutex
	users  map[string]string
	inited bool
}

func (s *PasswordSecurity) Init(ctx context.Context) error {
	return s.load()
}

func (s *PasswordSecurity) Reload(ctx context.Context) error {
	return s.load()
}

func (s *PasswordSecurity) load() error {
	users := make(map[string]string, len(s.Users))
	for u, p := range s.Users {
		users[u] = p
	}
	if s.PasswordFile != "" {
		f, err := os.Open(s.PasswordFile)
		if err != nil {
			return fmt.Errorf("open password file: %w", err)
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for n := 1; scanner.Scan(); n++ {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			user, pass, ok := strings.Cut(line, ":")
			if !ok || user == "" {
				return fmt.Errorf("%w: password file %s line %d", ErrInvalid, s.PasswordFile, n)
			}
			users[user] = pass
		}
		if err := scanner.Err(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.users, s.inited = users, true
	s.mu.Unlock()
	return nil
}

func (s *PasswordSecurity) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.users)
	s.users, s.inited = nil, false
	return nil
}

func (s *PasswordSecurity) Authenticate(_ *Client, username, password string) error {
	s.mu.RLock()
	stored, ok := s.users[username]
	open := len(s.users) == 0
	s.mu.RUnlock()
	if open {
		// no user table configured
		return nil
	}
	if !ok {
		return ErrNotAuthorized
	}
	if strings.HasPrefix(stored, "$2a$") || strings.HasPrefix(stored, "$2b$") || strings.HasPrefix(stored, "$2y$") {
		if bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) != nil {
			return ErrNotAuthorized
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(password)) != 1 {
		return ErrNotAuthorized
	}
	return nil
}

func (s *PasswordSecurity) FindACLs(c *Client) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.inited {
		return fmt.Errorf("%w: security not initialised", ErrInvalid)
	}
	c.acl = nil
	if len(s.ACL) == 0 {
		return nil
	}
	rule, ok := s.ACL[c.username]
	if !ok {
		return fmt.Errorf("%w: no acl for username=%s", ErrNotAuthorized, c.username)
	}
	c.acl = &aclSet{rule: rule}
	return nil
}

func (s *PasswordSecurity) Allow(c *Client, name string, access Access) bool {
	if len(s.ACL) == 0 {
		return true
	}
	if c.acl == nil {
		return false
	}
	return c.acl.allow(c, name, access)
}

// HashPassword returns the bcrypt hash stored in password files.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
