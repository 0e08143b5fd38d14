package merger

import (
	"fmt"
	"sync"

	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"

	"github.com/trungminhnguyen/zuul/internal"
)

// Credentials holds the transport credential of every connection. Each fetch
// is handed the credential of its own connection; nothing is stored in the
// process environment or in the mirrors' config.
type Credentials struct {
	mu      sync.RWMutex
	methods map[string]transport.AuthMethod
}

func NewCredentials() *Credentials {
	return &Credentials{methods: make(map[string]transport.AuthMethod)}
}

// CredentialsFromConfig registers every configured connection. An ssh key
// wins over an API token, matching the clone URL the connection hands out.
func CredentialsFromConfig(connections map[string]internal.ConnectionConfig) (*Credentials, error) {
	creds := NewCredentials()
	for name, conn := range connections {
		switch {
		case conn.SSHKey != "":
			if err := creds.AddSSHKey(name, conn.SSHKey); err != nil {
				return nil, err
			}
		case conn.APIToken != "":
			creds.AddToken(name, conn.APIToken)
		default:
			creds.AddAnonymous(name)
		}
	}
	return creds, nil
}

func (c *Credentials) AddToken(connection, token string) {
	c.set(connection, &githttp.BasicAuth{Username: "x-access-token", Password: token})
}

func (c *Credentials) AddSSHKey(connection, keyPath string) error {
	keys, err := gitssh.NewPublicKeysFromFile("git", keyPath, "")
	if err != nil {
		return fmt.Errorf("connection %s: load ssh key: %w", connection, err)
	}
	c.set(connection, keys)
	return nil
}

// AddAnonymous registers a connection that fetches without credentials.
func (c *Credentials) AddAnonymous(connection string) {
	c.set(connection, nil)
}

func (c *Credentials) set(connection string, method transport.AuthMethod) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.methods[connection] = method
}

// Auth returns the credential of connection. An empty name fetches
// anonymously; an unknown name is an error.
func (c *Credentials) Auth(connection string) (transport.AuthMethod, error) {
	if connection == "" {
		return nil, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	method, ok := c.methods[connection]
	if !ok {
		return nil, fmt.Errorf("unknown connection %q", connection)
	}
	return method, nil
}
