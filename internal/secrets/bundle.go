package secrets

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// Bundle is the credential document stored at /{env}/database/credentials.
// The shape matches what the stack template seeds, so anything the API reads
// can also be produced by a deployment or a rotation.
type Bundle struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     Port   `json:"port"`
	DBName   string `json:"dbname"`
}

// Port tolerates both encodings found in the wild: older secrets stored the
// port as a JSON number, newer ones as a string.
type Port string

func (p *Port) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = Port(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("port must be a string or number: %w", err)
	}
	*p = Port(n.String())
	return nil
}

func (p Port) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(p))
}

func (p Port) String() string {
	return string(p)
}

// ParseBundle decodes a credential bundle from its secret string.
func ParseBundle(data []byte) (Bundle, error) {
	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return Bundle{}, fmt.Errorf("failed to unmarshal credential bundle: %w", err)
	}
	if bundle.Port == "" {
		bundle.Port = "5432"
	}
	return bundle, nil
}

// Validate checks the fields a connection cannot do without.
func (b Bundle) Validate() error {
	switch {
	case b.Username == "":
		return fmt.Errorf("credential bundle has no username")
	case b.Host == "":
		return fmt.Errorf("credential bundle has no host")
	case b.DBName == "":
		return fmt.Errorf("credential bundle has no dbname")
	default:
		return nil
	}
}

// DSN renders the bundle as a Postgres connection string.
func (b Bundle) DSN() string {
	port := b.Port
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		url.QueryEscape(b.Username),
		url.QueryEscape(b.Password),
		b.Host,
		port,
		b.DBName,
	)
}

// Encode renders the bundle as the JSON document stored in Secrets Manager.
func (b Bundle) Encode() (string, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("failed to marshal credential bundle: %w", err)
	}
	return string(data), nil
}
