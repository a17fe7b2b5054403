package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/csmith/polaris/slave"
	"github.com/spf13/cast"
	"golang.org/x/exp/slices"
	"sigs.k8s.io/yaml"
)

// Entry is a single slave declaration, in the order it appeared in the document.
type Entry struct {
	Reference  string           `json:"reference"`
	Parameters slave.Parameters `json:"parameters"`
}

// Document is a parsed declaration document: the master parameters and every slave.
type Document struct {
	Master Master
	Slaves []Entry
}

type rawDocument struct {
	Master map[string]any `json:"master"`
	Slaves []Entry        `json:"slaves"`
}

// Master holds the global parameters of the frontend cluster.
type Master struct {
	Domain string

	ApacheCertificate string
	ApacheKey         string

	GlobalDisableHTTP2    bool
	EnableHTTP2ByDefault  bool
	AuthenticateToBackend bool
	Ciphers               []string

	RequestTimeout        time.Duration
	BackendConnectTimeout time.Duration
	BackendConnectRetries int

	RAMCacheSize string
}

const defaultDomain = "example.com"

// Parse reads a declaration document, in YAML or JSON, from the given reader. Slaves are returned in
// declaration order; if a reference is declared more than once the last parameters win, but the slave keeps
// its original position.
func Parse(reader io.Reader) (*Document, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}

	var raw rawDocument
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid document: %w", err)
	}

	master, err := parseMaster(raw.Master)
	if err != nil {
		return nil, err
	}

	doc := &Document{Master: master}
	positions := make(map[string]int)
	for i, entry := range raw.Slaves {
		if entry.Reference == "" {
			return nil, fmt.Errorf("slave %d has no reference", i+1)
		}
		if entry.Parameters == nil {
			entry.Parameters = slave.Parameters{}
		}
		if pos, ok := positions[entry.Reference]; ok {
			doc.Slaves[pos] = entry
			continue
		}
		positions[entry.Reference] = len(doc.Slaves)
		doc.Slaves = append(doc.Slaves, entry)
	}

	return doc, nil
}

func parseMaster(params map[string]any) (Master, error) {
	defaults := slave.DefaultDefaults()
	m := Master{
		Domain:                defaultDomain,
		EnableHTTP2ByDefault:  defaults.EnableHTTP2,
		RequestTimeout:        defaults.RequestTimeout,
		BackendConnectTimeout: defaults.BackendConnectTimeout,
		BackendConnectRetries: defaults.BackendConnectRetries,
	}

	var errs []string
	for key, value := range params {
		if value == nil {
			continue
		}

		var err error
		switch key {
		case "domain":
			m.Domain, err = nonEmptyString(value)
		case "apache-certificate":
			m.ApacheCertificate, err = cast.ToStringE(value)
		case "apache-key":
			m.ApacheKey, err = cast.ToStringE(value)
		case "global-disable-http2":
			m.GlobalDisableHTTP2, err = toBool(value)
		case "enable-http2-by-default":
			m.EnableHTTP2ByDefault, err = toBool(value)
		case "authenticate-to-backend":
			m.AuthenticateToBackend, err = toBool(value)
		case "ciphers":
			var s string
			s, err = cast.ToStringE(value)
			m.Ciphers = strings.Fields(s)
		case "request-timeout":
			m.RequestTimeout, err = toSeconds(value)
		case "backend-connect-timeout":
			m.BackendConnectTimeout, err = toSeconds(value)
		case "backend-connect-retries":
			m.BackendConnectRetries, err = toCount(value)
		case "ram-cache-size":
			m.RAMCacheSize, err = cast.ToStringE(value)
		default:
			// Master parameters for other parts of the cluster are ignored.
			continue
		}

		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}

	if len(errs) > 0 {
		slices.Sort(errs)
		return m, fmt.Errorf("invalid master parameters: %s", strings.Join(errs, ", "))
	}
	return m, nil
}

// Defaults returns the slave defaults implied by the master parameters.
func (m Master) Defaults() slave.Defaults {
	return slave.Defaults{
		RequestTimeout:        m.RequestTimeout,
		BackendConnectTimeout: m.BackendConnectTimeout,
		BackendConnectRetries: m.BackendConnectRetries,
		Ciphers:               m.Ciphers,
		AuthenticateToBackend: m.AuthenticateToBackend,
		EnableHTTP2:           m.EnableHTTP2ByDefault && !m.GlobalDisableHTTP2,
	}
}

func nonEmptyString(value any) (string, error) {
	s, err := cast.ToStringE(value)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("must not be empty")
	}
	return strings.TrimSpace(s), nil
}

// toBool accepts booleans in any case, as the master is often configured by hand.
func toBool(value any) (bool, error) {
	if s, ok := value.(string); ok {
		value = strings.ToLower(strings.TrimSpace(s))
	}
	return cast.ToBoolE(value)
}

func toSeconds(value any) (time.Duration, error) {
	i, err := toCount(value)
	return time.Duration(i) * time.Second, err
}

func toCount(value any) (int, error) {
	if s, ok := value.(string); ok {
		value = strings.TrimSpace(s)
	}
	i, err := cast.ToIntE(value)
	if err != nil {
		return 0, err
	}
	if i < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return i, nil
}
