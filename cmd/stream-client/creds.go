package main

import (
	"io/ioutil"

	"github.com/juju/errors"
	"github.com/y3sh/capital-sdk-go/config"
	"gopkg.in/yaml.v2"
)

type creds struct {
	APIKey     string `yaml:"api_key"`
	Identifier string `yaml:"identifier"`
	Password   string `yaml:"password"`
}

// parseCreds parses a YAML (or JSON) file with creds; example file contents:
//
// {
//   "api_key": "foofoofoofoo",
//   "identifier": "trader@example.com",
//   "password": "barbarbar"
// }
func parseCreds(filename string) (*creds, error) {
	data, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, errors.Annotatef(err, "reading creds file %q", filename)
	}

	ret := creds{}
	if err := yaml.UnmarshalStrict(data, &ret); err != nil {
		return nil, errors.Annotatef(err, "parsing creds from %q", filename)
	}

	return &ret, nil
}

// apply overrides credentials from the environment with the non-empty ones
// from the file.
func (c *creds) apply(cfg *config.Config) {
	if c.APIKey != "" {
		cfg.Credentials.APIKey = c.APIKey
	}
	if c.Identifier != "" {
		cfg.Credentials.Identifier = c.Identifier
	}
	if c.Password != "" {
		cfg.Credentials.Password = c.Password
	}
}
