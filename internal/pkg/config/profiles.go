package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/V4T54L/tenancy/internal/domain"
)

type profilesDocument struct {
	Profiles map[string]domain.CredentialProfile `yaml:"profiles"`
}

// LoadProfiles reads named credential profiles from a YAML file. Unset fields
// are inherited from base. Unknown fields are rejected.
//
//	profiles:
//	  eu-shared:
//	    host: pg-eu.internal
//	    port: 5432
//	    username: tenants
//	    password: $tnc1$k1$...
//	    driver: pgx
//	    options:
//	      application_name: tenancyd
func LoadProfiles(path string, base domain.CredentialProfile) (map[string]domain.CredentialProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles file: %w", err)
	}
	return ParseProfiles(data, base)
}

// ParseProfiles decodes a profiles document.
func ParseProfiles(data []byte, base domain.CredentialProfile) (map[string]domain.CredentialProfile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc profilesDocument
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}

	out := make(map[string]domain.CredentialProfile, len(doc.Profiles))
	var errs []error
	for name, p := range doc.Profiles {
		p.Name = name
		p = p.WithDefaults(base)
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		out[name] = p
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}
