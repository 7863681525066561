package adapters

import (
	"fmt"
	"os"
	"strings"
	"unicode"
)

// SecretResolver turns a reference from step configuration into its value.
type SecretResolver interface {
	Resolve(ref string) (string, error)
}

// StaticSecrets resolves references from a fixed map, falling back to
// BACKUPFLOW_SECRET_<REF> environment variables.
type StaticSecrets struct {
	values    map[string]string
	lookupEnv func(string) (string, bool)
}

func NewStaticSecrets(values map[string]string) *StaticSecrets {
	return &StaticSecrets{values: values, lookupEnv: os.LookupEnv}
}

func (s *StaticSecrets) Resolve(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("empty secret reference")
	}
	if v, ok := s.values[ref]; ok && v != "" {
		return v, nil
	}
	if s.lookupEnv != nil {
		if v, ok := s.lookupEnv(SecretEnvVar(ref)); ok && v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("secret %q not found", ref)
}

// SecretEnvVar is the environment variable consulted for ref.
func SecretEnvVar(ref string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToUpper(r)
		}
		return '_'
	}, ref)
	return "BACKUPFLOW_SECRET_" + mapped
}
