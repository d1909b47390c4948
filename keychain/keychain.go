// Package keychain resolves a playbook's declared credentials once at
// execution start, exposing them read-only as keychain.<name> for the
// rest of the run. Concrete secret backends (vaults, KMS, secret
// managers) are external collaborators; the shipped resolver reads
// from process environment variables.
package keychain

import (
	"fmt"
	"os"
	"strings"

	"github.com/noetl/noetl/playbook"
	"github.com/noetl/noetl/value"
)

// Resolver resolves a playbook's keychain declarations into a read-only
// map exposed as the `keychain` runtime scope.
type Resolver interface {
	Resolve(declarations []playbook.KeychainEntry) (value.Value, error)
}

// EnvResolver resolves each declaration's value from an environment
// variable named NOETL_KEYCHAIN_<NAME> (name upper-cased, non-alnum
// replaced with '_').
type EnvResolver struct{}

// Resolve implements Resolver.
func (EnvResolver) Resolve(declarations []playbook.KeychainEntry) (value.Value, error) {
	out := map[string]value.Value{}
	for _, decl := range declarations {
		envVar := "NOETL_KEYCHAIN_" + envKey(decl.Name)
		val, ok := os.LookupEnv(envVar)
		if !ok {
			return value.Null, fmt.Errorf("keychain: %q (kind %q): environment variable %s not set", decl.Name, decl.Kind, envVar)
		}
		out[decl.Name] = value.Str(val)
	}
	return value.Map(out), nil
}

func envKey(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, strings.ToUpper(name))
}
