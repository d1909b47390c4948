package keychain

import (
	"testing"

	"github.com/noetl/noetl/playbook"
)

func TestEnvResolverResolvesDeclaredNames(t *testing.T) {
	t.Setenv("NOETL_KEYCHAIN_DB_PASSWORD", "s3cret")

	r := EnvResolver{}
	v, err := r.Resolve([]playbook.KeychainEntry{{Name: "db_password", Kind: "basic"}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if v.Get("db_password").S != "s3cret" {
		t.Fatalf("expected resolved secret, got %+v", v.Get("db_password"))
	}
}

func TestEnvResolverErrorsOnMissing(t *testing.T) {
	r := EnvResolver{}
	_, err := r.Resolve([]playbook.KeychainEntry{{Name: "missing_one", Kind: "basic"}})
	if err == nil {
		t.Fatalf("expected error for unresolved declaration")
	}
}
