package credentials

import (
	"context"
	"errors"
	"testing"
)

var errNoCredential = errors.New("no credential")

func TestEnvProviderExactKey(t *testing.T) {
	t.Setenv("FAKE_TEST_API_KEY", "sk-test-123")

	p := NewEnvProvider("")
	cred, err := p.GetCredential(context.Background(), "FAKE_TEST_API_KEY")
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if cred.Value != "sk-test-123" || cred.Source != "environment" {
		t.Errorf("cred = %+v", cred)
	}
}

func TestEnvProviderPrefixFallback(t *testing.T) {
	t.Setenv("SCRIPTON_FAKE_TEST_API_KEY", "sk-prefixed-456")

	p := NewEnvProvider("SCRIPTON_")
	cred, err := p.GetCredential(context.Background(), "FAKE_TEST_API_KEY")
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if cred.Value != "sk-prefixed-456" {
		t.Errorf("value = %q", cred.Value)
	}
	// The logical key is reported, not the prefixed env var name.
	if cred.Key != "FAKE_TEST_API_KEY" {
		t.Errorf("key = %q", cred.Key)
	}
}

func TestEnvProviderMissing(t *testing.T) {
	p := NewEnvProvider("")
	if _, err := p.GetCredential(context.Background(), "NO_SUCH_CREDENTIAL_EVER"); err == nil {
		t.Error("missing credential resolved")
	}
}

func TestEnvProviderListAvailable(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-xyz")
	t.Setenv("MY_SERVICE_API_KEY", "abc")

	p := NewEnvProvider("")
	keys, err := p.ListAvailable(context.Background())
	if err != nil {
		t.Fatalf("ListAvailable: %v", err)
	}

	want := map[string]bool{"ANTHROPIC_API_KEY": false, "MY_SERVICE_API_KEY": false}
	for _, k := range keys {
		if _, ok := want[k]; ok {
			want[k] = true
		}
	}
	for k, found := range want {
		if !found {
			t.Errorf("%s missing from available keys %v", k, keys)
		}
	}
}

type staticProvider struct {
	name  string
	creds map[string]string
}

func (p *staticProvider) Name() string { return p.name }

func (p *staticProvider) GetCredential(ctx context.Context, key string) (*Credential, error) {
	if v, ok := p.creds[key]; ok {
		return &Credential{Key: key, Value: v, Source: p.name}, nil
	}
	return nil, errNoCredential
}

func (p *staticProvider) ListAvailable(ctx context.Context) ([]string, error) {
	keys := make([]string, 0, len(p.creds))
	for k := range p.creds {
		keys = append(keys, k)
	}
	return keys, nil
}

func TestManagerProviderOrder(t *testing.T) {
	first := &staticProvider{name: "first", creds: map[string]string{"SHARED_KEY": "from-first"}}
	second := &staticProvider{name: "second", creds: map[string]string{
		"SHARED_KEY": "from-second",
		"ONLY_KEY":   "only-value",
	}}

	m := NewManager(first, second)
	ctx := context.Background()

	cred, err := m.Get(ctx, "SHARED_KEY")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cred.Value != "from-first" {
		t.Errorf("provider order not respected: %q", cred.Value)
	}

	if got := m.GetValue(ctx, "ONLY_KEY"); got != "only-value" {
		t.Errorf("GetValue = %q", got)
	}
	if got := m.GetValue(ctx, "MISSING"); got != "" {
		t.Errorf("GetValue for missing key = %q", got)
	}
}

func TestManagerListAvailableDeduplicates(t *testing.T) {
	first := &staticProvider{name: "first", creds: map[string]string{"A": "1"}}
	second := &staticProvider{name: "second", creds: map[string]string{"A": "2", "B": "3"}}

	m := NewManager(first, second)
	keys := m.ListAvailable(context.Background())

	counts := map[string]int{}
	for _, k := range keys {
		counts[k]++
	}
	if counts["A"] != 1 || counts["B"] != 1 {
		t.Errorf("keys = %v", keys)
	}
}
