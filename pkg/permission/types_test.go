package permission

import (
	"reflect"
	"testing"
)

func TestSet_Has(t *testing.T) {
	set := Set{"global:billing:read", "tenant:users:read", "team:boards:write"}

	cases := []struct {
		code  string
		scope Scope
		want  bool
	}{
		{"users:read", ScopeTenant, true},
		{"users:read", ScopeTeam, false},
		{"billing:read", ScopeTenant, true}, // global satisfies any scope
		{"billing:read", ScopeGlobal, true},
		{"boards:write", ScopeTeam, true},
		{"boards:write", ScopeTenant, false},
		{"users:write", ScopeTenant, false},
	}

	for _, tc := range cases {
		if got := set.Has(tc.code, tc.scope); got != tc.want {
			t.Errorf("Has(%q, %s) = %v, want %v", tc.code, tc.scope, got, tc.want)
		}
	}
}

func TestSet_Scoped(t *testing.T) {
	set := Set{
		"global:billing:read",
		"tenant:users:read",
		"tenant:users:write",
		"team:boards:write",
	}

	got := set.Scoped(ScopeTenant)
	want := []string{"billing:read", "users:read", "users:write"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Scoped(tenant) = %v, want %v", got, want)
	}

	got = set.Scoped(ScopeGlobal)
	want = []string{"billing:read"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Scoped(global) = %v, want %v", got, want)
	}
}

func TestNormalize(t *testing.T) {
	got := normalize([]string{
		"tenant:users:read",
		"global:billing:read",
		"tenant:users:read",
		"tenant:users:read",
	})
	want := Set{"global:billing:read", "tenant:users:read"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("normalize = %v, want %v", got, want)
	}
}

func TestScope_Valid(t *testing.T) {
	for _, s := range []Scope{ScopeGlobal, ScopeTenant, ScopeTeam} {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if Scope("org").Valid() {
		t.Error("Unknown scope accepted")
	}
}
