package config

import "testing"

func TestEnvFallsBackToDefault(t *testing.T) {
	t.Setenv("CB_TEST_KEY", "")
	if got := Env("CB_TEST_KEY", "fallback"); got != "fallback" {
		t.Errorf("got %q, want fallback", got)
	}
}

func TestEnvBool(t *testing.T) {
	t.Setenv("CB_TEST_BOOL", "true")
	if !EnvBool("CB_TEST_BOOL", false) {
		t.Error("expected true")
	}
	t.Setenv("CB_TEST_BOOL", "not-a-bool")
	if !EnvBool("CB_TEST_BOOL", true) {
		t.Error("expected fallback to default on parse failure")
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("CB_TEST_INT", "42")
	if got := EnvInt("CB_TEST_INT", 0); got != 42 {
		t.Errorf("got %d, want 42", got)
	}
}

func TestEnvList(t *testing.T) {
	t.Setenv("CB_TEST_LIST", "/music/a, /music/b ,")
	got := EnvList("CB_TEST_LIST", nil)
	want := []string{"/music/a", "/music/b"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestEnvListFallsBackWhenUnset(t *testing.T) {
	t.Setenv("CB_TEST_LIST_UNSET", "")
	got := EnvList("CB_TEST_LIST_UNSET", []string{"default"})
	if len(got) != 1 || got[0] != "default" {
		t.Errorf("got %+v", got)
	}
}
