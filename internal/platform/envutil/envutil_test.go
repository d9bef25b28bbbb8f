package envutil

import (
	"testing"
	"time"
)

func TestIntFallsBackOnGarbage(t *testing.T) {
	t.Setenv("AUTOMAPPER_TEST_INT", "abc")
	if got := Int("AUTOMAPPER_TEST_INT", 7); got != 7 {
		t.Fatalf("Int: want=7 got=%d", got)
	}
	t.Setenv("AUTOMAPPER_TEST_INT", " 12 ")
	if got := Int("AUTOMAPPER_TEST_INT", 7); got != 12 {
		t.Fatalf("Int: want=12 got=%d", got)
	}
}

func TestBool(t *testing.T) {
	t.Setenv("AUTOMAPPER_TEST_BOOL", "off")
	if Bool("AUTOMAPPER_TEST_BOOL", true) {
		t.Fatalf("Bool: want=false")
	}
	t.Setenv("AUTOMAPPER_TEST_BOOL", "maybe")
	if !Bool("AUTOMAPPER_TEST_BOOL", true) {
		t.Fatalf("Bool: want default true")
	}
}

func TestSeconds(t *testing.T) {
	t.Setenv("AUTOMAPPER_TEST_SECS", "0")
	if got := Seconds("AUTOMAPPER_TEST_SECS", time.Minute); got != time.Minute {
		t.Fatalf("Seconds: want=%s got=%s", time.Minute, got)
	}
	t.Setenv("AUTOMAPPER_TEST_SECS", "3")
	if got := Seconds("AUTOMAPPER_TEST_SECS", time.Minute); got != 3*time.Second {
		t.Fatalf("Seconds: want=3s got=%s", got)
	}
}
