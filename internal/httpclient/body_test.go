package httpclient

import (
	"strings"
	"testing"
)

func TestReadAllWithLimitExactFit(t *testing.T) {
	t.Parallel()

	got, err := ReadAllWithLimit(strings.NewReader("hello"), 5)
	if err != nil {
		t.Fatalf("ReadAllWithLimit: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestReadAllWithLimitOversize(t *testing.T) {
	t.Parallel()

	_, err := ReadAllWithLimit(strings.NewReader("hello"), 2)
	if err == nil {
		t.Fatal("expected an error for an oversized body")
	}
	if !IsResponseTooLarge(err) {
		t.Fatalf("got %v, want ResponseTooLargeError", err)
	}
}

func TestReadAllWithLimitUnbounded(t *testing.T) {
	t.Parallel()

	got, err := ReadAllWithLimit(strings.NewReader("hello"), 0)
	if err != nil {
		t.Fatalf("ReadAllWithLimit: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}
