package main

import "testing"

func TestReadSecretPrefersArgument(t *testing.T) {
	got, err := readSecret([]string{"hunter2"})
	if err != nil || got != "hunter2" {
		t.Fatalf("readSecret() = %q, %v", got, err)
	}
}
