package main

import (
	"strings"
	"testing"
)

func TestMetadataSerialFlagUsage(t *testing.T) {
	flag := metadataCmd.Flags().Lookup("serial")
	if flag == nil {
		t.Fatal("metadata has no --serial flag")
	}
	if flag.DefValue != "0" {
		t.Errorf("default = %s, want 0", flag.DefValue)
	}
	if strings.Contains(flag.Usage, "accepts any") {
		t.Errorf("usage claims 0 accepts any response: %q", flag.Usage)
	}
	if !strings.Contains(flag.Usage, "serial header is present") {
		t.Errorf("usage = %q, want the header requirement of 0 stated", flag.Usage)
	}
}
