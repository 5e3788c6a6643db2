package config

import (
	"strings"
	"testing"
)

const testMasterKey = "6d61737465726b65796d61737465726b65796d61737465726b65796d61737465"

func TestLoadAppliesDefaults(t *testing.T) {
	v := NewViper()
	v.Set("e2ee.master_key", testMasterKey)

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected address %q", cfg.HTTPAddress)
	}
	if cfg.RotationMaxMessages != defaultRotationMaxMessages {
		t.Fatalf("unexpected rotation limit %d", cfg.RotationMaxMessages)
	}
	if cfg.QueueTTL.Seconds() != defaultQueueTTLSeconds {
		t.Fatalf("unexpected queue ttl %s", cfg.QueueTTL)
	}
}

func TestLoadRejectsBadMasterKey(t *testing.T) {
	cases := []struct {
		name string
		key  string
	}{
		{name: "missing", key: ""},
		{name: "short", key: "abcd"},
		{name: "not hex", key: strings.Repeat("zz", 32)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := NewViper()
			v.Set("e2ee.master_key", tc.key)
			if _, err := Load(v); err == nil {
				t.Fatalf("expected validation error for %q", tc.key)
			}
		})
	}
}
