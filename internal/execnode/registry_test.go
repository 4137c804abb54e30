package execnode

import (
	"testing"
)

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()

	tests := []struct {
		name        string
		statePatch  bool
		devAccounts bool
		wantFastFwd bool
	}{
		{"sandbox", true, true, true},
		{"localnet", false, true, false},
		{"testnet", false, false, false},
		{"mainnet", false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caps := r.Get(tt.name)
			if caps == nil {
				t.Fatalf("expected %s to be registered, got nil", tt.name)
			}
			if caps.SupportsStatePatch != tt.statePatch {
				t.Errorf("SupportsStatePatch for %s: got %v, want %v", tt.name, caps.SupportsStatePatch, tt.statePatch)
			}
			if caps.SupportsDevAccounts != tt.devAccounts {
				t.Errorf("SupportsDevAccounts for %s: got %v, want %v", tt.name, caps.SupportsDevAccounts, tt.devAccounts)
			}
			if caps.SupportsFastForward != tt.wantFastFwd {
				t.Errorf("SupportsFastForward for %s: got %v, want %v", tt.name, caps.SupportsFastForward, tt.wantFastFwd)
			}
			if caps.DefaultRPCURL == "" {
				t.Errorf("DefaultRPCURL for %s is empty", tt.name)
			}
		})
	}
}

func TestRegistryUnknown(t *testing.T) {
	r := DefaultRegistry()
	if caps := r.Get("unknown-node"); caps != nil {
		t.Errorf("expected nil for unknown node, got %+v", caps)
	}
}

func TestRegistryRegisterCustom(t *testing.T) {
	r := NewRegistry()
	r.Register(&NodeCapabilities{Name: "forked-sandbox", SupportsStatePatch: true})
	r.Register(nil)

	caps := r.Get("forked-sandbox")
	if caps == nil || !caps.SupportsStatePatch {
		t.Fatalf("Get() = %+v", caps)
	}
	if names := r.Names(); len(names) != 1 || names[0] != "forked-sandbox" {
		t.Errorf("Names() = %v", names)
	}
}

func TestCapabilitiesString(t *testing.T) {
	var nilCaps *NodeCapabilities
	if nilCaps.String() != "unknown" {
		t.Errorf("nil String() = %q", nilCaps.String())
	}
	if SandboxCapabilities().String() != "sandbox" {
		t.Errorf("String() = %q", SandboxCapabilities().String())
	}
}
