// Package execnode describes what each kind of NEAR node allows, so callers
// check capabilities instead of matching node names.
package execnode

// NodeCapabilities defines the privileged features a node exposes.
type NodeCapabilities struct {
	// Name is the canonical node kind (e.g., "sandbox", "localnet").
	Name string

	// SupportsStatePatch indicates whether sandbox_patch_state is available.
	// Only neard built with the sandbox feature exposes it.
	SupportsStatePatch bool

	// SupportsDevAccounts indicates whether the validator key may create
	// dev accounts under the root account.
	SupportsDevAccounts bool

	// SupportsFastForward indicates whether sandbox_fast_forward is available.
	SupportsFastForward bool

	// DefaultRPCURL is the endpoint a node of this kind usually listens on.
	DefaultRPCURL string
}

// String returns the canonical name of the node kind.
func (c *NodeCapabilities) String() string {
	if c == nil {
		return "unknown"
	}
	return c.Name
}
