package modresolve

import "errors"

// Constraint is one requirement an [Instance] posted during initialization:
// target must (Enabled true) or must not (Enabled false) be selected.
type Constraint struct {
	Target  Optuple
	Enabled bool
}

// Instance is the result of successfully running a module's [Module.Init]
// against a concrete [Optuple]. Payload is left for the caller's own use;
// the core never inspects it.
type Instance struct {
	Optuple     Optuple
	Constraints []Constraint
	ProvidesIDs []ModuleID
	Payload     any

	inviable    bool
	inviableMsg string
}

// Constrain posts a requirement that target be (enabled) or not be
// (!enabled) selected, for the caller's module instance to be valid.
func (inst *Instance) Constrain(target Optuple, enabled bool) {
	inst.Constraints = append(inst.Constraints, Constraint{Target: target, Enabled: enabled})
}

// Provides records that this instance satisfies the named interface, in
// addition to whatever its module statically declares via
// [Module.Provides].
func (inst *Instance) Provides(iface ModuleID) {
	inst.ProvidesIDs = append(inst.ProvidesIDs, iface)
}

// Inviable reports whether initialization determined this instance cannot
// be used, and if so, why.
func (inst *Instance) Inviable() (string, bool) { return inst.inviableMsg, inst.inviable }

// instantiate runs t.Mod.Init against a fresh instance bound to t. A
// returned error matching *InviableError marks the instance inviable rather
// than failing the whole discovery; any other error propagates.
func instantiate(t Optuple) (*Instance, error) {
	inst := &Instance{Optuple: t, ProvidesIDs: append([]ModuleID{}, t.Mod.Provides()...)}
	err := t.Mod.Init(inst, t.Values...)
	if err == nil {
		return inst, nil
	}
	var iv *InviableError
	if errors.As(err, &iv) {
		inst.inviable = true
		inst.inviableMsg = iv.Reason
		return inst, nil
	}
	return nil, err
}
