package process

import (
	"context"
	"fmt"

	"github.com/hybr/bpmcore/events"
	"github.com/hybr/bpmcore/types"
)

// Advance moves an instance along its definition's state graph: the first
// outgoing transition of the current state whose action matches and whose
// guard holds over the merged variables wins. The supplied variables are
// merged into the instance either way the guard sees them.
func (s *Store) Advance(ctx context.Context, id, action string, vars map[string]interface{}) (types.ProcessInstance, error) {
	if s.defs == nil {
		return types.ProcessInstance{}, fmt.Errorf("%w: no definition registry configured", ErrValidation)
	}

	s.mu.Lock()
	inst, err := s.advance(ctx, id, action, vars)
	s.mu.Unlock()
	if err != nil {
		return types.ProcessInstance{}, err
	}
	s.bus.Publish(events.ProcessUpdated, inst)
	return inst, nil
}

// advance picks and applies the transition with the store lock held.
func (s *Store) advance(ctx context.Context, id, action string, vars map[string]interface{}) (types.ProcessInstance, error) {
	cur, ok := s.instances[id]
	if !ok {
		return types.ProcessInstance{}, fmt.Errorf("%w: id=%s", ErrNotFound, id)
	}
	if cur.Status.Terminal() {
		return types.ProcessInstance{}, fmt.Errorf(
			"%w: %s is terminal, no further actions", ErrInvalidTransition, cur.Status)
	}

	def, err := s.defs.Get(ctx, cur.DefinitionID)
	if err != nil {
		return types.ProcessInstance{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	state, ok := def.State(cur.CurrentState)
	if !ok {
		return types.ProcessInstance{}, fmt.Errorf(
			"%w: instance %s is in state %q unknown to definition %s", ErrValidation, id, cur.CurrentState, def.ID)
	}

	env := guardEnv(cur, action, vars)
	for _, t := range state.Transitions {
		if t.Action != "" && t.Action != action {
			continue
		}
		pass, err := s.eval.Evaluate(t.Condition, env)
		if err != nil {
			return types.ProcessInstance{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if !pass {
			continue
		}
		to := t.To
		return s.update(ctx, id, Patch{CurrentState: &to, Variables: vars})
	}

	return types.ProcessInstance{}, fmt.Errorf(
		"%w: state %q has no transition for action %q", ErrNoTransition, cur.CurrentState, action)
}

// RequiredActions lists the actions a user must take while the instance
// sits in its current state.
func (s *Store) RequiredActions(ctx context.Context, id string) ([]string, error) {
	if s.defs == nil {
		return nil, fmt.Errorf("%w: no definition registry configured", ErrValidation)
	}

	s.mu.RLock()
	cur, ok := s.instances[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: id=%s", ErrNotFound, id)
	}

	def, err := s.defs.Get(ctx, cur.DefinitionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	state, ok := def.State(cur.CurrentState)
	if !ok {
		return nil, fmt.Errorf(
			"%w: instance %s is in state %q unknown to definition %s", ErrValidation, id, cur.CurrentState, def.ID)
	}
	return append([]string(nil), state.RequiredActions...), nil
}

// guardEnv builds the evaluation environment: instance variables plus the
// patch variables, with the lifecycle fields visible to guards.
func guardEnv(inst types.ProcessInstance, action string, vars map[string]interface{}) map[string]interface{} {
	env := make(map[string]interface{}, len(inst.Variables)+len(vars)+3)
	for k, v := range inst.Variables {
		env[k] = v
	}
	for k, v := range vars {
		env[k] = v
	}
	env["status"] = string(inst.Status)
	env["current_state"] = inst.CurrentState
	env["action"] = action
	return env
}
