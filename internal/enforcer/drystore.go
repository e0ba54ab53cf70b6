package enforcer

import (
	"context"

	"github.com/rs/zerolog/log"
)

// DryRunPolicyStore logs intended attach/detach actions without touching the
// identity store. Used for local runs and staged rollouts.
type DryRunPolicyStore struct{}

func (DryRunPolicyStore) Attach(_ context.Context, identity Identity, policyARN string) error {
	log.Warn().
		Str("identity", identity.Name).
		Str("kind", string(identity.Kind)).
		Str("policy", policyARN).
		Msg("enforcer: dry run, would attach deny policy")
	return nil
}

func (DryRunPolicyStore) Detach(_ context.Context, identity Identity, policyARN string) error {
	log.Info().
		Str("identity", identity.Name).
		Str("kind", string(identity.Kind)).
		Str("policy", policyARN).
		Msg("enforcer: dry run, would detach deny policy")
	return nil
}
