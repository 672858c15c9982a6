//go:build property
// +build property

package engine_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/helm/core/pkg/engine"
)

// TestStateHashDeterminism verifies that processing the same sequence of
// idempotency keys against two fresh engines always yields the same
// StateHash, regardless of the payload values carried — the runtime's
// determinism oracle (§ "StateHash") must not depend on anything but
// the adapter's own Apply logic.
func TestStateHashDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("StateHash is stable across two identically-driven engines", prop.ForAll(
		func(values []string) bool {
			e1, _, _ := newTestEngine(t, newEchoAdapter())
			e2, _, _ := newTestEngine(t, newEchoAdapter())
			ctx := context.Background()

			for i, v := range values {
				cmd1 := validCommand(fmt.Sprintf("cmd-%d", i), fmt.Sprintf("key-%d", i))
				cmd1.Payload["value"] = v
				cmd2 := cmd1.Clone()

				if e1.Process(ctx, cmd1).Err != nil || e2.Process(ctx, cmd2).Err != nil {
					return false
				}
			}

			h1, err1 := e1.StateHash()
			h2, err2 := e2.StateHash()
			if err1 != nil || err2 != nil {
				return false
			}
			return h1 == h2
		},
		gen.SliceOfN(5, gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestDuplicateIdempotencyKeyIsStateInvariant verifies that replaying the
// exact same envelope any number of times never changes StateHash after
// the first successful Process call — the idempotency invariant (§4.1
// step 2) expressed as a property instead of a single example.
func TestDuplicateIdempotencyKeyIsStateInvariant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("redelivery never changes state", prop.ForAll(
		func(redeliveries int) bool {
			e, _, _ := newTestEngine(t, newEchoAdapter())
			ctx := context.Background()

			cmd := validCommand("cmd-dup", "key-dup")
			if e.Process(ctx, cmd).Err != nil {
				return false
			}
			before, err := e.StateHash()
			if err != nil {
				return false
			}

			for i := 0; i < redeliveries%10; i++ {
				if e.Process(ctx, cmd.Clone()).Err != nil {
					return false
				}
			}

			after, err := e.StateHash()
			if err != nil {
				return false
			}
			return before == after
		},
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
