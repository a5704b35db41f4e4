package verify

import (
	"context"
	"fmt"
	"strings"

	"github.com/Strob0t/Crucible/internal/domain/run"
)

// FixFunc re-invokes the agent inside the same environment with a prompt
// synthesized from the failing diagnostics. The attempt number is 1-based.
type FixFunc func(ctx context.Context, prompt string, attempt int) error

// Observer is notified as the loop progresses; the lifecycle manager uses it
// to flip the run between verifying and running states.
type Observer interface {
	ChecksStarted(attempt int)
	FixStarted(attempt int, prompt string)
}

// nopObserver is used when the caller passes a nil Observer.
type nopObserver struct{}

func (nopObserver) ChecksStarted(int)      {}
func (nopObserver) FixStarted(int, string) {}

// Run executes the configured checks sequentially and, while any fail and
// fix attempts remain, re-invokes the agent and re-checks. The attempt count
// is loop state, never a shared field, so the bound is enforced by
// construction: at most cfg.MaxFixAttempts fix invocations happen regardless
// of how many checks fail.
func Run(ctx context.Context, cfg *run.VerifyConfig, runner CheckRunner, fix FixFunc, obs Observer) (*run.VerifyResult, error) {
	if obs == nil {
		obs = nopObserver{}
	}
	checks := cfg.Checks()
	for attempt := 0; ; attempt++ {
		obs.ChecksStarted(attempt)
		result, err := runChecks(ctx, checks, runner)
		if err != nil {
			return nil, err
		}
		result.FixAttempts = attempt
		if result.Passed || attempt >= cfg.MaxFixAttempts {
			return result, nil
		}
		prompt := FixPrompt(result.Checks)
		obs.FixStarted(attempt+1, prompt)
		if err := fix(ctx, prompt, attempt+1); err != nil {
			result.FixAttempts = attempt + 1
			return result, fmt.Errorf("fix attempt %d: %w", attempt+1, err)
		}
	}
}

// runChecks executes all checks strictly sequentially. Later checks such as
// build assume the tree state earlier checks left behind, so no concurrency.
func runChecks(ctx context.Context, checks []run.Check, runner CheckRunner) (*run.VerifyResult, error) {
	result := &run.VerifyResult{Passed: true}
	for _, check := range checks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cr, err := runner.Run(ctx, check)
		if err != nil {
			return nil, err
		}
		if !cr.Passed {
			result.Passed = false
		}
		result.Checks = append(result.Checks, cr)
	}
	return result, nil
}

// FixPrompt builds one agent prompt from all failing checks, each under its
// own heading so the agent sees every diagnostic at once.
func FixPrompt(checks []run.CheckResult) string {
	var b strings.Builder
	b.WriteString("The following verification checks failed. Fix the code so all of them pass. Do not disable or skip checks.\n")
	for _, c := range checks {
		if c.Passed {
			continue
		}
		fmt.Fprintf(&b, "\n## %s (exit code %d)\n", c.Kind, c.ExitCode)
		if out := strings.TrimSpace(c.Output); out != "" {
			b.WriteString(out)
			b.WriteByte('\n')
		} else {
			b.WriteString("(no diagnostic output)\n")
		}
	}
	return b.String()
}
