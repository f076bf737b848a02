package functional

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/cucumber/godog"

	"github.com/nixcore/installer/internal/action"
	"github.com/nixcore/installer/internal/executor"
	"github.com/nixcore/installer/internal/ierr"
)

func anExistingNixConfContaining(ctx context.Context, contents *godog.DocString) error {
	state := getState(ctx)
	state.original = contents.Content
	state.hadFile = true
	return os.WriteFile(state.confPath, []byte(contents.Content), 0644)
}

func noExistingNixConf(ctx context.Context) error {
	return nil
}

func theInstallRequestsTheSetting(ctx context.Context, key, value string) error {
	state := getState(ctx)
	state.settings[key] = value
	return nil
}

func theNixConfigPlanIsValidated(ctx context.Context) error {
	state := getState(ctx)
	cfg := &action.CreateOrMergeNixConfig{Path: state.confPath, Settings: state.settings}
	p := &executor.Plan{PlannerTag: "functional-test", Root: cfg}
	state.planErr = p.Validate()
	return nil
}

func validationSucceeds(ctx context.Context) error {
	state := getState(ctx)
	if state.planErr != nil {
		return fmt.Errorf("expected validation to succeed, got: %v", state.planErr)
	}
	return nil
}

func validationFailsWithAnUnmergeableConfigErrorMentioning(ctx context.Context, key string) error {
	state := getState(ctx)
	pe, ok := ierr.IsExpectedPlanningError(state.planErr)
	if !ok {
		return fmt.Errorf("expected an Expected PlanningError, got: %v", state.planErr)
	}
	if !strings.Contains(pe.Message, key) {
		return fmt.Errorf("expected planning error to mention %q, got: %q", key, pe.Message)
	}
	return nil
}

func nixConfIsExecuted(ctx context.Context) error {
	state := getState(ctx)
	cfg := &action.CreateOrMergeNixConfig{Path: state.confPath, Settings: state.settings}
	return cfg.Execute(context.Background())
}

func readNixConf(state *testState) (string, error) {
	data, err := os.ReadFile(state.confPath)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nixConfContainsAGeneratorHeader(ctx context.Context) error {
	state := getState(ctx)
	data, err := readNixConf(state)
	if err != nil {
		return err
	}
	lines := strings.SplitN(data, "\n", 2)
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "#") {
		return fmt.Errorf("expected nix.conf's first line to be a generator header comment, got: %q", data)
	}
	return nil
}

func nixConfContainsExactlyOnce(ctx context.Context, token string) error {
	state := getState(ctx)
	data, err := readNixConf(state)
	if err != nil {
		return err
	}
	if n := strings.Count(data, token); n != 1 {
		return fmt.Errorf("expected %q to appear exactly once in nix.conf, appeared %d times:\n%s", token, n, data)
	}
	return nil
}

func nixConfContainsTheLine(ctx context.Context, line string) error {
	state := getState(ctx)
	data, err := readNixConf(state)
	if err != nil {
		return err
	}
	for _, l := range strings.Split(data, "\n") {
		if l == line {
			return nil
		}
	}
	return fmt.Errorf("expected nix.conf to contain the line %q, got:\n%s", line, data)
}

func nixConfIsUnchanged(ctx context.Context) error {
	state := getState(ctx)
	if !state.hadFile {
		if _, err := os.Stat(state.confPath); !os.IsNotExist(err) {
			return fmt.Errorf("expected nix.conf to still be absent")
		}
		return nil
	}
	data, err := readNixConf(state)
	if err != nil {
		return err
	}
	if data != state.original {
		return fmt.Errorf("expected nix.conf to be unchanged, got:\n%s\nwant:\n%s", data, state.original)
	}
	return nil
}
