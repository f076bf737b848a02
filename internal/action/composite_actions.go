package action

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/nixcore/installer/internal/config"
)

func init() {
	Register(tagCreateUsersAndGroups, func(f json.RawMessage) (Action, error) {
		a := &CreateUsersAndGroups{}
		return a, unmarshalComposite(f, a)
	})
	Register(tagConfigureShellProfile, func(f json.RawMessage) (Action, error) {
		a := &ConfigureShellProfile{}
		return a, unmarshalComposite(f, a)
	})
	Register(tagPlaceNixConfiguration, func(f json.RawMessage) (Action, error) {
		a := &PlaceNixConfiguration{}
		return a, unmarshalComposite(f, a)
	})
	Register(tagPlaceChannelConfiguration, func(f json.RawMessage) (Action, error) {
		a := &PlaceChannelConfiguration{}
		return a, unmarshalComposite(f, a)
	})
	Register(tagProvisionNix, func(f json.RawMessage) (Action, error) {
		a := &ProvisionNix{}
		return a, unmarshalComposite(f, a)
	})
	Register(tagConfigureNix, func(f json.RawMessage) (Action, error) {
		a := &ConfigureNix{}
		return a, unmarshalComposite(f, a)
	})
	Register(tagCreateNixVolume, func(f json.RawMessage) (Action, error) {
		a := &CreateNixVolume{}
		if err := unmarshalComposite(f, a); err != nil {
			return nil, err
		}
		var extra struct {
			MountPoint string `json:"mount_point"`
		}
		if err := json.Unmarshal(f, &extra); err != nil {
			return nil, err
		}
		a.MountPoint = extra.MountPoint
		return a, nil
	})
}

const (
	tagCreateUsersAndGroups      = "create_users_and_groups"
	tagConfigureShellProfile     = "configure_shell_profile"
	tagPlaceNixConfiguration     = "place_nix_configuration"
	tagPlaceChannelConfiguration = "place_channel_configuration"
	tagProvisionNix              = "provision_nix"
	tagConfigureNix              = "configure_nix"
	tagCreateNixVolume           = "create_nix_volume"
)

// childrenEnvelope is the wire shape shared by every composite action:
// its own fields plus an ordered children array.
type childrenEnvelope struct {
	Children []json.RawMessage `json:"children"`
}

type hasSetChildren interface {
	setChildren([]Action)
}

// unmarshalComposite decodes the shared children-array envelope and
// hands the reconstructed children to a's setChildren, used by every
// composite action's registry constructor.
func unmarshalComposite(raw json.RawMessage, a hasSetChildren) error {
	var env childrenEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	children, err := unmarshalChildren(env.Children)
	if err != nil {
		return err
	}
	a.setChildren(children)
	return nil
}

// CreateUsersAndGroups creates the nixbld group and its N build users.
// macOS dscl/dseditgroup calls are not reentrant, so this composite
// dispatches its CreateUser children serially on darwin; every
// other platform runs them concurrently, since groupadd/useradd don't
// share that restriction.
type CreateUsersAndGroups struct {
	Sequential
	Group      *CreateGroup
	UserCount  int
}

func (a *CreateUsersAndGroups) setChildren(children []Action) {
	a.Sequential = NewSequential(children...)
	if len(children) > 0 {
		if g, ok := children[0].(*CreateGroup); ok {
			a.Group = g
		}
	}
	a.UserCount = len(children) - 1
}

// NewCreateUsersAndGroups builds the group plus UserCount build users
// named "<prefix><n>" with uid "<uidBase>+<n>", per Settings.
func NewCreateUsersAndGroups(s config.Settings) *CreateUsersAndGroups {
	group := &CreateGroup{Name: s.BuildGroupName, GID: s.BuildGroupGID}
	children := []Action{group}
	for n := 1; n <= s.NixBuildUserCount; n++ {
		children = append(children, &CreateUser{
			Name:    fmt.Sprintf("%s%d", s.BuildUserNamePrefix, n),
			UID:     s.BuildUserUIDBase + n,
			GID:     s.BuildGroupGID,
			Comment: fmt.Sprintf("Nix build user %d", n),
			HomeDir: "/var/empty",
			NoLogin: true,
		})
	}
	a := &CreateUsersAndGroups{Sequential: NewSequential(children...), Group: group, UserCount: s.NixBuildUserCount}
	return a
}

func (a *CreateUsersAndGroups) Tag() string { return tagCreateUsersAndGroups }

func (a *CreateUsersAndGroups) DescribeExecute() []Description {
	if a.State() == Completed {
		return nil
	}
	return []Description{{
		Synopsis:  fmt.Sprintf("Create the %q group and %d build users", a.Group.Name, a.UserCount),
		Rationale: []string{"The Nix daemon sandboxes each build under its own unprivileged user."},
	}}
}

func (a *CreateUsersAndGroups) DescribeRevert() []Description {
	if a.State() == Uncompleted {
		return nil
	}
	return []Description{{Synopsis: fmt.Sprintf("Remove the %q group and its build users", a.Group.Name)}}
}

func (a *CreateUsersAndGroups) Execute(ctx context.Context) error {
	if a.State() == Completed {
		return nil
	}
	a.SetState(Progress)
	if err := a.Group.Execute(ctx); err != nil {
		return fmt.Errorf("child 0 (%s): %w", a.Group.Tag(), err)
	}
	users := a.Sequential.Children()[1:]
	var err error
	if runtime.GOOS == "darwin" {
		err = executeSerially(ctx, a.Tag(), users)
	} else {
		err = runConcurrently(ctx, a.Tag(), users, func(c Action, ctx context.Context) error { return c.Execute(ctx) })
	}
	if err != nil {
		return err
	}
	a.SetState(Completed)
	return nil
}

func (a *CreateUsersAndGroups) Revert(ctx context.Context) error {
	if a.State() == Uncompleted {
		return nil
	}
	a.SetState(Progress)
	users := a.Sequential.Children()[1:]
	var err error
	if runtime.GOOS == "darwin" {
		err = revertSerially(ctx, a.Tag(), users)
	} else {
		err = runConcurrently(ctx, a.Tag(), users, func(c Action, ctx context.Context) error { return c.Revert(ctx) })
	}
	if err != nil {
		return err
	}
	if err := a.Group.Revert(ctx); err != nil {
		return fmt.Errorf("child 0 (%s): %w", a.Group.Tag(), err)
	}
	a.SetState(Uncompleted)
	return nil
}

func (a *CreateUsersAndGroups) MarshalFields() (json.RawMessage, error) {
	raw, err := marshalChildren(a.Sequential.Children())
	if err != nil {
		return nil, err
	}
	return json.Marshal(childrenEnvelope{Children: raw})
}

func executeSerially(ctx context.Context, name string, children []Action) error {
	for i, c := range children {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("child %d: cancelled", i)
		}
		if err := c.Execute(ctx); err != nil {
			return fmt.Errorf("child %d (%s): %w", i+1, c.Tag(), err)
		}
	}
	return nil
}

func revertSerially(ctx context.Context, name string, children []Action) error {
	for i := len(children) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("child %d: cancelled", i)
		}
		if err := children[i].Revert(ctx); err != nil {
			return fmt.Errorf("child %d (%s): %w", i+1, children[i].Tag(), err)
		}
	}
	return nil
}

// ConfigureShellProfile appends the Nix profile sourcing snippet to
// every shell-init file present on the host, in parallel, since each
// touches a disjoint path.
type ConfigureShellProfile struct {
	Parallel
}

func (a *ConfigureShellProfile) setChildren(children []Action) {
	a.Parallel = NewParallel(children...)
}

// shellProfilePaths lists the five well-known shell-init files the
// installer appends its sourcing line to, skipping any not present on
// the host (ConfigureShellProfile is built only from the ones found).
var shellProfilePaths = []string{
	"/etc/bashrc",
	"/etc/zshrc",
	"/etc/profile.d/nix.sh",
	"/etc/bash.bashrc",
	"/etc/zsh/zshrc",
}

// NewConfigureShellProfile builds one CreateOrInsertIntoFile child per
// existing profile path in shellProfilePaths.
func NewConfigureShellProfile(snippet string, existing func(string) bool) *ConfigureShellProfile {
	var children []Action
	for _, path := range shellProfilePaths {
		if !existing(path) {
			continue
		}
		children = append(children, &CreateOrInsertIntoFile{Path: path, Contents: snippet, Mode: 0644})
	}
	return &ConfigureShellProfile{Parallel: NewParallel(children...)}
}

func (a *ConfigureShellProfile) Tag() string { return tagConfigureShellProfile }

func (a *ConfigureShellProfile) DescribeExecute() []Description {
	if a.State() == Completed {
		return nil
	}
	return []Description{{Synopsis: fmt.Sprintf("Source the Nix profile from %d shell init files", len(a.Parallel.Children()))}}
}

func (a *ConfigureShellProfile) DescribeRevert() []Description {
	if a.State() == Uncompleted {
		return nil
	}
	return []Description{{Synopsis: "Remove the Nix profile sourcing line from shell init files"}}
}

func (a *ConfigureShellProfile) Execute(ctx context.Context) error { return a.Parallel.Execute(ctx, a.Tag()) }
func (a *ConfigureShellProfile) Revert(ctx context.Context) error  { return a.Parallel.Revert(ctx, a.Tag()) }

func (a *ConfigureShellProfile) MarshalFields() (json.RawMessage, error) {
	raw, err := marshalChildren(a.Parallel.Children())
	if err != nil {
		return nil, err
	}
	return json.Marshal(childrenEnvelope{Children: raw})
}

// PlaceNixConfiguration creates /etc/nix and writes nix.conf into it.
type PlaceNixConfiguration struct {
	Sequential
}

func (a *PlaceNixConfiguration) setChildren(children []Action) { a.Sequential = NewSequential(children...) }

// NewPlaceNixConfiguration builds the /etc/nix directory plus a merged
// nix.conf carrying settings plus Settings.ExtraNixConfLines.
func NewPlaceNixConfiguration(s config.Settings, settings map[string]string) *PlaceNixConfiguration {
	for _, line := range s.ExtraNixConfLines {
		key, value, ok := splitConfLine(line)
		if ok {
			settings[key] = mergeValues(settings[key], value)
		}
	}
	return &PlaceNixConfiguration{Sequential: NewSequential(
		&CreateDirectory{Path: "/etc/nix", Mode: 0755, Force: true},
		&CreateOrMergeNixConfig{Path: config.NixConfigPath, Settings: settings},
	)}
}

func splitConfLine(line string) (string, string, bool) {
	for i := 0; i < len(line); i++ {
		if line[i] == '=' {
			return trimSpace(line[:i]), trimSpace(line[i+1:]), true
		}
	}
	return "", "", false
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}

func (a *PlaceNixConfiguration) Tag() string { return tagPlaceNixConfiguration }

func (a *PlaceNixConfiguration) DescribeExecute() []Description {
	if a.State() == Completed {
		return nil
	}
	return []Description{{Synopsis: "Write /etc/nix/nix.conf"}}
}

func (a *PlaceNixConfiguration) DescribeRevert() []Description {
	if a.State() == Uncompleted {
		return nil
	}
	return []Description{{Synopsis: "Remove /etc/nix/nix.conf"}}
}

func (a *PlaceNixConfiguration) Execute(ctx context.Context) error { return a.Sequential.Execute(ctx, a.Tag()) }
func (a *PlaceNixConfiguration) Revert(ctx context.Context) error  { return a.Sequential.Revert(ctx, a.Tag()) }

func (a *PlaceNixConfiguration) MarshalFields() (json.RawMessage, error) {
	raw, err := marshalChildren(a.Sequential.Children())
	if err != nil {
		return nil, err
	}
	return json.Marshal(childrenEnvelope{Children: raw})
}

// PlaceChannelConfiguration writes root's ~/.nix-channels.
type PlaceChannelConfiguration struct {
	Sequential
}

func (a *PlaceChannelConfiguration) setChildren(children []Action) {
	a.Sequential = NewSequential(children...)
}

// NewPlaceChannelConfiguration builds the single CreateFile child for
// /root/.nix-channels naming the configured channel.
func NewPlaceChannelConfiguration(s config.Settings) *PlaceChannelConfiguration {
	contents := fmt.Sprintf("https://nixos.org/channels/%s nixpkgs\n", s.ChannelURL)
	return &PlaceChannelConfiguration{Sequential: NewSequential(
		&CreateFile{Path: "/root/.nix-channels", Contents: contents, Mode: 0644, Force: true},
	)}
}

func (a *PlaceChannelConfiguration) Tag() string { return tagPlaceChannelConfiguration }

func (a *PlaceChannelConfiguration) DescribeExecute() []Description {
	if a.State() == Completed {
		return nil
	}
	return []Description{{Synopsis: "Register the default nixpkgs channel"}}
}

func (a *PlaceChannelConfiguration) DescribeRevert() []Description {
	if a.State() == Uncompleted {
		return nil
	}
	return []Description{{Synopsis: "Remove the registered nixpkgs channel"}}
}

func (a *PlaceChannelConfiguration) Execute(ctx context.Context) error {
	return a.Sequential.Execute(ctx, a.Tag())
}
func (a *PlaceChannelConfiguration) Revert(ctx context.Context) error {
	return a.Sequential.Revert(ctx, a.Tag())
}

func (a *PlaceChannelConfiguration) MarshalFields() (json.RawMessage, error) {
	raw, err := marshalChildren(a.Sequential.Children())
	if err != nil {
		return nil, err
	}
	return json.Marshal(childrenEnvelope{Children: raw})
}

// ProvisionNix lays the Nix store down: users/groups, the unpacked
// tarball moved into place, the default profile, and channel config.
type ProvisionNix struct {
	Sequential
}

func (a *ProvisionNix) setChildren(children []Action) { a.Sequential = NewSequential(children...) }

// NewProvisionNix assembles ProvisionNix's fixed five-step sequence.
func NewProvisionNix(s config.Settings, fetchURL, sha256, scratchDir string) *ProvisionNix {
	return &ProvisionNix{Sequential: NewSequential(
		NewCreateUsersAndGroups(s),
		&FetchAndUnpackNix{URL: fetchURL, ExpectedSHA256: sha256, DestDir: scratchDir},
		&MoveUnpackedNix{SrcDir: scratchDir, DestDir: config.NixRoot + "/store"},
		&CreateOrInsertIntoFile{
			Path:     "/etc/profile.d/nix.sh",
			Contents: `. /nix/var/nix/profiles/default/etc/profile.d/nix-daemon.sh`,
			Mode:     0644,
		},
		NewPlaceChannelConfiguration(s),
	)}
}

func (a *ProvisionNix) Tag() string { return tagProvisionNix }

func (a *ProvisionNix) DescribeExecute() []Description {
	if a.State() == Completed {
		return nil
	}
	return []Description{{Synopsis: "Provision the Nix store, build users and default channel"}}
}

func (a *ProvisionNix) DescribeRevert() []Description {
	if a.State() == Uncompleted {
		return nil
	}
	return []Description{{Synopsis: "Remove the Nix store, build users and default channel"}}
}

func (a *ProvisionNix) Execute(ctx context.Context) error { return a.Sequential.Execute(ctx, a.Tag()) }
func (a *ProvisionNix) Revert(ctx context.Context) error  { return a.Sequential.Revert(ctx, a.Tag()) }

func (a *ProvisionNix) MarshalFields() (json.RawMessage, error) {
	raw, err := marshalChildren(a.Sequential.Children())
	if err != nil {
		return nil, err
	}
	return json.Marshal(childrenEnvelope{Children: raw})
}

// ConfigureNix lays down nix.conf, shell profile sourcing, and registers
// the daemon with the host's service manager.
type ConfigureNix struct {
	Sequential
}

func (a *ConfigureNix) setChildren(children []Action) { a.Sequential = NewSequential(children...) }

// NewConfigureNix assembles ConfigureNix's shared nix.conf/shell-profile
// steps, followed by the platform's daemon registration step when one is
// given (launchd on darwin).
// daemonRegistration may be nil on platforms where registering and
// starting the daemon is a single step performed entirely by the
// planner's own top-level chain (e.g. Linux's StartSystemdUnit, which
// both enables and starts the unit).
func NewConfigureNix(s config.Settings, nixConfSettings map[string]string, shellSnippet string, fileExists func(string) bool, daemonRegistration Action) *ConfigureNix {
	children := []Action{
		NewPlaceNixConfiguration(s, nixConfSettings),
		NewConfigureShellProfile(shellSnippet, fileExists),
	}
	if daemonRegistration != nil {
		children = append(children, daemonRegistration)
	}
	return &ConfigureNix{Sequential: NewSequential(children...)}
}

func (a *ConfigureNix) Tag() string { return tagConfigureNix }

func (a *ConfigureNix) DescribeExecute() []Description {
	if a.State() == Completed {
		return nil
	}
	return []Description{{Synopsis: "Configure Nix and register its daemon"}}
}

func (a *ConfigureNix) DescribeRevert() []Description {
	if a.State() == Uncompleted {
		return nil
	}
	return []Description{{Synopsis: "Unregister the Nix daemon and remove its configuration"}}
}

func (a *ConfigureNix) Execute(ctx context.Context) error { return a.Sequential.Execute(ctx, a.Tag()) }
func (a *ConfigureNix) Revert(ctx context.Context) error  { return a.Sequential.Revert(ctx, a.Tag()) }

func (a *ConfigureNix) MarshalFields() (json.RawMessage, error) {
	raw, err := marshalChildren(a.Sequential.Children())
	if err != nil {
		return nil, err
	}
	return json.Marshal(childrenEnvelope{Children: raw})
}
