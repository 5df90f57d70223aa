package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/hearthd/hearth/internal/auth/domain"
)

// TypeCommand is the external-command provider: it delegates the credential
// check to a configured executable, which receives the attempt via the
// username and password environment variables and signals the verdict with
// its exit code.
const TypeCommand = "command"

func init() {
	Register(TypeCommand, func(cfg Config, deps Deps) (AuthProvider, error) {
		command, _ := cfg.Options["command"].(string)
		if command == "" {
			return nil, fmt.Errorf("%w: command provider needs a command", ErrInvalidConfig)
		}
		var args []string
		if rawArgs, ok := cfg.Options["args"].([]any); ok {
			for _, a := range rawArgs {
				args = append(args, fmt.Sprint(a))
			}
		}
		meta, _ := cfg.Options["meta"].(bool)
		return &CommandProvider{
			base:    newBase(cfg, deps),
			command: command,
			args:    args,
			meta:    meta,
		}, nil
	})
}

// CommandProvider shells out to an admin-supplied program for every login
// attempt. Exit code zero means accepted; anything else is an invalid login.
type CommandProvider struct {
	base
	command string
	args    []string
	// meta enables parsing "key = value" lines from the command's stdout
	// into user metadata for new accounts.
	meta bool

	mu       sync.Mutex
	userMeta map[string]UserMeta
}

// metaFields are the stdout keys the command may emit when meta is enabled.
var metaFields = map[string]bool{
	"name":       true,
	"group":      true,
	"local_only": true,
}

// ValidateLogin runs the configured command with the attempt in its
// environment. The command never sees the credentials on its argv.
func (p *CommandProvider) ValidateLogin(ctx context.Context, username, password string) error {
	cmd := exec.CommandContext(ctx, p.command, p.args...)
	cmd.Env = []string{"username=" + username, "password=" + password}

	var stdout bytes.Buffer
	if p.meta {
		cmd.Stdout = &stdout
	}

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return ErrInvalidAuth
		}
		return fmt.Errorf("command provider: run %s: %w", p.command, err)
	}

	if p.meta {
		p.collectMeta(username, stdout.String())
	}
	return nil
}

func (p *CommandProvider) collectMeta(username, output string) {
	meta := UserMeta{Name: username, IsActive: true}
	for _, line := range strings.Split(output, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if !metaFields[key] || value == "" {
			continue
		}
		switch key {
		case "name":
			meta.Name = value
		case "group":
			meta.GroupID = value
		case "local_only":
			meta.LocalOnly = value == "true"
		}
	}

	p.mu.Lock()
	if p.userMeta == nil {
		p.userMeta = map[string]UserMeta{}
	}
	p.userMeta[username] = meta
	p.mu.Unlock()
}

func (p *CommandProvider) LoginFlow(ctx context.Context, flowContext map[string]string) (LoginFlow, error) {
	return &commandLoginFlow{provider: p}, nil
}

func (p *CommandProvider) GetOrCreateCredentials(ctx context.Context, lookup map[string]string) (*domain.Credentials, error) {
	username := lookup["username"]
	creds, err := p.credentials(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range creds {
		if c.Data["username"] == username {
			return c, nil
		}
	}
	return p.newCredentials(map[string]string{"username": username}), nil
}

func (p *CommandProvider) UserMetaForCredentials(ctx context.Context, cred *domain.Credentials) (UserMeta, error) {
	username := cred.Data["username"]
	p.mu.Lock()
	meta, ok := p.userMeta[username]
	p.mu.Unlock()
	if !ok {
		meta = UserMeta{Name: username, IsActive: true}
	}
	return meta, nil
}

type commandLoginFlow struct {
	provider *CommandProvider
}

func (f *commandLoginFlow) Step(ctx context.Context, stepID string, input map[string]string) (StepResult, error) {
	if input == nil {
		return FormStep("init", []string{"username", "password"}, nil), nil
	}
	err := f.provider.ValidateLogin(ctx, input["username"], input["password"])
	if errors.Is(err, ErrInvalidAuth) {
		return FormStep("init", []string{"username", "password"}, map[string]string{"base": "invalid_auth"}), nil
	}
	if err != nil {
		return StepResult{}, err
	}
	return DoneStep(map[string]string{"username": input["username"]}), nil
}
