package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/newsharvest/internal/harvest"
)

// CmdlinePlugin is the registry name of the external command stage.
const CmdlinePlugin = "mod_cmdline"

// CmdlineConfig configures the external command stage. The literal
// argument "{artifact}" is replaced with the item's artifact URI.
type CmdlineConfig struct {
	Command     string        `mapstructure:"command_name" validate:"required"`
	Args        []string      `mapstructure:"args"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gte=0"`
	ReplaceItem bool          `mapstructure:"replace_item"`
}

// DefaultCmdlineConfig returns the command stage defaults.
func DefaultCmdlineConfig() *CmdlineConfig {
	return &CmdlineConfig{Timeout: time.Minute, ReplaceItem: true}
}

// Cmdline runs a command with the item JSON on stdin. With ReplaceItem the
// command's stdout, when not empty, is decoded as the new item; identity
// fields are kept from the original.
type Cmdline struct {
	named
	cfg    CmdlineConfig
	logger *zap.Logger
}

// NewCmdline validates cfg and builds the stage.
func NewCmdline(name string, cfg CmdlineConfig, deps Deps) (*Cmdline, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, harvest.NewConfigError("stages."+name+".command_name", "command is required")
	}
	if _, err := exec.LookPath(cfg.Command); err != nil {
		return nil, harvest.NewConfigError("stages."+name+".command_name", "%v", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCmdlineConfig().Timeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cmdline{named: named{name}, cfg: cfg, logger: logger}, nil
}

func buildCmdline(name string, cfg any, deps Deps) (harvest.Stage, error) {
	typed, err := configAs[CmdlineConfig](name, cfg)
	if err != nil {
		return nil, err
	}
	return NewCmdline(name, *typed, deps)
}

// Process implements harvest.Stage.
func (c *Cmdline) Process(ctx context.Context, item harvest.Item) (harvest.Item, error) {
	input, err := json.Marshal(item)
	if err != nil {
		return item, harvest.Transient(c.name, fmt.Errorf("marshal item: %w", err))
	}

	args := make([]string, len(c.cfg.Args))
	for i, a := range c.cfg.Args {
		args[i] = strings.ReplaceAll(a, "{artifact}", item.ArtifactURI)
	}

	runCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, c.cfg.Command, args...) // #nosec G204 -- operator-configured command
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = append(os.Environ(),
		"NEWSHARVEST_ITEM_ID="+item.ID,
		"NEWSHARVEST_ARTIFACT_URI="+item.ArtifactURI,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return item, harvest.Transient(c.name, fmt.Errorf("run %s: %w: %s", c.cfg.Command, err, strings.TrimSpace(stderr.String())))
	}
	c.logger.Debug("command finished",
		zap.String("stage", c.name),
		zap.String("item_id", item.ID),
		zap.Int("stdout_bytes", stdout.Len()),
	)

	if !c.cfg.ReplaceItem || len(bytes.TrimSpace(stdout.Bytes())) == 0 {
		return item, nil
	}
	var out harvest.Item
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return item, harvest.Transient(c.name, fmt.Errorf("decode command output: %w", err))
	}
	out.ID, out.Key, out.Source, out.Provenance = item.ID, item.Key, item.Source, item.Provenance
	out.RetrievedAt, out.Stages, out.Status = item.RetrievedAt, item.Stages, item.Status
	if out.Raw == nil {
		out.Raw = item.Raw
	}
	return out, nil
}
