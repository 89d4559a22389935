package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"

	"github.com/JakeFAU/newsharvest/internal/harvest"
	"github.com/JakeFAU/newsharvest/internal/retriever"
	"github.com/JakeFAU/newsharvest/internal/stages"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// stageHeader holds the keys every stage entry shares; everything else in the
// entry belongs to the plugin's own config.
type stageHeader struct {
	Name     string `mapstructure:"name"`
	Plugin   string `mapstructure:"plugin"`
	Type     string `mapstructure:"type"`
	Enabled  *bool  `mapstructure:"enabled"`
	Priority *int   `mapstructure:"priority"`
	Fatal    bool   `mapstructure:"fatal"`
}

var headerKeys = map[string]struct{}{
	"name": {}, "plugin": {}, "type": {}, "enabled": {}, "priority": {}, "fatal": {},
}

// decodeStages turns the raw stage list into descriptors with typed configs.
func decodeStages(raw any) ([]harvest.StageDescriptor, error) {
	if raw == nil {
		return nil, nil
	}
	entries, ok := raw.([]any)
	if !ok {
		return nil, harvest.NewConfigError("stages", "must be a list, got %T", raw)
	}
	out := make([]harvest.StageDescriptor, 0, len(entries))
	for i, entry := range entries {
		d, err := decodeStage(i, entry)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func decodeStage(index int, entry any) (harvest.StageDescriptor, error) {
	fields, err := toStringMap(entry)
	if err != nil {
		return harvest.StageDescriptor{}, harvest.NewConfigError(fmt.Sprintf("stages[%d]", index), "%v", err)
	}

	var header stageHeader
	if err := mapstructure.WeakDecode(fields, &header); err != nil {
		return harvest.StageDescriptor{}, harvest.NewConfigError(fmt.Sprintf("stages[%d]", index), "%v", err)
	}
	if strings.TrimSpace(header.Name) == "" {
		return harvest.StageDescriptor{}, harvest.NewConfigError(fmt.Sprintf("stages[%d].name", index), "name is required")
	}
	field := "stages." + header.Name
	plugin := header.Plugin
	if plugin == "" {
		plugin = header.Name
	}

	kind, newConfig, err := resolvePlugin(field, plugin, header.Type)
	if err != nil {
		return harvest.StageDescriptor{}, err
	}

	d := harvest.StageDescriptor{
		Name:     header.Name,
		Plugin:   plugin,
		Kind:     kind,
		Priority: harvest.DefaultPriority,
		Enabled:  true,
		Fatal:    header.Fatal,
	}
	if header.Priority != nil {
		d.Priority = *header.Priority
	}
	if header.Enabled != nil {
		d.Enabled = *header.Enabled
	}

	body := make(map[string]any, len(fields))
	for k, v := range fields {
		if _, shared := headerKeys[k]; !shared {
			body[k] = v
		}
	}
	typed := newConfig()
	if err := decodeInto(body, typed); err != nil {
		return harvest.StageDescriptor{}, &harvest.ConfigError{Field: field, Err: err}
	}
	if adj, ok := typed.(harvest.DefaultsAdjuster); ok {
		adj.AdjustDefaults(body)
	}
	// Disabled entries may be incomplete; they are never built.
	if d.Enabled {
		if err := validate.Struct(typed); err != nil {
			return harvest.StageDescriptor{}, validationError(field, err)
		}
	}
	d.Config = typed
	return d, nil
}

// resolvePlugin finds the plugin in the registry matching the declared type,
// or in either registry when no type is given.
func resolvePlugin(field, plugin, kind string) (harvest.StageKind, func() any, error) {
	src, isSource := retriever.Lookup(plugin)
	proc, isStage := stages.Lookup(plugin)
	switch harvest.StageKind(kind) {
	case harvest.KindRetriever:
		if !isSource {
			return "", nil, harvest.NewConfigError(field, "unknown retriever plugin %q (known: %s)", plugin, strings.Join(retriever.Names(), ", "))
		}
		return harvest.KindRetriever, src.NewConfig, nil
	case harvest.KindDataProcessor:
		if !isStage {
			return "", nil, harvest.NewConfigError(field, "unknown data_processor plugin %q (known: %s)", plugin, strings.Join(stages.Names(), ", "))
		}
		return harvest.KindDataProcessor, proc.NewConfig, nil
	case "":
		if isSource {
			return harvest.KindRetriever, src.NewConfig, nil
		}
		if isStage {
			return harvest.KindDataProcessor, proc.NewConfig, nil
		}
		return "", nil, harvest.NewConfigError(field, "unknown plugin %q", plugin)
	default:
		return "", nil, harvest.NewConfigError(field+".type", "must be retriever or data_processor, got %q", kind)
	}
}

func decodeInto(input map[string]any, target any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("build decoder: %w", err)
	}
	if err := dec.Decode(input); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func toStringMap(entry any) (map[string]any, error) {
	switch m := entry.(type) {
	case map[string]any:
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[strings.ToLower(k)] = v
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[strings.ToLower(fmt.Sprint(k))] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("stage entry must be a mapping, got %T", entry)
	}
}

// validationError reports the first failed rule as a ConfigError naming the
// offending key.
func validationError(prefix string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &harvest.ConfigError{Field: prefix, Err: err}
	}
	fe := verrs[0]
	ns := fe.Namespace()
	// drop the struct type name
	if i := strings.Index(ns, "."); i >= 0 {
		ns = ns[i+1:]
	}
	field := ns
	if prefix != "" {
		field = prefix + "." + ns
	}
	msg := fmt.Sprintf("failed %q", fe.Tag())
	if fe.Param() != "" {
		msg = fmt.Sprintf("failed %q (%s)", fe.Tag(), fe.Param())
	}
	return &harvest.ConfigError{Field: field, Err: errors.New(msg)}
}
