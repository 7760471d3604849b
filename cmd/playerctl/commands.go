package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"graphics-player/internal/binding"
	"graphics-player/internal/command"
	"graphics-player/internal/scene"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// layerFlags addresses a layer by id or by zOrder index
type layerFlags struct {
	id    string
	index int
}

func (l *layerFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&l.id, "layer", "", "target layer id")
	cmd.Flags().IntVar(&l.index, "index", -1, "target layer index in zOrder")
}

func (l layerFlags) ref() command.LayerRef {
	ref := command.LayerRef{ID: l.id}
	if l.id == "" && l.index >= 0 {
		ref.Index, ref.HasIndex = l.index, true
	}
	return ref
}

// parseFields turns key=value pairs into override values
func parseFields(fields []string) (map[string]*string, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	out := make(map[string]*string, len(fields))
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("field %q: want key=value", f)
		}
		out[strings.TrimSpace(k)] = &v
	}
	return out, nil
}

func readTemplate(path, templateID string) (*scene.Template, error) {
	if path == "" {
		// Elements come from the project definition on the player
		return &scene.Template{ID: templateID}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	var t scene.Template
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode template %s: %w", path, err)
	}
	if templateID != "" {
		t.ID = templateID
	}
	if t.ID == "" {
		return nil, fmt.Errorf("template %s has no id", path)
	}
	return &t, nil
}

func readRecord(path string) (binding.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}
	var rec binding.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", path, err)
	}
	return rec, nil
}

func newEnvelope(kind command.Kind) command.Envelope {
	return command.Envelope{Kind: kind, ID: uuid.NewString()}
}

func templateCmd(kind string, short string, client func() *controlClient) *cobra.Command {
	var (
		layer        layerFlags
		fields       []string
		templateFile string
		projectID    string
	)
	cmd := &cobra.Command{
		Use:   kind + " <template-id>",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var templateID string
			if len(args) == 1 {
				templateID = args[0]
			}
			if templateID == "" && templateFile == "" {
				return fmt.Errorf("template id or --template-file is required")
			}
			tmpl, err := readTemplate(templateFile, templateID)
			if err != nil {
				return err
			}
			overrides, err := parseFields(fields)
			if err != nil {
				return err
			}

			env := newEnvelope(command.Kind(kind))
			env.ProjectID = projectID
			env.Layer = layer.ref()
			env.Template = tmpl
			env.TemplateID = tmpl.ID
			env.Overrides = overrides
			return client().send(env)
		},
	}
	layer.register(cmd)
	cmd.Flags().StringArrayVarP(&fields, "field", "f", nil, "content override key=value (repeatable)")
	cmd.Flags().StringVar(&templateFile, "template-file", "", "JSON template definition to embed")
	cmd.Flags().StringVar(&projectID, "project", "", "project id the template belongs to")
	return cmd
}

func updateCmd(client func() *controlClient) *cobra.Command {
	var (
		fields     []string
		unset      []string
		recordFile string
	)
	cmd := &cobra.Command{
		Use:   "update <template-id>",
		Short: "Change the content of the live instance of a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides, err := parseFields(fields)
			if err != nil {
				return err
			}
			for _, k := range unset {
				if overrides == nil {
					overrides = map[string]*string{}
				}
				overrides[k] = nil
			}

			env := newEnvelope(command.KindUpdate)
			env.TemplateID = args[0]
			env.Overrides = overrides
			if recordFile != "" {
				rec, err := readRecord(recordFile)
				if err != nil {
					return err
				}
				env.Record, env.HasRecord = rec, true
			}
			if !env.HasOverrides() && !env.HasRecord {
				return fmt.Errorf("nothing to update: pass --field, --unset or --record-file")
			}
			return client().send(env)
		},
	}
	cmd.Flags().StringArrayVarP(&fields, "field", "f", nil, "content override key=value (repeatable)")
	cmd.Flags().StringArrayVar(&unset, "unset", nil, "override key to remove (repeatable)")
	cmd.Flags().StringVar(&recordFile, "record-file", "", "JSON data record replacing the instance's record")
	return cmd
}

func stopCmd(client func() *controlClient) *cobra.Command {
	var layer layerFlags
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Play the out phase of a layer (every layer when none is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			env := newEnvelope(command.KindStop)
			env.Layer = layer.ref()
			return client().send(env)
		},
	}
	layer.register(cmd)
	return cmd
}

func clearCmd(client func() *controlClient) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove everything immediately, without out phases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().send(newEnvelope(command.KindClear))
		},
	}
}

func initializeCmd(client func() *controlClient) *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "initialize",
		Short: "Clear the player and reload its project",
		RunE: func(cmd *cobra.Command, args []string) error {
			env := newEnvelope(command.KindInitialize)
			env.ProjectID = projectID
			return client().send(env)
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project to load after the reset")
	return cmd
}

func stateCmd(client func() *controlClient) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show what is on air",
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := client().state()
			if err != nil {
				return err
			}
			printState(view)
			return nil
		},
	}
}

func printState(view stateView) {
	status := color.New(color.FgYellow).Sprint("stopped")
	if view.Playing {
		status = color.New(color.FgHiGreen).Sprint("playing")
	}
	fmt.Printf("Clock: %s (tick %d), %d instance(s), %d override entr(ies)\n",
		status, view.Tick, view.Instances, view.Overrides)

	order := view.Order
	if len(order) == 0 {
		for id := range view.Layers {
			order = append(order, id)
		}
		sort.Strings(order)
	}
	if len(order) == 0 {
		fmt.Println("  (nothing on air)")
		return
	}
	for _, layerID := range order {
		fmt.Printf("%s\n", color.New(color.FgHiBlue).Sprint(layerID))
		for _, inst := range view.Layers[layerID] {
			phase := phaseColor(inst.Phase).Sprintf("%-4s", inst.Phase)
			marker := ""
			if inst.IsOutgoing {
				marker = color.New(color.FgHiBlack).Sprint(" [outgoing]")
			}
			fmt.Printf("  %s %s @ %.0fms  %s%s\n", phase, inst.TemplateID, inst.PlayheadMs, inst.InstanceID, marker)
		}
	}
}

func phaseColor(phase string) *color.Color {
	switch phase {
	case "in":
		return color.New(color.FgCyan)
	case "loop":
		return color.New(color.FgHiGreen)
	case "out":
		return color.New(color.FgRed)
	default:
		return color.New(color.Reset)
	}
}
