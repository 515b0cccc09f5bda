package attitudes

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/conneroisu/attitude/internal/bundler"
	"github.com/conneroisu/attitude/internal/hooks"
	"github.com/conneroisu/attitude/internal/keys"
	"github.com/conneroisu/attitude/internal/pagetree"
)

// Built-in attitude names.
const (
	NameCore       = "core"
	NameController = "controller"
	NameRoutes     = "routes"
	NameManifest   = "manifest"
)

// Core key names.
const (
	KeyTitle      = "title"
	KeyLayout     = "layout"
	KeyTemplate   = "template"
	KeyMarkdown   = "markdown"
	KeyStyles     = "styles"
	KeyScripts    = "scripts"
	KeyDist       = "dist"
	KeyController = "controller"
)

// Core registers the keys every site uses.
func Core(api API) error {
	defs := []keys.Definition{
		{Name: KeyTitle, Type: keys.TypeValue, Inherited: true, IsConfig: true},
		{Name: KeyLayout, Type: keys.TypePagePath, Inherited: true, IsConfig: true},
		{
			Name: KeyDist,
			Type: keys.TypeResolved,
			Resolve: func(s keys.Scope) any {
				return filepath.Join(s.Dist, s.Public, filepath.FromSlash(s.RelPath))
			},
		},
	}
	for _, def := range defs {
		if err := api.RegisterKey(def); err != nil {
			return err
		}
	}

	if err := api.RegisterFile(KeyTemplate, `^index\.html?$`, keys.FileOptions{Entry: keys.EntryStatic}); err != nil {
		return err
	}
	if err := api.RegisterFile(KeyMarkdown, `^index\.(md|markdown)$`, keys.FileOptions{Entry: keys.EntryDynamic, DistExt: ".html"}); err != nil {
		return err
	}
	if err := api.RegisterFiles(KeyStyles, `\.css$`, keys.FileOptions{Entry: keys.EntryStatic}); err != nil {
		return err
	}
	return api.RegisterFiles(KeyScripts, `\.js$`, keys.FileOptions{Entry: keys.EntryStatic})
}

// ControllerFiles are the dotfiles the controller attitude looks for, in
// order of preference.
var ControllerFiles = []string{".controller.yaml", ".controller.yml", ".controller.json", ".controller.hcl"}

// ControllerSpec is the per-page response customisation read from a
// controller dotfile.
type ControllerSpec struct {
	Status  int
	Headers map[string]string
}

// Controller binds a page's controller dotfile into the controller key at
// post:parse. A broken dotfile leaves the page without a controller.
func Controller(api API) error {
	if err := api.RegisterKey(keys.Definition{Name: KeyController, Type: keys.TypeCustom}); err != nil {
		return err
	}

	return api.Hook(hooks.PhasePostParse, func(ctx context.Context, hc *hooks.Context) error {
		page, ok := hc.Page.(*pagetree.Page)
		if !ok {
			return nil
		}
		listing := hc.Listing()
		for _, name := range ControllerFiles {
			if !slices.Contains(listing, name) {
				continue
			}
			raw, err := api.LoadCustom(filepath.Join(page.Dir, name))
			if err != nil {
				return err
			}
			spec, err := parseController(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", filepath.Join(page.RelativePath, name), err)
			}
			page.Key(KeyController).Set(spec)
			return nil
		}
		return nil
	})
}

func parseController(raw map[string]any) (*ControllerSpec, error) {
	spec := &ControllerSpec{Headers: make(map[string]string)}
	if v, ok := raw["status"]; ok {
		switch n := v.(type) {
		case int:
			spec.Status = n
		case int64:
			spec.Status = int(n)
		case float64:
			spec.Status = int(n)
		default:
			return nil, fmt.Errorf("status: expected a number, got %T", v)
		}
		if spec.Status < 100 || spec.Status > 599 {
			return nil, fmt.Errorf("status %d out of range", spec.Status)
		}
	}
	if v, ok := raw["headers"]; ok {
		headers, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("headers: expected a mapping, got %T", v)
		}
		for name, value := range headers {
			spec.Headers[name] = fmt.Sprint(value)
		}
	}
	return spec, nil
}

// ControllerOf returns the controller bound to page, or nil.
func ControllerOf(page *pagetree.Page) *ControllerSpec {
	k := page.Key(KeyController)
	if k == nil {
		return nil
	}
	spec, _ := k.Get().(*ControllerSpec)
	return spec
}

// Routes orders non-greedy routes before greedy ones at setup:route.
func Routes(api API) error {
	return api.Hook(hooks.PhaseSetupRoute, func(ctx context.Context, hc *hooks.Context) error {
		v, ok := hc.Get(hooks.ValueRoutes)
		if !ok {
			return nil
		}
		routes, ok := v.([]pagetree.Route)
		if !ok {
			return fmt.Errorf("routes: unexpected %T", v)
		}
		hc.Set(hooks.ValueRoutes, pagetree.SortRoutes(routes))
		return nil
	})
}

// Manifest writes the entry map of the generation into the bundler
// configuration at apply.
func Manifest(api API) error {
	return api.Hook(hooks.PhaseApply, func(ctx context.Context, hc *hooks.Context) error {
		v, ok := hc.Get(hooks.ValueBundler)
		if !ok {
			return nil
		}
		cfg, ok := v.(*bundler.Config)
		if !ok {
			return fmt.Errorf("bundler: unexpected %T", v)
		}

		entries := make(map[string]any, len(cfg.Entries))
		for _, name := range cfg.EntryNames() {
			files := make([]any, 0, len(cfg.Entries[name]))
			for _, e := range cfg.Entries[name] {
				rel, err := filepath.Rel(cfg.Dist, e.Dist)
				if err != nil {
					rel = e.Dist
				}
				files = append(files, map[string]any{
					"key":  e.Key,
					"file": filepath.ToSlash(rel),
					"kind": e.Kind.String(),
				})
			}
			entries[name] = files
		}

		routes := []any{}
		if tv, ok := hc.Get(hooks.ValueTree); ok {
			if tree, ok := tv.(*pagetree.Tree); ok {
				for _, r := range tree.Routes() {
					routes = append(routes, map[string]any{
						"route":  r.Pattern,
						"entry":  r.Page.EntryName,
						"greedy": r.Greedy,
					})
				}
			}
		}

		hc.Set(bundler.ValueManifest, map[string]any{
			"generation": cfg.Generation,
			"mode":       strings.ToLower(api.Info().Mode),
			"entries":    entries,
			"routes":     routes,
		})
		return nil
	})
}
