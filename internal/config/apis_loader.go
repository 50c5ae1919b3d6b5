package config

import (
	"context"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const inlineSourceName = "inline-config"

// APIBundle captures the merged API definitions after loading every configured
// source, with the files that contributed and the definitions that were
// quarantined.
type APIBundle struct {
	APIs    map[string]APIConfig
	Sources []string
	Skipped []DefinitionSkip
}

type apiDocument struct {
	APIs map[string]APIConfig `koanf:"apis"`
}

type apiAggregator struct {
	apis    map[string]APIConfig
	origins map[string]string
	skips   map[string]*DefinitionSkip
	sources map[string]struct{}
}

func newAPIAggregator() *apiAggregator {
	return &apiAggregator{
		apis:    make(map[string]APIConfig),
		origins: make(map[string]string),
		skips:   make(map[string]*DefinitionSkip),
		sources: make(map[string]struct{}),
	}
}

func (a *apiAggregator) addDocument(doc apiDocument, source string) {
	if source != "" {
		a.sources[source] = struct{}{}
	}
	for name, cfg := range doc.APIs {
		a.add(name, cfg, source)
	}
}

func (a *apiAggregator) add(name string, cfg APIConfig, source string) {
	if existing, ok := a.skips[name]; ok {
		existing.Sources = appendUnique(existing.Sources, source)
		return
	}
	if prev, ok := a.origins[name]; ok {
		a.skip(name, "duplicate definition", prev, source)
		delete(a.origins, name)
		delete(a.apis, name)
		return
	}
	a.origins[name] = source
	a.apis[name] = cfg
}

func (a *apiAggregator) skip(name, reason string, sources ...string) {
	entry, ok := a.skips[name]
	if !ok {
		entry = &DefinitionSkip{Kind: "api", Name: name, Reason: reason, Sources: []string{}}
		a.skips[name] = entry
	}
	if entry.Reason == "" {
		entry.Reason = reason
	}
	for _, src := range sources {
		entry.Sources = appendUnique(entry.Sources, src)
	}
}

// pruneInvalid quarantines definitions that fail validation and later
// definitions whose context collides with an earlier one.
func (a *apiAggregator) pruneInvalid() {
	names := make([]string, 0, len(a.apis))
	for name := range a.apis {
		names = append(names, name)
	}
	sort.Strings(names)

	contexts := make(map[string]string, len(names))
	for _, name := range names {
		cfg := a.apis[name]
		source := a.origins[name]
		if err := validateAPI(cfg); err != nil {
			a.skip(name, fmt.Sprintf("invalid definition: %v", err), source)
			delete(a.origins, name)
			delete(a.apis, name)
			continue
		}
		ctx := strings.TrimSuffix(strings.TrimSpace(cfg.Context), "/")
		if owner, taken := contexts[ctx]; taken {
			a.skip(name, fmt.Sprintf("context %s already served by %s", cfg.Context, owner), source)
			delete(a.origins, name)
			delete(a.apis, name)
			continue
		}
		contexts[ctx] = name
	}
}

func (a *apiAggregator) bundle() APIBundle {
	a.pruneInvalid()
	skipped := make([]DefinitionSkip, 0, len(a.skips))
	for _, s := range a.skips {
		sort.Strings(s.Sources)
		skipped = append(skipped, *s)
	}
	sort.Slice(skipped, func(i, j int) bool { return skipped[i].Name < skipped[j].Name })
	sources := make([]string, 0, len(a.sources))
	for src := range a.sources {
		if src != "" {
			sources = append(sources, src)
		}
	}
	sort.Strings(sources)
	return APIBundle{APIs: maps.Clone(a.apis), Sources: sources, Skipped: skipped}
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	if !slices.Contains(list, value) {
		list = append(list, value)
	}
	return list
}

func buildAPIBundle(ctx context.Context, inline map[string]APIConfig, src APISourceConfig) (APIBundle, error) {
	agg := newAPIAggregator()
	if len(inline) > 0 {
		agg.addDocument(apiDocument{APIs: inline}, inlineSourceName)
	}
	files, err := collectAPISources(ctx, src)
	if err != nil {
		return APIBundle{}, err
	}
	for _, path := range files {
		select {
		case <-ctx.Done():
			return APIBundle{}, ctx.Err()
		default:
		}
		doc, err := loadAPIDocument(path)
		if err != nil {
			return APIBundle{}, err
		}
		agg.addDocument(doc, path)
	}
	return agg.bundle(), nil
}

func collectAPISources(ctx context.Context, src APISourceConfig) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if src.APIsFile != "" {
		info, err := os.Stat(src.APIsFile)
		if err != nil {
			return nil, fmt.Errorf("config: apis file %s: %w", src.APIsFile, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("config: apis file %s: expected a file, found directory", src.APIsFile)
		}
		return []string{src.APIsFile}, nil
	}
	if src.APIsFolder == "" {
		return nil, nil
	}
	stat, err := os.Stat(src.APIsFolder)
	if err != nil {
		return nil, fmt.Errorf("config: apis folder %s: %w", src.APIsFolder, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("config: apis folder %s is not a directory", src.APIsFolder)
	}
	var files []string
	err = filepath.WalkDir(src.APIsFolder, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !isSupportedConfigFile(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("config: walk apis folder %s: %w", src.APIsFolder, err)
	}
	sort.Strings(files)
	return files, nil
}

func loadAPIDocument(path string) (apiDocument, error) {
	parser, err := parserFor(path)
	if err != nil {
		return apiDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return apiDocument{}, fmt.Errorf("config: load apis from %s: %w", path, err)
	}
	var doc apiDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return apiDocument{}, fmt.Errorf("config: decode apis from %s: %w", path, err)
	}
	return doc, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension %s", ext)
	}
}

func isSupportedConfigFile(path string) bool {
	_, err := parserFor(path)
	return err == nil
}

func cloneAPIMap(in map[string]APIConfig) map[string]APIConfig {
	if len(in) == 0 {
		return nil
	}
	return maps.Clone(in)
}
