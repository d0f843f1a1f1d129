package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// catalogConcurrency bounds how many servers BuildCatalog queries at once.
const catalogConcurrency = 4

// ToolSource is the part of Client a catalog needs.
type ToolSource interface {
	Initialize(ctx context.Context, serverURL string) (*Capabilities, error)
	ListTools(ctx context.Context, serverURL string) ([]ToolDescriptor, error)
}

// CatalogSource is one server contributing tools to a catalog.
//
// The Include and Exclude lists control which tools are taken:
//   - If Include is non-empty, only tools whose MCP names appear in it are kept.
//   - Otherwise tools whose MCP names appear in Exclude are skipped.
//   - If both are empty, all tools are kept.
type CatalogSource struct {
	Name    string
	URL     string
	Include []string
	Exclude []string
}

// CatalogEntry is a tool under its namespaced name.
type CatalogEntry struct {
	// Name is "mcp_{server}_{tool}".
	Name      string
	Server    string
	ServerURL string
	Tool      ToolDescriptor
}

// Catalog is the merged tool list of several servers.
type Catalog struct {
	Entries []CatalogEntry
	byName  map[string]int
}

// Lookup finds an entry by namespaced name.
func (c *Catalog) Lookup(name string) (CatalogEntry, bool) {
	if c == nil {
		return CatalogEntry{}, false
	}
	i, ok := c.byName[name]
	if !ok {
		return CatalogEntry{}, false
	}
	return c.Entries[i], true
}

// BuildCatalog initializes every source, lists its tools, and merges
// them under namespaced names. Servers are queried concurrently. A
// server that fails is left out and its error is joined into the
// returned error; the catalog still holds every other server's tools.
func BuildCatalog(ctx context.Context, src ToolSource, sources []CatalogSource, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}

	perServer := make([][]CatalogEntry, len(sources))
	errs := make([]error, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(catalogConcurrency)
	for i, s := range sources {
		g.Go(func() error {
			entries, err := catalogServer(gctx, src, s, logger)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", s.Name, err)
				return nil
			}
			perServer[i] = entries
			return nil
		})
	}
	_ = g.Wait()

	cat := &Catalog{byName: make(map[string]int)}
	for _, entries := range perServer {
		for _, e := range entries {
			if prev, dup := cat.byName[e.Name]; dup {
				logger.Warn("duplicate MCP tool name skipped",
					"name", e.Name,
					"server", e.Server,
					"kept_server", cat.Entries[prev].Server,
				)
				continue
			}
			cat.byName[e.Name] = len(cat.Entries)
			cat.Entries = append(cat.Entries, e)
		}
	}
	sort.SliceStable(cat.Entries, func(i, j int) bool { return cat.Entries[i].Name < cat.Entries[j].Name })
	for i, e := range cat.Entries {
		cat.byName[e.Name] = i
	}

	return cat, errors.Join(errs...)
}

func catalogServer(ctx context.Context, src ToolSource, s CatalogSource, logger *slog.Logger) ([]CatalogEntry, error) {
	if _, err := src.Initialize(ctx, s.URL); err != nil {
		return nil, err
	}
	tools, err := src.ListTools(ctx, s.URL)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}

	includeSet := toSet(s.Include)
	excludeSet := toSet(s.Exclude)

	var entries []CatalogEntry
	for _, td := range tools {
		if len(includeSet) > 0 {
			if !includeSet[td.Name] {
				continue
			}
		} else if excludeSet[td.Name] {
			continue
		}

		name := ToolName(s.Name, td.Name)
		entries = append(entries, CatalogEntry{
			Name:      name,
			Server:    s.Name,
			ServerURL: s.URL,
			Tool:      td,
		})

		logger.Debug("cataloged MCP tool",
			"mcp_name", td.Name,
			"name", name,
			"server", s.Name,
		)
	}
	return entries, nil
}

// ToolName generates a namespaced tool name from a server name and an
// MCP tool name. Both components are sanitized to contain only
// lowercase alphanumeric characters and underscores.
func ToolName(serverName, mcpToolName string) string {
	server := sanitize(serverName)
	tool := sanitize(mcpToolName)
	return fmt.Sprintf("mcp_%s_%s", server, tool)
}

// sanitize converts a name to lowercase and replaces non-alphanumeric
// characters (except underscore) with underscores. Consecutive
// underscores are collapsed and leading/trailing underscores are trimmed.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "-", "_")
	s = sanitizeRe.ReplaceAllString(s, "_")

	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}

	return strings.Trim(s, "_")
}

// toSet converts a string slice to a set for O(1) lookups.
func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
