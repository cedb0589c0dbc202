package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/repo-agent/internal/domain"
)

// ToolKind is the closed set of tools a sub-action may name.
type ToolKind string

const (
	ToolGetTree    ToolKind = "get_tree"
	ToolReadFiles  ToolKind = "read_files"
	ToolSearchCode ToolKind = "search_code"
)

// RepositoryClient is the repository access surface the tools dispatch to.
type RepositoryClient interface {
	ReadFiles(ctx context.Context, paths []string) (map[string]*string, error)
	ListDirectory(ctx context.Context, path string) ([]domain.FileNode, error)
	SearchCode(ctx context.Context, query string) ([]domain.CodeMatch, error)
}

// toolOutcome is a successful tool result plus the memory updates it implies.
type toolOutcome struct {
	Result     any
	Action     string
	Discovered []string
	Findings   []string
}

type toolHandler func(ctx context.Context, client RepositoryClient, args map[string]any) (toolOutcome, error)

var toolHandlers = map[ToolKind]toolHandler{
	ToolGetTree:    runGetTree,
	ToolReadFiles:  runReadFiles,
	ToolSearchCode: runSearchCode,
}

// ParseTool maps a tool name to its kind.
func ParseTool(name string) (ToolKind, error) {
	kind := ToolKind(strings.TrimSpace(name))
	if _, ok := toolHandlers[kind]; !ok {
		return "", newToolError(CodeUnknownTool, name, "no such tool", ErrUnknownTool)
	}
	return kind, nil
}

// toolLabel returns the metric label for a tool name. Names outside the
// registry collapse to "unknown".
func toolLabel(name string) string {
	kind, err := ParseTool(name)
	if err != nil {
		return "unknown"
	}
	return string(kind)
}

// Tools lists the registered tool kinds in a stable order.
func Tools() []ToolKind {
	return []ToolKind{ToolGetTree, ToolReadFiles, ToolSearchCode}
}

func dispatchTool(ctx context.Context, client RepositoryClient, name string, args map[string]any) (toolOutcome, error) {
	kind, err := ParseTool(name)
	if err != nil {
		return toolOutcome{}, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return toolHandlers[kind](ctx, client, args)
}

func runGetTree(ctx context.Context, client RepositoryClient, args map[string]any) (toolOutcome, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return toolOutcome{}, newToolError(CodeInvalidArguments, string(ToolGetTree), err.Error(), ErrInvalidArguments)
	}
	label := path
	if label == "" {
		label = "root"
	}

	nodes, err := client.ListDirectory(ctx, path)
	if err != nil {
		return toolOutcome{}, newToolError(CodeToolExecution, string(ToolGetTree), "list directory "+label, err)
	}
	if nodes == nil {
		return toolOutcome{}, newToolError(CodeNotFound, string(ToolGetTree), "no directory at "+label, ErrNotFound)
	}

	var files []string
	for _, n := range nodes {
		if n.IsFile() {
			files = append(files, n.Path)
		}
	}
	return toolOutcome{
		Result:     nodes,
		Action:     "Got tree for: " + label,
		Discovered: files,
		Findings:   []string{fmt.Sprintf("Found %d files in %s", len(files), label)},
	}, nil
}

func runReadFiles(ctx context.Context, client RepositoryClient, args map[string]any) (toolOutcome, error) {
	paths, err := stringSliceArg(args, "paths")
	if err != nil {
		return toolOutcome{}, newToolError(CodeInvalidArguments, string(ToolReadFiles), err.Error(), ErrInvalidArguments)
	}

	contents, err := client.ReadFiles(ctx, paths)
	if err != nil {
		return toolOutcome{}, newToolError(CodeToolExecution, string(ToolReadFiles), "read files", err)
	}
	return toolOutcome{
		Result:     contents,
		Action:     "Read files: " + strings.Join(paths, ", "),
		Discovered: paths,
		Findings:   []string{fmt.Sprintf("Read %d files", len(paths))},
	}, nil
}

func runSearchCode(ctx context.Context, client RepositoryClient, args map[string]any) (toolOutcome, error) {
	query, err := stringArg(args, "query")
	if err != nil {
		return toolOutcome{}, newToolError(CodeInvalidArguments, string(ToolSearchCode), err.Error(), ErrInvalidArguments)
	}

	matches, err := client.SearchCode(ctx, query)
	if err != nil {
		return toolOutcome{}, newToolError(CodeToolExecution, string(ToolSearchCode), "search "+query, err)
	}
	paths := make([]string, 0, len(matches))
	for _, m := range matches {
		paths = append(paths, m.Path)
	}
	return toolOutcome{
		Result:     matches,
		Action:     "Searched for: " + query,
		Discovered: paths,
		Findings:   []string{fmt.Sprintf("Found %d matches for '%s'", len(matches), query)},
	}, nil
}

// stringArg returns args[key] as a string; a missing key yields "".
func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string, got %T", key, v)
	}
	return s, nil
}

// stringSliceArg accepts a list of strings or a single string.
func stringSliceArg(args map[string]any, key string) ([]string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return []string{}, nil
	}
	switch vv := v.(type) {
	case string:
		return []string{vv}, nil
	case []string:
		return vv, nil
	case []any:
		out := make([]string, 0, len(vv))
		for i, item := range vv {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("argument %q[%d] must be a string, got %T", key, i, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("argument %q must be a list of strings, got %T", key, v)
	}
}
