package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/ashureev/repo-agent/internal/domain"
	"github.com/ashureev/repo-agent/internal/llm"
)

// fakeRepository serves canned listings, files and search results.
type fakeRepository struct {
	mu      sync.Mutex
	trees   map[string][]domain.FileNode
	files   map[string]string
	matches map[string][]domain.CodeMatch
	failOn  map[string]error // keyed by path or query
	panicOn string
	calls   []string
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		trees: map[string][]domain.FileNode{
			"": {
				{Path: "README.md", Kind: domain.NodeFile},
				{Path: "go.mod", Kind: domain.NodeFile},
				{Path: "cmd", Kind: domain.NodeDirectory, Children: []domain.FileNode{}},
			},
		},
		files: map[string]string{
			"README.md": "# hello",
			"go.mod":    "module example.com/hello",
		},
		matches: map[string][]domain.CodeMatch{
			"func main": {{Name: "main.go", Path: "cmd/hello/main.go"}},
		},
		failOn: map[string]error{},
	}
}

func (f *fakeRepository) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeRepository) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRepository) ReadFiles(_ context.Context, paths []string) (map[string]*string, error) {
	f.record("read_files")
	out := make(map[string]*string, len(paths))
	for _, p := range paths {
		if err := f.failOn[p]; err != nil {
			return nil, err
		}
		if content, ok := f.files[p]; ok {
			out[p] = &content
		} else {
			out[p] = nil
		}
	}
	return out, nil
}

func (f *fakeRepository) ListDirectory(_ context.Context, path string) ([]domain.FileNode, error) {
	f.record("list_directory:" + path)
	if path == f.panicOn && f.panicOn != "" {
		panic("listing exploded")
	}
	if err := f.failOn[path]; err != nil {
		return nil, err
	}
	nodes, ok := f.trees[path]
	if !ok {
		return nil, nil
	}
	return nodes, nil
}

func (f *fakeRepository) SearchCode(_ context.Context, query string) ([]domain.CodeMatch, error) {
	f.record("search_code:" + query)
	if err := f.failOn[query]; err != nil {
		return nil, err
	}
	if m, ok := f.matches[query]; ok {
		return m, nil
	}
	return []domain.CodeMatch{}, nil
}

// scriptedModel replies with canned responses in order, then keeps
// answering with a final step.
type scriptedModel struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   [][]llm.Message
}

const finalReply = `{"type":"final","description":"Analysis finished","sub_actions":[]}`

func (m *scriptedModel) Complete(_ context.Context, messages []llm.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, messages)
	if m.err != nil {
		return "", m.err
	}
	if len(m.replies) == 0 {
		return finalReply, nil
	}
	reply := m.replies[0]
	m.replies = m.replies[1:]
	return reply, nil
}

func (m *scriptedModel) ModelName() string { return "scripted" }

func (m *scriptedModel) Calls() [][]llm.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]llm.Message(nil), m.calls...)
}

var errBoom = errors.New("boom")
