// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package parser

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
)

// GoParser is the tree-sitter adapter for Go sources. It extracts functions,
// methods, and type declarations as Scope nodes, imports as ExternalLibrary
// nodes, and same-file call edges between scopes.
type GoParser struct {
	logger       *slog.Logger
	maxScopeText int

	// tree-sitter parsers are not thread-safe
	pool sync.Pool
}

// NewGoParser creates a Go source parser.
func NewGoParser(logger *slog.Logger) *GoParser {
	if logger == nil {
		logger = slog.Default()
	}
	p := &GoParser{
		logger:       logger,
		maxScopeText: 102400, // 100KB per scope
	}
	p.pool.New = func() any {
		ps := sitter.NewParser()
		ps.SetLanguage(golang.GetLanguage())
		return ps
	}
	return p
}

var _ Parser = (*GoParser)(nil)

// scopeEntity is an extracted function, method, or type declaration.
type scopeEntity struct {
	uuid      string
	name      string
	kind      string
	signature string
	content   string
	startLine int
	endLine   int
	node      *sitter.Node
}

// Parse walks the selected files and builds a delta. With ChangedFiles set,
// only those files are parsed; a full scan walks RootPath.
func (p *GoParser) Parse(ctx context.Context, req Request) (*Delta, error) {
	root, err := filepath.Abs(req.RootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", req.RootPath, err)
	}

	files, err := p.selectFiles(root, req)
	if err != nil {
		return nil, err
	}

	delta := &Delta{}
	projectKey := ProjectKey(root)
	delta.Nodes = append(delta.Nodes, Node{
		Key:   projectKey,
		Label: LabelProject,
		Properties: map[string]any{
			"id":           NormalizePath(root),
			"path":         NormalizePath(root),
			"display_name": filepath.Base(root),
		},
	})

	dirs := map[string]bool{}
	libs := map[string]bool{}

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		content, err := os.ReadFile(file)
		if err != nil {
			p.logger.Warn("parser.go.read_failed", "path", file, "error", err)
			continue
		}

		parsed, err := p.parseFile(ctx, content, file)
		if err != nil {
			p.logger.Warn("parser.go.parse_failed", "path", file, "error", err)
			continue
		}
		delta.FilesProcessed++

		fileKey := FileKey(file)
		delta.Nodes = append(delta.Nodes, Node{
			Key:   fileKey,
			Label: LabelFile,
			Properties: map[string]any{
				"path":       NormalizePath(file),
				"name":       filepath.Base(file),
				"language":   "go",
				"package":    parsed.packageName,
				"line_count": strings.Count(string(content), "\n") + 1,
			},
		})
		delta.Stats.Files++

		p.addDirChain(delta, dirs, root, projectKey, file, fileKey)

		for _, sc := range parsed.scopes {
			delta.Nodes = append(delta.Nodes, Node{
				Key:   ScopeKey(sc.uuid),
				Label: LabelScope,
				Properties: map[string]any{
					"uuid":       sc.uuid,
					"name":       sc.name,
					"kind":       sc.kind,
					"signature":  sc.signature,
					"content":    sc.content,
					"file_path":  NormalizePath(file),
					"start_line": sc.startLine,
					"end_line":   sc.endLine,
				},
			})
			delta.Edges = append(delta.Edges, Edge{
				Type: "HAS_SCOPE",
				From: fileKey,
				To:   ScopeKey(sc.uuid),
			})
			delta.Stats.Scopes++
		}

		for _, imp := range parsed.imports {
			libKey := LibKey(imp)
			if !libs[imp] {
				libs[imp] = true
				delta.Nodes = append(delta.Nodes, Node{
					Key:        libKey,
					Label:      LabelExternalLibrary,
					Properties: map[string]any{"name": imp},
				})
				delta.Stats.Libraries++
			}
			delta.Edges = append(delta.Edges, Edge{
				Type: "IMPORTS",
				From: fileKey,
				To:   libKey,
			})
		}

		delta.Edges = append(delta.Edges, parsed.calls...)
	}

	p.logger.Debug("parser.go.done",
		"root", root,
		"files", delta.FilesProcessed,
		"scopes", delta.Stats.Scopes,
		"libraries", delta.Stats.Libraries,
	)
	return delta, nil
}

// selectFiles resolves the file set for a request: the changed-file list when
// given, otherwise a full walk. Globs are matched against root-relative paths.
func (p *GoParser) selectFiles(root string, req Request) ([]string, error) {
	selected := func(abs string) bool {
		rel, err := filepath.Rel(root, abs)
		if err != nil {
			rel = abs
		}
		return strings.HasSuffix(abs, ".go") &&
			Selected(filepath.ToSlash(rel), req.IncludeGlobs, req.ExcludeGlobs)
	}

	if len(req.ChangedFiles) > 0 {
		var files []string
		for _, f := range req.ChangedFiles {
			abs := f
			if !filepath.IsAbs(abs) {
				abs = filepath.Join(root, f)
			}
			if selected(abs) {
				files = append(files, abs)
			}
		}
		sort.Strings(files)
		return files, nil
	}

	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if name == ".git" || (path != root && strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if selected(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}

// addDirChain emits Directory nodes and CONTAINS edges linking the file up to
// the project root. Each directory is emitted once per delta.
func (p *GoParser) addDirChain(delta *Delta, seen map[string]bool, root, projectKey, file, fileKey string) {
	dir := filepath.Dir(file)
	childKey := fileKey

	for {
		dirKey := DirKey(dir)
		if !seen[dir] {
			seen[dir] = true
			delta.Nodes = append(delta.Nodes, Node{
				Key:   dirKey,
				Label: LabelDirectory,
				Properties: map[string]any{
					"path": NormalizePath(dir),
					"name": filepath.Base(dir),
				},
			})
			delta.Stats.Directories++
			if dir == root {
				delta.Edges = append(delta.Edges, Edge{
					Type: "HAS_DIRECTORY",
					From: projectKey,
					To:   dirKey,
				})
			}
		}
		delta.Edges = append(delta.Edges, Edge{
			Type: "CONTAINS",
			From: dirKey,
			To:   childKey,
		})
		if dir == root || dir == filepath.Dir(dir) {
			return
		}
		childKey = dirKey
		dir = filepath.Dir(dir)
	}
}

// goParseResult is the per-file extraction output.
type goParseResult struct {
	packageName string
	scopes      []scopeEntity
	imports     []string
	calls       []Edge
}

func (p *GoParser) parseFile(ctx context.Context, content []byte, filePath string) (*goParseResult, error) {
	ps := p.pool.Get().(*sitter.Parser)
	defer p.pool.Put(ps)

	tree, err := ps.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse: %w", err)
	}
	defer tree.Close()

	rootNode := tree.RootNode()
	if rootNode.HasError() {
		// tree-sitter is error-tolerant; extract what parses
		p.logger.Warn("parser.go.syntax_errors", "path", filePath)
	}

	res := &goParseResult{
		packageName: extractPackageName(rootNode, content),
		imports:     extractImports(rootNode, content),
	}

	p.walkScopes(rootNode, content, filePath, res)
	res.calls = p.extractCalls(content, res.scopes)
	// AST nodes die with tree.Close; drop the references before returning.
	for i := range res.scopes {
		res.scopes[i].node = nil
	}
	return res, nil
}

// walkScopes collects function, method, and type declarations.
func (p *GoParser) walkScopes(node *sitter.Node, content []byte, filePath string, res *goParseResult) {
	if node == nil {
		return
	}

	switch node.Type() {
	case "function_declaration":
		if sc := p.extractFunction(node, content, filePath, false); sc != nil {
			res.scopes = append(res.scopes, *sc)
		}
	case "method_declaration":
		if sc := p.extractFunction(node, content, filePath, true); sc != nil {
			res.scopes = append(res.scopes, *sc)
		}
	case "type_declaration":
		p.extractTypes(node, content, filePath, res)
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		p.walkScopes(node.Child(i), content, filePath, res)
	}
}

func (p *GoParser) extractFunction(node *sitter.Node, content []byte, filePath string, method bool) *scopeEntity {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return nil
	}
	name := nodeText(nameNode, content)

	var sig strings.Builder
	sig.WriteString("func ")
	kind := "function"
	if method {
		kind = "method"
		if recv := node.ChildByFieldName("receiver"); recv != nil {
			sig.WriteString(nodeText(recv, content))
			sig.WriteString(" ")
			if rt := receiverTypeName(recv, content); rt != "" {
				name = rt + "." + name
			}
		}
	}
	sig.WriteString(nodeText(nameNode, content))
	if tp := node.ChildByFieldName("type_parameters"); tp != nil {
		sig.WriteString(nodeText(tp, content))
	}
	if params := node.ChildByFieldName("parameters"); params != nil {
		sig.WriteString(nodeText(params, content))
	}
	if result := node.ChildByFieldName("result"); result != nil {
		sig.WriteString(" ")
		sig.WriteString(nodeText(result, content))
	}

	return p.newScope(node, content, filePath, name, kind, sig.String())
}

func (p *GoParser) extractTypes(node *sitter.Node, content []byte, filePath string, res *goParseResult) {
	collect := func(spec *sitter.Node) {
		nameNode := spec.ChildByFieldName("name")
		typeNode := spec.ChildByFieldName("type")
		if nameNode == nil || typeNode == nil {
			return
		}
		var kind string
		switch typeNode.Type() {
		case "struct_type":
			kind = "struct"
		case "interface_type":
			kind = "interface"
		default:
			kind = "type_alias"
		}
		name := nodeText(nameNode, content)
		sc := p.newScope(spec, content, filePath, name, kind, "type "+name)
		if sc != nil {
			res.scopes = append(res.scopes, *sc)
		}
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		switch child.Type() {
		case "type_spec":
			collect(child)
		case "type_spec_list":
			for j := 0; j < int(child.ChildCount()); j++ {
				if spec := child.Child(j); spec.Type() == "type_spec" {
					collect(spec)
				}
			}
		}
	}
}

func (p *GoParser) newScope(node *sitter.Node, content []byte, filePath, name, kind, signature string) *scopeEntity {
	startLine := int(node.StartPoint().Row) + 1
	endLine := int(node.EndPoint().Row) + 1
	startCol := int(node.StartPoint().Column) + 1
	endCol := int(node.EndPoint().Column) + 1

	text := nodeText(node, content)
	if len(text) > p.maxScopeText {
		text = text[:p.maxScopeText]
	}

	return &scopeEntity{
		uuid:      ScopeUUID(filePath, name, startLine, endLine, startCol, endCol),
		name:      name,
		kind:      kind,
		signature: signature,
		content:   text,
		startLine: startLine,
		endLine:   endLine,
		node:      node,
	}
}

// extractCalls resolves same-file calls between extracted scopes. Cross-file
// calls are left to graph queries over IMPORTS edges.
func (p *GoParser) extractCalls(content []byte, scopes []scopeEntity) []Edge {
	nameToUUID := make(map[string]string, len(scopes))
	for _, sc := range scopes {
		if sc.kind != "function" && sc.kind != "method" {
			continue
		}
		simple := sc.name
		if i := strings.LastIndex(simple, "."); i >= 0 {
			simple = simple[i+1:]
		}
		nameToUUID[simple] = sc.uuid
	}

	var calls []Edge
	for _, sc := range scopes {
		if sc.node == nil || (sc.kind != "function" && sc.kind != "method") {
			continue
		}
		body := sc.node.ChildByFieldName("body")
		if body == nil {
			continue
		}
		seen := map[string]bool{}
		walkCallExpressions(body, content, func(callee string) {
			uuid, ok := nameToUUID[callee]
			if !ok || uuid == sc.uuid || seen[uuid] {
				return
			}
			seen[uuid] = true
			calls = append(calls, Edge{
				Type: "CALLS",
				From: ScopeKey(sc.uuid),
				To:   ScopeKey(uuid),
			})
		})
	}
	return calls
}

func walkCallExpressions(node *sitter.Node, content []byte, fn func(callee string)) {
	if node == nil {
		return
	}
	if node.Type() == "call_expression" {
		if fnNode := node.ChildByFieldName("function"); fnNode != nil {
			if name := calleeName(fnNode, content); name != "" {
				fn(name)
			}
		}
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		walkCallExpressions(node.Child(i), content, fn)
	}
}

func calleeName(node *sitter.Node, content []byte) string {
	switch node.Type() {
	case "identifier":
		return nodeText(node, content)
	case "selector_expression":
		if field := node.ChildByFieldName("field"); field != nil {
			return nodeText(field, content)
		}
	case "index_expression":
		if operand := node.ChildByFieldName("operand"); operand != nil {
			return calleeName(operand, content)
		}
	}
	return ""
}

func receiverTypeName(recv *sitter.Node, content []byte) string {
	for i := 0; i < int(recv.ChildCount()); i++ {
		child := recv.Child(i)
		if child.Type() != "parameter_declaration" {
			continue
		}
		typeNode := child.ChildByFieldName("type")
		if typeNode == nil {
			continue
		}
		name := nodeText(typeNode, content)
		name = strings.TrimPrefix(name, "*")
		if idx := strings.Index(name, "["); idx > 0 {
			name = name[:idx]
		}
		return name
	}
	return ""
}

func extractPackageName(root *sitter.Node, content []byte) string {
	for i := 0; i < int(root.ChildCount()); i++ {
		child := root.Child(i)
		if child.Type() != "package_clause" {
			continue
		}
		for j := 0; j < int(child.ChildCount()); j++ {
			if gc := child.Child(j); gc.Type() == "package_identifier" {
				return nodeText(gc, content)
			}
		}
	}
	return ""
}

func extractImports(root *sitter.Node, content []byte) []string {
	var imports []string
	collect := func(spec *sitter.Node) {
		pathNode := spec.ChildByFieldName("path")
		if pathNode == nil {
			return
		}
		imports = append(imports, strings.Trim(nodeText(pathNode, content), `"`))
	}

	for i := 0; i < int(root.ChildCount()); i++ {
		child := root.Child(i)
		if child.Type() != "import_declaration" {
			continue
		}
		for j := 0; j < int(child.ChildCount()); j++ {
			gc := child.Child(j)
			switch gc.Type() {
			case "import_spec":
				collect(gc)
			case "import_spec_list":
				for k := 0; k < int(gc.ChildCount()); k++ {
					if spec := gc.Child(k); spec.Type() == "import_spec" {
						collect(spec)
					}
				}
			}
		}
	}
	return imports
}

func nodeText(node *sitter.Node, content []byte) string {
	return string(content[node.StartByte():node.EndByte()])
}
