// Package spec parses the multi-document YAML environment spec consumed by
// the environment manager's Apply operation, grounded on the
// teacher's cmd/warren/apply.go generic {apiVersion, kind, metadata, spec}
// resource document.
package spec

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/cuemby/snops/pkg/types"
	"gopkg.in/yaml.v3"
)

// DocumentKind discriminates the two document shapes a spec stream may
// contain.
type DocumentKind string

const (
	KindNodes  DocumentKind = "Nodes"
	KindCannon DocumentKind = "Cannon"
)

// Document is the generic envelope every YAML document in a spec stream
// must carry, mirroring the teacher's WarrenResource shape.
type Document struct {
	Kind DocumentKind `yaml:"kind"`
	Spec yaml.Node    `yaml:"spec"`
}

// NodesDoc describes the internal/external node topology (one per spec
// stream, conventionally).
type NodesDoc struct {
	Network  string                `yaml:"network"`
	External map[string]ExternalNode `yaml:"external"`
	Nodes    map[string]NodeDoc    `yaml:"nodes"`
}

// ExternalNode is a node living outside the fleet, reachable only by address.
type ExternalNode struct {
	BFT  string `yaml:"bft"`
	Node string `yaml:"node"`
	REST string `yaml:"rest"`
}

// NodeDoc is a single node entry before replica expansion.
type NodeDoc struct {
	Online     bool              `yaml:"online"`
	Replicas   int               `yaml:"replicas"`
	Key        string            `yaml:"key"` // "", "local", or a literal private key
	Height     string            `yaml:"height"`
	Labels     []string          `yaml:"labels"`
	Agent      string            `yaml:"agent"`
	Validators []string          `yaml:"validators"`
	Peers      []string          `yaml:"peers"`
	Env        map[string]string `yaml:"env"`
	Binary     string            `yaml:"binary"`
}

// CannonDoc describes one CannonInstance.
type CannonDoc struct {
	ID                string   `yaml:"id"`
	Source            string   `yaml:"source"` // "generator" or "listen"
	PrivateKeys       []string `yaml:"private_keys"`
	Addresses         []string `yaml:"addresses"`
	Program           string   `yaml:"program"`
	Inputs            []string `yaml:"inputs"`
	ListenPath        string   `yaml:"listen_path"`
	Sink              string   `yaml:"sink"` // "file" or "broadcast"
	FilePath          string   `yaml:"file_path"`
	Target            string   `yaml:"target"`
	AuthorizeTimeout  string   `yaml:"authorize_timeout"`
	AuthorizeAttempts int      `yaml:"authorize_attempts"`
	BroadcastTimeout  string   `yaml:"broadcast_timeout"`
	BroadcastAttempts int      `yaml:"broadcast_attempts"`
}

// ParsedSpec is the decoded, not-yet-validated content of a spec stream.
type ParsedSpec struct {
	Nodes   []NodesDoc
	Cannons []CannonDoc
}

var nodeKeyPattern = regexp.MustCompile(`^(validator|prover|client)/([A-Za-z0-9_-]+)(?:@([A-Za-z0-9_-]+))?$`)

// ParseNodeKey parses the "<kind>/<name>[@<namespace>]" form.
func ParseNodeKey(s string) (types.NodeKey, error) {
	m := nodeKeyPattern.FindStringSubmatch(s)
	if m == nil {
		return types.NodeKey{}, &types.SchemaError{Msg: fmt.Sprintf("invalid node key %q", s)}
	}
	return types.NodeKey{Kind: types.NodeKind(m[1]), Name: m[2], Namespace: m[3]}, nil
}

// ParsePrivateKeySource interprets NodeDoc.Key: "" -> None, "local" -> Local,
// anything else -> a literal key.
func ParsePrivateKeySource(s string) types.PrivateKeySource {
	switch s {
	case "":
		return types.PrivateKeySource{Kind: types.PrivateKeyNone}
	case "local":
		return types.PrivateKeySource{Kind: types.PrivateKeyLocal}
	default:
		return types.PrivateKeySource{Kind: types.PrivateKeyLiteral, Literal: s}
	}
}

// ParseHeightRequest interprets NodeDoc.Height: "" or "top" -> Top, an
// integer -> Absolute, anything else -> Checkpoint(span).
func ParseHeightRequest(s string) (types.HeightRequest, error) {
	switch {
	case s == "" || strings.EqualFold(s, "top"):
		return types.HeightRequest{Kind: types.HeightTop}, nil
	default:
		if n, err := strconv.ParseUint(s, 10, 32); err == nil {
			return types.HeightRequest{Kind: types.HeightAbsolute, Absolute: uint32(n)}, nil
		}
		return types.HeightRequest{Kind: types.HeightCheckpoint, Span: types.RetentionSpan(s)}, nil
	}
}

// Parse decodes a multi-document YAML stream into a ParsedSpec. Unknown
// document kinds are a SchemaError.
func Parse(r io.Reader) (*ParsedSpec, error) {
	dec := yaml.NewDecoder(r)
	parsed := &ParsedSpec{}

	for {
		var doc Document
		err := dec.Decode(&doc)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &types.SchemaError{Msg: err.Error(), Err: err}
		}

		switch doc.Kind {
		case KindNodes:
			var nd NodesDoc
			if err := doc.Spec.Decode(&nd); err != nil {
				return nil, &types.SchemaError{Msg: "decoding nodes document: " + err.Error(), Err: err}
			}
			parsed.Nodes = append(parsed.Nodes, nd)
		case KindCannon:
			var cd CannonDoc
			if err := doc.Spec.Decode(&cd); err != nil {
				return nil, &types.SchemaError{Msg: "decoding cannon document: " + err.Error(), Err: err}
			}
			parsed.Cannons = append(parsed.Cannons, cd)
		default:
			return nil, &types.SchemaError{Msg: fmt.Sprintf("unknown document kind %q", doc.Kind)}
		}
	}
	return parsed, nil
}

// ExpandReplicas expands a NodeDoc with n replicas into n entries, the i-th
// keyed by "<name>-<i>" (or the bare name when n == 1).
func ExpandReplicas(name string, doc NodeDoc) map[string]NodeDoc {
	n := doc.Replicas
	if n < 1 {
		n = 1
	}
	out := make(map[string]NodeDoc, n)
	for i := 0; i < n; i++ {
		key := name
		if n > 1 {
			key = fmt.Sprintf("%s-%d", name, i)
		}
		copyDoc := doc
		copyDoc.Replicas = 0
		out[key] = copyDoc
	}
	return out
}
