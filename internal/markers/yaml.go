package markers

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"astir/internal/model"
)

// LoadYAML reads a marker document from path.
func LoadYAML(path string) (model.MarkerDocument, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.MarkerDocument{}, err
	}
	defer f.Close()

	doc, err := ParseYAML(f)
	if err != nil {
		return model.MarkerDocument{}, fmt.Errorf("parse marker file %s: %w", path, err)
	}
	return doc, nil
}

// ParseYAML decodes a marker document of the form
//
//	cell_types:
//	  T cell: [CD3, CD4]
//	cell_states: {}
//
// Mapping order is preserved because it fixes the class order of the model.
// Empty or null sections decode to zero entries.
func ParseYAML(r io.Reader) (model.MarkerDocument, error) {
	var root yaml.Node
	if err := yaml.NewDecoder(r).Decode(&root); err != nil {
		if err == io.EOF {
			return model.MarkerDocument{}, nil
		}
		return model.MarkerDocument{}, err
	}

	top := &root
	if top.Kind == yaml.DocumentNode {
		if len(top.Content) == 0 {
			return model.MarkerDocument{}, nil
		}
		top = top.Content[0]
	}
	if isNull(top) {
		return model.MarkerDocument{}, nil
	}
	if top.Kind != yaml.MappingNode {
		return model.MarkerDocument{}, fmt.Errorf("line %d: marker document must be a mapping", top.Line)
	}

	var doc model.MarkerDocument
	for i := 0; i+1 < len(top.Content); i += 2 {
		key, value := top.Content[i], top.Content[i+1]
		entries, err := decodeEntries(value)
		if err != nil {
			return model.MarkerDocument{}, fmt.Errorf("section %q: %w", key.Value, err)
		}
		doc.Sections = append(doc.Sections, model.MarkerSection{Key: key.Value, Entries: entries})
	}
	return doc, nil
}

func decodeEntries(node *yaml.Node) ([]model.MarkerEntry, error) {
	if isNull(node) {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: expected a mapping of names to marker lists", node.Line)
	}

	entries := make([]model.MarkerEntry, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		name, value := node.Content[i], node.Content[i+1]
		genes, err := decodeGenes(value)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", name.Value, err)
		}
		entries = append(entries, model.MarkerEntry{Name: name.Value, Genes: genes})
	}
	return entries, nil
}

func decodeGenes(node *yaml.Node) ([]string, error) {
	switch {
	case isNull(node):
		return nil, nil
	case node.Kind == yaml.ScalarNode:
		return []string{node.Value}, nil
	case node.Kind == yaml.SequenceNode:
		var genes []string
		if err := node.Decode(&genes); err != nil {
			return nil, err
		}
		return genes, nil
	default:
		return nil, fmt.Errorf("line %d: expected a marker list", node.Line)
	}
}

func isNull(node *yaml.Node) bool {
	return node == nil || (node.Kind == yaml.ScalarNode && node.ShortTag() == "!!null")
}

// WriteYAML encodes doc in the layout ParseYAML reads, keeping section and entry
// order. Gene lists are written in flow style.
func WriteYAML(w io.Writer, doc model.MarkerDocument) error {
	root := &yaml.Node{Kind: yaml.MappingNode}
	for _, section := range doc.Sections {
		entries := &yaml.Node{Kind: yaml.MappingNode}
		if len(section.Entries) == 0 {
			entries.Style = yaml.FlowStyle
		}
		for _, entry := range section.Entries {
			genes := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
			for _, gene := range entry.Genes {
				genes.Content = append(genes.Content, scalar(gene))
			}
			entries.Content = append(entries.Content, scalar(entry.Name), genes)
		}
		root.Content = append(root.Content, scalar(section.Key), entries)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(root); err != nil {
		return err
	}
	return enc.Close()
}

// WriteYAMLFile writes doc to path, replacing any existing file.
func WriteYAMLFile(path string, doc model.MarkerDocument) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := WriteYAML(f, doc); err != nil {
		return fmt.Errorf("write marker file %s: %w", path, err)
	}
	return f.Sync()
}

func scalar(value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
}
