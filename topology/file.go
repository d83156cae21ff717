package topology

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/glimte/mbus-go/contracts"
)

// Document is the on-disk form of a node set:
//
//	nodes:
//	  - id: "1"
//	    parentId: "-1"
//	    kind: exchange
//	    name: orders
//	    value: exchange.orders
//	    routerType: topic
type Document struct {
	Nodes []contracts.Node `yaml:"nodes"`
}

// Decode reads a YAML node set. Unknown fields are rejected.
func Decode(r io.Reader) ([]contracts.Node, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to decode topology: %w", err)
	}
	return doc.Nodes, nil
}

// LoadFile reads a YAML node set from path
func LoadFile(path string) ([]contracts.Node, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open topology file: %w", err)
	}
	defer f.Close()

	return Decode(f)
}
