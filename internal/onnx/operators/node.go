package operators

// Node is the executor's view of an onnx.NodeProto. It is a separate type so
// that this package does not import onnx.
type Node struct {
	Name       string
	OpType     string
	Inputs     []string
	Outputs    []string
	Attributes []Attribute
}

// Attribute represents a node attribute.
type Attribute struct {
	Name   string
	F      float32
	I      int64
	S      []byte
	Floats []float32
	Ints   []int64
}

func (n *Node) attr(name string) *Attribute {
	for i := range n.Attributes {
		if n.Attributes[i].Name == name {
			return &n.Attributes[i]
		}
	}
	return nil
}

// GetAttrInt returns an integer attribute or default value.
func GetAttrInt(node *Node, name string, defaultVal int64) int64 {
	if a := node.attr(name); a != nil {
		return a.I
	}
	return defaultVal
}

// GetAttrInts returns an integer array attribute, or nil.
func GetAttrInts(node *Node, name string) []int64 {
	if a := node.attr(name); a != nil {
		return a.Ints
	}
	return nil
}

// GetAttrFloat returns a float attribute or default value.
func GetAttrFloat(node *Node, name string, defaultVal float32) float32 {
	if a := node.attr(name); a != nil {
		return a.F
	}
	return defaultVal
}
