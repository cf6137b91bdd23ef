package keys

import "strings"

// BlockTypeKey names a block type within a plugin family.
type BlockTypeKey struct {
	Family string
	Type   string
	// Deprecated keys were parsed from a bare type name and print the same way.
	Deprecated bool
}

func ParseBlockTypeKey(s string) (BlockTypeKey, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, BlockTypeNamespace+":") {
		if !typeFamRe.MatchString(s) {
			return BlockTypeKey{}, invalid("block-type", s, "illegal characters")
		}
		return BlockTypeKey{Family: DefaultBlockTypeFamily, Type: s, Deprecated: true}, nil
	}
	body := strings.TrimPrefix(s, BlockTypeNamespace+":")
	family, typ, ok := strings.Cut(body, ":")
	if !ok || family == "" || typ == "" {
		return BlockTypeKey{}, invalid("block-type", s, "expected family:type")
	}
	if !typeFamRe.MatchString(family) || !idRe.MatchString(typ) {
		return BlockTypeKey{}, invalid("block-type", s, "illegal characters")
	}
	return BlockTypeKey{Family: family, Type: typ}, nil
}

func (k BlockTypeKey) KeyKind() string { return "block-type" }

func (k BlockTypeKey) String() string {
	if k.Deprecated {
		return k.Type
	}
	return BlockTypeNamespace + ":" + k.Family + ":" + k.Type
}

func (k BlockTypeKey) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *BlockTypeKey) UnmarshalText(b []byte) error {
	parsed, err := ParseBlockTypeKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
