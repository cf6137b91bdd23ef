package keys

import (
	"database/sql/driver"
	"strings"
)

// AssetKey identifies a static asset within a course.
type AssetKey struct {
	Course    CourseKey
	AssetType string
	Path      string
}

func ParseAssetKey(s string) (AssetKey, error) {
	s = strings.TrimSpace(s)
	body, err := stripNamespace("asset", s, AssetNamespace)
	if err != nil {
		return AssetKey{}, err
	}
	loc, err := parseLocator("asset", s, body)
	if err != nil {
		return AssetKey{}, err
	}
	if loc.blockType == "" || loc.blockID == "" {
		return AssetKey{}, invalid("asset", s, "missing type@ or block@")
	}
	return AssetKey{Course: loc.courseKey(), AssetType: loc.blockType, Path: loc.blockID}, nil
}

func (k AssetKey) KeyKind() string { return "asset" }

func (k AssetKey) IsZero() bool { return k == AssetKey{} }

func (k AssetKey) String() string {
	if k.IsZero() {
		return ""
	}
	c := k.Course
	c.Deprecated = false
	return AssetNamespace + ":" + c.body() + "+" + typePrefix + k.AssetType + "+" + blockPrefix + k.Path
}

func (k AssetKey) ForCourse(c CourseKey) AssetKey {
	k.Course = c
	return k
}

// SanitizePath maps a file name onto the characters an asset key may carry.
func SanitizePath(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.', r == '~':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (k AssetKey) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *AssetKey) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*k = AssetKey{}
		return nil
	}
	parsed, err := ParseAssetKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func (k AssetKey) Value() (driver.Value, error) { return k.String(), nil }

func (k *AssetKey) Scan(src interface{}) error {
	s, err := scanString(src)
	if err != nil {
		return err
	}
	return k.UnmarshalText([]byte(s))
}
