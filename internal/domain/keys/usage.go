package keys

import (
	"database/sql/driver"
	"strings"
)

// UsageKey identifies one occurrence of a block within a course.
type UsageKey struct {
	Course    CourseKey
	BlockType string
	BlockID   string
}

func ParseUsageKey(s string) (UsageKey, error) {
	s = strings.TrimSpace(s)
	body, err := stripNamespace("usage", s, UsageNamespace)
	if err != nil {
		return UsageKey{}, err
	}
	loc, err := parseLocator("usage", s, body)
	if err != nil {
		return UsageKey{}, err
	}
	if loc.blockType == "" || loc.blockID == "" {
		return UsageKey{}, invalid("usage", s, "missing type@ or block@")
	}
	return UsageKey{Course: loc.courseKey(), BlockType: loc.blockType, BlockID: loc.blockID}, nil
}

func MustUsageKey(s string) UsageKey {
	k, err := ParseUsageKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

func (k UsageKey) KeyKind() string { return "usage" }

func (k UsageKey) IsZero() bool { return k == UsageKey{} }

func (k UsageKey) String() string {
	if k.IsZero() {
		return ""
	}
	c := k.Course
	c.Deprecated = false
	return UsageNamespace + ":" + c.body() + "+" + typePrefix + k.BlockType + "+" + blockPrefix + k.BlockID
}

func (k UsageKey) WithBlockID(id string) UsageKey {
	k.BlockID = id
	return k
}

// ForCourse moves the key into another course (or branch/version of it).
func (k UsageKey) ForCourse(c CourseKey) UsageKey {
	k.Course = c
	return k
}

func (k UsageKey) ForBranch(branch string) UsageKey {
	k.Course = k.Course.WithBranch(branch)
	return k
}

// Canonical strips branch and version from the course part.
func (k UsageKey) Canonical() UsageKey {
	k.Course = k.Course.Canonical()
	return k
}

func (k UsageKey) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *UsageKey) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*k = UsageKey{}
		return nil
	}
	parsed, err := ParseUsageKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func (k UsageKey) Value() (driver.Value, error) { return k.String(), nil }

func (k *UsageKey) Scan(src interface{}) error {
	s, err := scanString(src)
	if err != nil {
		return err
	}
	return k.UnmarshalText([]byte(s))
}
