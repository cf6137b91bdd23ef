package keys

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// CourseKey identifies a course run, optionally pinned to a branch or version.
type CourseKey struct {
	Org     string
	Course  string
	Run     string
	Branch  string
	Version string
	// Deprecated keys were parsed from, and print as, org/course/run.
	Deprecated bool
}

func ParseCourseKey(s string) (CourseKey, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, CourseNamespace+":") {
		body, _ := stripNamespace("course", s, CourseNamespace)
		loc, err := parseLocator("course", s, body)
		if err != nil {
			return CourseKey{}, err
		}
		if loc.blockType != "" || loc.blockID != "" {
			return CourseKey{}, invalid("course", s, "course keys carry no block")
		}
		return loc.courseKey(), nil
	}
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return CourseKey{}, invalid("course", s, "expected course-v1:org+course+run or org/course/run")
	}
	for _, p := range parts {
		if !legacyIDRe.MatchString(p) {
			return CourseKey{}, invalid("course", s, fmt.Sprintf("illegal characters in %q", p))
		}
	}
	return CourseKey{Org: parts[0], Course: parts[1], Run: parts[2], Deprecated: true}, nil
}

func MustCourseKey(s string) CourseKey {
	k, err := ParseCourseKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

func (k CourseKey) KeyKind() string { return "course" }

func (k CourseKey) IsZero() bool { return k == CourseKey{} }

func (k CourseKey) String() string {
	if k.IsZero() {
		return ""
	}
	if k.Deprecated {
		return k.Org + "/" + k.Course + "/" + k.Run
	}
	return CourseNamespace + ":" + k.body()
}

func (k CourseKey) body() string {
	var parts []string
	if k.Course != "" && k.Run != "" {
		parts = append(parts, k.Org, k.Course, k.Run)
		if k.Branch != "" {
			parts = append(parts, branchPrefix+k.Branch)
		}
	}
	if k.Version != "" {
		parts = append(parts, versionPrefix+k.Version)
	}
	return strings.Join(parts, "+")
}

// Canonical strips branch and version, leaving the identity used for storage.
func (k CourseKey) Canonical() CourseKey {
	k.Branch = ""
	k.Version = ""
	return k
}

func (k CourseKey) WithBranch(branch string) CourseKey {
	k.Branch = branch
	return k
}

func (k CourseKey) WithVersion(version string) CourseKey {
	k.Version = version
	return k
}

func (k CourseKey) WithRun(run string) CourseKey {
	k.Run = run
	return k
}

// MakeUsageKey builds a usage key for a block in this course.
func (k CourseKey) MakeUsageKey(blockType, blockID string) UsageKey {
	return UsageKey{Course: k, BlockType: blockType, BlockID: blockID}
}

func (k CourseKey) MakeAssetKey(assetType, path string) AssetKey {
	return AssetKey{Course: k, AssetType: assetType, Path: path}
}

func (k CourseKey) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *CourseKey) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*k = CourseKey{}
		return nil
	}
	parsed, err := ParseCourseKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func (k CourseKey) Value() (driver.Value, error) { return k.String(), nil }

func (k *CourseKey) Scan(src interface{}) error {
	s, err := scanString(src)
	if err != nil {
		return err
	}
	return k.UnmarshalText([]byte(s))
}

func scanString(src interface{}) (string, error) {
	switch v := src.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", fmt.Errorf("keys: cannot scan %T", src)
	}
}
